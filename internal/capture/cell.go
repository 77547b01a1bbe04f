package capture

import (
	"context"
	"sync"
)

// Cell is a broadcast value cell with one writer and any number of readers.
// New subscribers receive the current value first, then every later update in order.
// The writer never blocks on slow subscribers: each one has its own queue.
type Cell[T any] struct {
	mu    sync.Mutex
	value T
	subs  map[*subscriber[T]]struct{}
}

type subscriber[T any] struct {
	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	out    chan T
}

// NewCell returns a cell holding initial.
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{
		value: initial,
		subs:  make(map[*subscriber[T]]struct{}),
	}
}

// Get returns the latest value.
func (c *Cell[T]) Get() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Subscribe returns a channel that yields the current value and every update after it.
// The channel is closed once ctx is done.
func (c *Cell[T]) Subscribe(ctx context.Context) <-chan T {
	s := &subscriber[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
	}

	c.mu.Lock()
	s.enqueue(c.value)
	c.subs[s] = struct{}{}
	c.mu.Unlock()

	go s.pump(ctx, func() {
		c.mu.Lock()
		delete(c.subs, s)
		c.mu.Unlock()
	})
	return s.out
}

func (c *Cell[T]) set(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = v
	for s := range c.subs {
		s.enqueue(v)
	}
}

func (s *subscriber[T]) enqueue(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pump(ctx context.Context, remove func()) {
	defer close(s.out)
	defer remove()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- v:
			case <-ctx.Done():
				return
			}
		}
	}
}
