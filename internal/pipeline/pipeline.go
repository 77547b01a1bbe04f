// Package pipeline feeds a frame stream through a detector into a capture machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/types"
)

// FrameSource yields encoded frames and io.EOF once exhausted.
// utils.FrameScanner satisfies it.
type FrameSource interface {
	Next() ([]byte, error)
}

// Detector turns a frame into an observation.
// worker.PythonWorker satisfies it.
type Detector interface {
	Detect(frame []byte) capture.Observation
}

// Options tune a Run.
type Options struct {
	// NthFrame sends every Nth frame to the detector. Values below 1 mean every frame.
	NthFrame int
	// OnFrame is called for every frame read, with processed set when it reached the detector.
	OnFrame func(task types.FrameTask, processed bool)
}

type readResult struct {
	data []byte
	err  error
}

// Run drives one capture session until the machine finishes. Context cancellation
// and source exhaustion end the session with Finish, so the outcome is Cancelled
// unless the machine already reached another terminal stage. A non-EOF source
// error is returned alongside the outcome.
func Run(ctx context.Context, src FrameSource, det Detector, m *capture.Machine, opts Options) (capture.Outcome, error) {
	nth := opts.NthFrame
	if nth < 1 {
		nth = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 1. Watch for terminal states reached off the frame path (watchdog)
	updates := m.State().Subscribe(ctx)

	// 2. Single producer: Next may block, so it runs on its own goroutine
	frames := make(chan readResult)
	go func() {
		defer close(frames)
		for {
			data, err := src.Next()
			select {
			case frames <- readResult{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	finish := func(err error) (capture.Outcome, error) {
		m.Finish()
		return m.State().Get().Outcome(), err
	}

	index := 0
	for {
		select {
		case <-ctx.Done():
			return finish(nil)

		case s, ok := <-updates:
			if !ok {
				return finish(nil)
			}
			if s.Finished() {
				return s.Outcome(), nil
			}

		case f, ok := <-frames:
			if !ok || errors.Is(f.err, io.EOF) {
				return finish(nil)
			}
			if f.err != nil {
				return finish(fmt.Errorf("read frame %d: %w", index, f.err))
			}

			task := types.FrameTask{Index: index, Data: f.data}
			index++
			processed := task.Index%nth == 0
			if processed {
				m.Process(det.Detect(task.Data))
			}
			if opts.OnFrame != nil {
				opts.OnFrame(task, processed)
			}
			if s := m.State().Get(); s.Finished() {
				return s.Outcome(), nil
			}
		}
	}
}
