package capture

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sync"
	"testing"
	"time"
)

type countingImage struct {
	mu     sync.Mutex
	closed int
}

func (i *countingImage) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed++
	return nil
}

func (i *countingImage) Closed() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

type harness struct {
	m       *Machine
	clock   *fakeClock
	image   *countingImage
	mu      sync.Mutex
	results []Result
}

func (h *harness) Results() []Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Result(nil), h.results...)
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), image: &countingImage{}}

	cfg := DefaultConfig()
	cfg.Clock = h.clock
	cfg.Rand = rand.New(rand.NewSource(42))
	cfg.Snapshotter = func(ValidFace) (Image, error) { return h.image, nil }
	cfg.OnSuccess = func(r Result) {
		h.mu.Lock()
		h.results = append(h.results, r)
		h.mu.Unlock()
	}
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.m = m
	return h
}

var identity = []float32{0.6, 0.8, 0}

func goodFace() ValidFace {
	return ValidFace{
		FeatureVector: identity,
		Quality:       0.9,
		BoxRatio:      0.6,
		Eyes:          &EyesOpen{Left: true, Right: true},
	}
}

func gestureFace(c ChallengeType) ValidFace {
	f := goodFace()
	switch c {
	case Blink:
		f.Gestures.Blink = true
	case Shake:
		f.Gestures.Shake = true
	case MouthOpen:
		f.Gestures.MouthOpen = true
	case RaiseHead:
		f.Gestures.RaiseHead = true
	}
	return f
}

func (h *harness) stage() Stage {
	return h.m.State().Get().Stage
}

func (h *harness) interacting(t *testing.T) Interacting {
	t.Helper()
	st, ok := h.stage().(Interacting)
	if !ok {
		t.Fatalf("Expected Interacting stage, got %s", h.stage())
	}
	return st
}

func (h *harness) outcome(t *testing.T) Outcome {
	t.Helper()
	st, ok := h.stage().(Finished)
	if !ok {
		t.Fatalf("Expected Finished stage, got %s", h.stage())
	}
	return st.Outcome
}

// prepare feeds enough good frames to leave Preparing.
func (h *harness) prepare() {
	for i := 0; i < h.m.cfg.RequiredPassCount; i++ {
		h.m.Process(goodFace())
	}
}

func TestFirstObservationEntersPreparing(t *testing.T) {
	h := newHarness(t, nil)

	if _, ok := h.stage().(Idle); !ok {
		t.Fatalf("Expected Idle before any observation, got %s", h.stage())
	}

	h.m.Process(NoOrMultipleFaces{Count: 0})

	if got := h.stage(); !reflect.DeepEqual(got, Preparing{}) {
		t.Fatalf("Expected Preparing{0}, got %s", got)
	}
	// Watchdog plus the pending no_face debounce
	if h.clock.Pending() != 2 {
		t.Errorf("Expected 2 pending timers, got %d", h.clock.Pending())
	}
}

func TestPreparingHysteresis(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RequiredPassCount = 3 })

	h.m.Process(goodFace())
	h.m.Process(goodFace())
	h.m.Process(NoOrMultipleFaces{Count: 2})
	h.m.Process(goodFace())
	h.m.Process(goodFace())

	if got := h.stage(); !reflect.DeepEqual(got, Preparing{PassCount: 2}) {
		t.Fatalf("Expected Preparing{2} after a reset mid-sequence, got %s", got)
	}

	h.m.Process(goodFace())
	if _, ok := h.stage().(Interacting); !ok {
		t.Fatalf("Expected Interacting after 3 consecutive passes, got %s", h.stage())
	}
}

func TestPreparingRejectsFrames(t *testing.T) {
	tests := []struct {
		name string
		obs  Observation
	}{
		{"Low quality", func() Observation { f := goodFace(); f.Quality = 0.69; return f }()},
		{"Small face", func() Observation { f := goodFace(); f.BoxRatio = 0.3; return f }()},
		{"Eye closed", func() Observation { f := goodFace(); f.Eyes = &EyesOpen{Left: true}; return f }()},
		{"Unrequested gesture", gestureFace(MouthOpen)},
		{"Multiple faces", NoOrMultipleFaces{Count: 2}},
		{"Transient detector error", DetectorError{Transient: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.m.Process(goodFace())
			h.m.Process(tt.obs)

			if got := h.stage(); !reflect.DeepEqual(got, Preparing{}) {
				t.Errorf("Expected pass count reset to 0, got %s", got)
			}
		})
	}
}

func TestMissingEyeStateDoesNotBlockPreparing(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Challenges = nil })
	f := goodFace()
	f.Eyes = nil

	h.m.Process(f)
	h.m.Process(f)

	if _, ok := h.outcome(t).(Success); !ok {
		t.Fatalf("Expected Success, got %s", h.outcome(t))
	}
}

func TestEmptyChallengesFinishDirectly(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Challenges = []ChallengeType{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := h.m.State().Subscribe(ctx)

	h.prepare()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-updates:
			if _, ok := s.Stage.(Interacting); ok {
				t.Fatalf("Interacting must never be observed without challenges")
			}
			if !s.Finished() {
				continue
			}
			if _, ok := s.Outcome().(Success); !ok {
				t.Fatalf("Expected Success, got %s", s.Outcome())
			}
			results := h.Results()
			if len(results) != 1 {
				t.Fatalf("Expected exactly 1 result callback, got %d", len(results))
			}
			if !reflect.DeepEqual(results[0].FeatureVector, identity) {
				t.Errorf("Expected snapshot vector %v, got %v", identity, results[0].FeatureVector)
			}
			if results[0].Image != h.image {
				t.Errorf("Expected the snapshot image in the result")
			}
			return
		case <-timeout:
			t.Fatal("Timed out waiting for Finished")
		}
	}
}

func TestChallengeOrderIsSeeded(t *testing.T) {
	h := newHarness(t, nil)
	h.prepare()

	want := Shuffle(AllChallenges, rand.New(rand.NewSource(42)))
	st := h.interacting(t)
	got := append([]ChallengeType{st.Current}, st.Remaining...)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected order %v, got %v", want, got)
	}
	for _, c := range st.Remaining {
		if c == st.Current {
			t.Errorf("Remaining %v must not contain current %s", st.Remaining, st.Current)
		}
	}
}

func TestBlinkRequiresThreeHits(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Challenges = []ChallengeType{Blink} })
	h.prepare()

	h.m.Process(gestureFace(Blink))
	h.m.Process(gestureFace(Blink))
	st := h.interacting(t)
	if st.Substage != SubstageGesture || st.HitCount != 2 {
		t.Fatalf("Expected Gesture substage with 2 hits, got %s", st)
	}

	h.m.Process(gestureFace(Blink))
	if st := h.interacting(t); st.Substage != SubstageConfirm {
		t.Fatalf("Expected Confirm substage after 3 hits, got %s", st)
	}
}

func TestFailedFramesKeepGestureProgress(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Challenges = []ChallengeType{Blink} })
	h.prepare()
	h.m.Process(gestureFace(Blink))

	blurry := gestureFace(Blink)
	blurry.Quality = 0.1
	frames := []Observation{
		blurry,
		NoOrMultipleFaces{Count: 0},
		DetectorError{Transient: true, Err: errors.New("frame dropped")},
	}
	for _, obs := range frames {
		h.m.Process(obs)
		st := h.interacting(t)
		if st.HitCount != 1 || st.Substage != SubstageGesture || st.Current != Blink {
			t.Fatalf("Expected Blink gesture with 1 hit after %T, got %s", obs, st)
		}
	}
}

func TestSingleHitChallenges(t *testing.T) {
	for _, c := range []ChallengeType{Shake, MouthOpen, RaiseHead} {
		t.Run(string(c), func(t *testing.T) {
			h := newHarness(t, func(cfg *Config) { cfg.Challenges = []ChallengeType{c} })
			h.prepare()

			// A different gesture does not count.
			other := Blink
			h.m.Process(gestureFace(other))
			if st := h.interacting(t); st.HitCount != 0 || st.Substage != SubstageGesture {
				t.Fatalf("Expected no progress from %s, got %s", other, st)
			}

			h.m.Process(gestureFace(c))
			if st := h.interacting(t); st.Substage != SubstageConfirm {
				t.Fatalf("Expected Confirm after 1 hit, got %s", st)
			}
		})
	}
}

func TestRaiseHeadAllowsSmallerFace(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Challenges = []ChallengeType{RaiseHead} })
	h.prepare()

	f := gestureFace(RaiseHead)
	f.BoxRatio = 0.45
	f.Quality = 0.55
	h.m.Process(f)

	if st := h.interacting(t); st.Substage != SubstageConfirm {
		t.Fatalf("Expected looser gesture thresholds to accept the frame, got %s", st)
	}
}

func TestSimilarityGate(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Challenges = []ChallengeType{Shake} })
	h.prepare()
	h.m.Process(gestureFace(Shake))

	stranger := goodFace()
	stranger.FeatureVector = []float32{0, 0, 0}
	for i := 0; i < 5; i++ {
		h.m.Process(stranger)
	}
	if st := h.interacting(t); st.Substage != SubstageConfirm {
		t.Fatalf("Expected to hold in Confirm on similarity 0, got %s", st)
	}
	if len(h.Results()) != 0 {
		t.Fatalf("No result may be delivered before the identity matches")
	}

	// Not neutral yet: a stray gesture keeps the machine waiting.
	h.m.Process(gestureFace(Shake))
	if _, ok := h.stage().(Interacting); !ok {
		t.Fatalf("Expected to stay Interacting on a non-neutral face, got %s", h.stage())
	}

	h.m.Process(goodFace())
	if _, ok := h.outcome(t).(Success); !ok {
		t.Fatalf("Expected Success on identical vectors, got %s", h.outcome(t))
	}
	if n := len(h.Results()); n != 1 {
		t.Errorf("Expected 1 result, got %d", n)
	}
	if h.image.Closed() != 0 {
		t.Errorf("Success must hand the image over without closing it")
	}
}

func TestFullChallengeSequence(t *testing.T) {
	h := newHarness(t, nil)
	h.prepare()

	seen := map[ChallengeType]bool{}
	for i := 0; i < len(AllChallenges); i++ {
		st := h.interacting(t)
		if seen[st.Current] {
			t.Fatalf("Challenge %s requested twice", st.Current)
		}
		seen[st.Current] = true
		for j := 0; j < DefaultRequiredHitCount(st.Current); j++ {
			h.m.Process(gestureFace(st.Current))
		}
		h.m.Process(goodFace())
	}

	if _, ok := h.outcome(t).(Success); !ok {
		t.Fatalf("Expected Success after every challenge, got %s", h.outcome(t))
	}
	if len(seen) != len(AllChallenges) {
		t.Errorf("Expected %d challenges, saw %d", len(AllChallenges), len(seen))
	}
}

func TestHitCountResetsOnNextChallenge(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Challenges = []ChallengeType{Blink, Shake}
		c.Rand = rand.New(rand.NewSource(1))
	})
	h.prepare()

	first := h.interacting(t)
	for j := 0; j < DefaultRequiredHitCount(first.Current); j++ {
		h.m.Process(gestureFace(first.Current))
	}
	h.m.Process(goodFace())

	next := h.interacting(t)
	if next.Current == first.Current {
		t.Fatalf("Expected a new challenge, still on %s", next.Current)
	}
	if next.HitCount != 0 || next.Substage != SubstageGesture || len(next.Remaining) != 0 {
		t.Errorf("Expected fresh Gesture substage with no remaining challenges, got %s", next)
	}
}

func TestFinishedIsIdempotent(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Challenges = nil })
	h.prepare()
	before := h.m.State().Get()

	h.m.Process(NoOrMultipleFaces{Count: 3})
	h.m.Process(goodFace())
	h.m.Finish()

	after := h.m.State().Get()
	if !reflect.DeepEqual(before.Stage, after.Stage) || before.FaceCount != after.FaceCount {
		t.Errorf("Finished state changed: before %+v, after %+v", before, after)
	}
	if n := len(h.Results()); n != 1 {
		t.Errorf("Expected the result callback once, got %d", n)
	}
}

func TestFinishCancels(t *testing.T) {
	h := newHarness(t, nil)
	h.prepare()
	h.m.Finish()

	if _, ok := h.outcome(t).(Cancelled); !ok {
		t.Fatalf("Expected Cancelled, got %s", h.outcome(t))
	}
	if h.image.Closed() != 1 {
		t.Errorf("Expected the snapshot image released once, got %d", h.image.Closed())
	}
	if h.clock.Pending() != 0 {
		t.Errorf("Expected no live timers after finish, got %d", h.clock.Pending())
	}

	h.m.Finish()
	if h.image.Closed() != 1 {
		t.Errorf("A second Finish must not release again, got %d", h.image.Closed())
	}
}

func TestRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.prepare()
	firstSession := h.m.SessionID()

	h.m.Restart()
	if _, ok := h.stage().(Interacting); !ok {
		t.Fatalf("Restart while running must be a no-op, got %s", h.stage())
	}

	h.m.Finish()
	h.m.Restart()

	if _, ok := h.stage().(Idle); !ok {
		t.Fatalf("Expected Idle after restart, got %s", h.stage())
	}
	if h.m.snapshot != nil {
		t.Errorf("Expected the snapshot to be cleared")
	}
	if h.m.SessionID() == firstSession {
		t.Errorf("Expected a new session id after restart")
	}

	// A gesture frame cannot reach Interacting without a new Preparing pass.
	h.m.Process(gestureFace(Blink))
	if got := h.stage(); !reflect.DeepEqual(got, Preparing{}) {
		t.Errorf("Expected Preparing{0}, got %s", got)
	}
}

func TestWatchdogTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Process(NoOrMultipleFaces{Count: 0})

	h.clock.Advance(DefaultTimeout - time.Millisecond)
	if _, ok := h.stage().(Preparing); !ok {
		t.Fatalf("Expected Preparing before the deadline, got %s", h.stage())
	}

	h.clock.Advance(time.Millisecond)
	if _, ok := h.outcome(t).(Timeout); !ok {
		t.Fatalf("Expected Timeout, got %s", h.outcome(t))
	}
}

func TestWatchdogRearmsOnProgress(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Challenges = []ChallengeType{Shake} })
	h.m.Process(goodFace())

	h.clock.Advance(10 * time.Second)
	h.m.Process(goodFace()) // Preparing -> Interacting
	if h.clock.Pending() != 1 {
		t.Fatalf("Expected exactly one live watchdog, got %d", h.clock.Pending())
	}

	h.clock.Advance(10 * time.Second)
	h.m.Process(gestureFace(Shake)) // Gesture -> Confirm

	h.clock.Advance(10 * time.Second)
	if _, ok := h.stage().(Interacting); !ok {
		t.Fatalf("Expected deadline to be re-armed on substage change, got %s", h.stage())
	}

	// Frames without progress do not extend the deadline.
	stranger := goodFace()
	stranger.FeatureVector = []float32{0, 0, 1}
	h.m.Process(stranger)
	h.clock.Advance(5 * time.Second)
	if _, ok := h.outcome(t).(Timeout); !ok {
		t.Fatalf("Expected Timeout, got %s", h.outcome(t))
	}
	if h.image.Closed() != 1 {
		t.Errorf("Expected the snapshot released on timeout, got %d", h.image.Closed())
	}
}

func TestDetectorErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Process(DetectorError{Transient: true, Err: errors.New("blurry frame")})
	if _, ok := h.stage().(Preparing); !ok {
		t.Fatalf("Transient errors must not be terminal, got %s", h.stage())
	}

	cause := errors.New("session handle lost")
	h.m.Process(DetectorError{Transient: false, Err: cause})
	o, ok := h.outcome(t).(InternalError)
	if !ok {
		t.Fatalf("Expected InternalError, got %s", h.outcome(t))
	}
	if !errors.Is(o.Err, cause) {
		t.Errorf("Expected wrapped cause, got %v", o.Err)
	}
}

func TestMissingSnapshotIsInternalError(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Process(goodFace())

	h.m.mu.Lock()
	h.m.state.Stage = Interacting{Current: Blink, Substage: SubstageGesture}
	h.m.mu.Unlock()

	h.m.Process(gestureFace(Blink))
	o, ok := h.outcome(t).(InternalError)
	if !ok {
		t.Fatalf("Expected InternalError, got %s", h.outcome(t))
	}
	if !errors.Is(o.Err, errMissingSnapshot) {
		t.Errorf("Expected errMissingSnapshot, got %v", o.Err)
	}
}

func TestSnapshotterFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Snapshotter = func(ValidFace) (Image, error) { return nil, errors.New("crop failed") }
	})
	h.prepare()

	if _, ok := h.outcome(t).(InternalError); !ok {
		t.Fatalf("Expected InternalError, got %s", h.outcome(t))
	}
}

func TestStateTracksLatestObservation(t *testing.T) {
	h := newHarness(t, nil)
	h.m.Process(goodFace())

	s := h.m.State().Get()
	if s.FaceCount != 1 || s.LastQuality == nil || *s.LastQuality != 0.9 {
		t.Fatalf("Expected latest face fields, got %+v", s)
	}

	h.m.Process(NoOrMultipleFaces{Count: 2})
	s = h.m.State().Get()
	if s.FaceCount != 2 || s.LastQuality != nil || s.LastBoxRatio != nil || s.LastGestures != nil {
		t.Errorf("Expected stale face fields to be cleared, got %+v", s)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Timeout below minimum", func(c *Config) { c.Timeout = 4 * time.Second }},
		{"Similarity above 1", func(c *Config) { c.MinSimilarity = 1.5 }},
		{"Negative similarity", func(c *Config) { c.MinSimilarity = -0.1 }},
		{"Negative pass count", func(c *Config) { c.RequiredPassCount = -1 }},
		{"Unknown challenge", func(c *Config) { c.Challenges = []ChallengeType{"wink"} }},
		{"Zero hit count", func(c *Config) { c.RequiredHitCount = func(ChallengeType) int { return 0 } }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	if _, err := New(Config{}); err != nil {
		t.Errorf("Expected zero config to be filled with defaults, got %v", err)
	}
}
