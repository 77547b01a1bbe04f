package capture

import "time"

// InvalidReason explains why the current frame cannot advance the capture.
type InvalidReason string

const (
	ReasonNone            InvalidReason = ""
	ReasonNoFace          InvalidReason = "no_face"
	ReasonMultiFace       InvalidReason = "multi_face"
	ReasonLowQuality      InvalidReason = "low_quality"
	ReasonSpuriousGesture InvalidReason = "spurious_gesture"
	ReasonSmallFace       InvalidReason = "small_face"
)

// faceView is the subset of a face the checks look at.
type faceView struct {
	quality  float64
	boxRatio float64
	eyes     *EyesOpen
	gestures GestureSignals
}

// evaluate applies the fixed precedence NoFace > MultiFace > LowQuality > SpuriousGesture > SmallFace.
// neutral additionally requires open eyes and no gesture signal.
func evaluate(stage Stage, faceCount int, face *faceView, neutral bool, minQuality, minBoxRatio func(Stage) float64) InvalidReason {
	if faceCount <= 0 {
		return ReasonNoFace
	}
	if faceCount > 1 {
		return ReasonMultiFace
	}
	if face == nil {
		return ReasonNoFace
	}
	if face.quality < minQuality(stage) {
		return ReasonLowQuality
	}
	if neutral {
		if face.gestures.Any() {
			return ReasonSpuriousGesture
		}
		if face.eyes != nil && !face.eyes.Both() {
			return ReasonSpuriousGesture
		}
	}
	if face.boxRatio < minBoxRatio(stage) {
		return ReasonSmallFace
	}
	return ReasonNone
}

// RawInvalidReason derives the undebounced reason for a state snapshot.
// SpuriousGesture is only reported while Preparing.
func RawInvalidReason(s State, minQuality, minBoxRatio func(Stage) float64) InvalidReason {
	var neutral bool
	switch s.Stage.(type) {
	case Preparing:
		neutral = true
	case Interacting:
	default:
		return ReasonNone
	}

	var face *faceView
	if s.FaceCount == 1 && s.LastQuality != nil && s.LastBoxRatio != nil {
		face = &faceView{quality: *s.LastQuality, boxRatio: *s.LastBoxRatio, eyes: s.LastEyes}
		if s.LastGestures != nil {
			face.gestures = *s.LastGestures
		}
	}
	return evaluate(s.Stage, s.FaceCount, face, neutral, minQuality, minBoxRatio)
}

// Debouncer surfaces a non-empty reason only after it has persisted for the delay.
// ReasonNone surfaces immediately. Like Watchdog it is driven under the machine lock.
type Debouncer struct {
	clock   Clock
	delay   time.Duration
	raw     InvalidReason
	pending InvalidReason
	timer   Timer
	gen     uint64
}

// NewDebouncer returns a debouncer whose last raw reason is ReasonNone.
func NewDebouncer(clock Clock, delay time.Duration) *Debouncer {
	return &Debouncer{clock: clock, delay: delay}
}

// Observe feeds the latest raw reason. When it returns true the reason must be surfaced now;
// otherwise fire is scheduled to run once the delay elapsed.
func (d *Debouncer) Observe(raw InvalidReason, fire func(gen uint64)) (InvalidReason, bool) {
	if raw == d.raw {
		return ReasonNone, false
	}
	d.Stop()
	d.raw = raw
	if raw == ReasonNone || d.delay <= 0 {
		return raw, true
	}
	d.pending = raw
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() { fire(gen) })
	return ReasonNone, false
}

// Fired resolves a timer callback. It returns the pending reason when gen is still live.
func (d *Debouncer) Fired(gen uint64) (InvalidReason, bool) {
	if d.timer == nil || gen != d.gen {
		return ReasonNone, false
	}
	d.timer = nil
	return d.pending, true
}

// Reset stops the timer and forgets the last raw reason.
func (d *Debouncer) Reset() {
	d.Stop()
	d.raw = ReasonNone
}

// Stop cancels a pending timer.
func (d *Debouncer) Stop() {
	d.gen++
	d.pending = ReasonNone
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
