package capture

// Observation is the per-frame result produced by a frame detector.
// It is one of NoOrMultipleFaces, ValidFace or DetectorError.
type Observation interface {
	isObservation()
}

// NoOrMultipleFaces reports a frame with zero faces or more than one face.
type NoOrMultipleFaces struct {
	Count int
}

// EyesOpen holds the per-eye open state reported by the detector.
type EyesOpen struct {
	Left  bool
	Right bool
}

// Both reports whether both eyes are open.
func (e EyesOpen) Both() bool {
	return e.Left && e.Right
}

// GestureSignals are the liveness gestures the detector saw in a frame.
type GestureSignals struct {
	Blink     bool
	Shake     bool
	MouthOpen bool
	RaiseHead bool
}

// Any reports whether at least one gesture signal is active.
func (g GestureSignals) Any() bool {
	return g.Blink || g.Shake || g.MouthOpen || g.RaiseHead
}

// Has reports whether the signal for the given challenge is active.
func (g GestureSignals) Has(c ChallengeType) bool {
	switch c {
	case Blink:
		return g.Blink
	case Shake:
		return g.Shake
	case MouthOpen:
		return g.MouthOpen
	case RaiseHead:
		return g.RaiseHead
	default:
		return false
	}
}

// ValidFace is a frame with exactly one usable face.
type ValidFace struct {
	FeatureVector []float32
	// Quality in [0,1]
	Quality float64
	// BoxRatio is the face width divided by the frame width, in [0,1]
	BoxRatio float64
	// Eyes is nil when the detector does not report eye state
	Eyes     *EyesOpen
	Gestures GestureSignals
	// Handle is detector specific data the Snapshotter uses to build the image.
	Handle any
}

// DetectorError reports a failed detection. Transient errors are frame noise,
// non-transient errors mean the detector itself is broken.
type DetectorError struct {
	Transient bool
	Err       error
}

func (NoOrMultipleFaces) isObservation() {}
func (ValidFace) isObservation()         {}
func (DetectorError) isObservation()     {}
