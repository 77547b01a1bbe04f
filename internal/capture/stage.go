package capture

import (
	"fmt"
	"strings"
)

// ChallengeType is a liveness gesture the subject is asked to perform.
type ChallengeType string

const (
	Blink     ChallengeType = "blink"
	Shake     ChallengeType = "shake"
	MouthOpen ChallengeType = "mouth_open"
	RaiseHead ChallengeType = "raise_head"
)

// AllChallenges lists every supported challenge in declaration order.
var AllChallenges = []ChallengeType{Blink, Shake, MouthOpen, RaiseHead}

// Valid reports whether c is a supported challenge type.
func (c ChallengeType) Valid() bool {
	switch c {
	case Blink, Shake, MouthOpen, RaiseHead:
		return true
	default:
		return false
	}
}

// ParseChallengeType accepts the canonical names plus a few spellings used on the CLI.
func ParseChallengeType(s string) (ChallengeType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "blink":
		return Blink, nil
	case "shake":
		return Shake, nil
	case "mouth_open", "mouth-open", "mouthopen", "mouth":
		return MouthOpen, nil
	case "raise_head", "raise-head", "raisehead", "raise":
		return RaiseHead, nil
	default:
		return "", fmt.Errorf("unknown challenge type %q", s)
	}
}

// Substage is the phase of a single challenge.
type Substage string

const (
	// SubstageGesture waits for the requested gesture.
	SubstageGesture Substage = "gesture"
	// SubstageConfirm waits for a neutral face matching the snapshot.
	SubstageConfirm Substage = "confirm"
)

// Stage is the machine's position in the capture flow.
// It is one of Idle, Preparing, Interacting or Finished.
type Stage interface {
	isStage()
	String() string
}

// Idle is the initial stage, before any observation.
type Idle struct{}

// Preparing accumulates consecutive passing frames.
type Preparing struct {
	PassCount int
}

// Interacting runs the liveness challenges.
type Interacting struct {
	// Remaining never contains Current.
	Remaining []ChallengeType
	Current   ChallengeType
	Substage  Substage
	HitCount  int
}

// Finished is terminal until Restart.
type Finished struct {
	Outcome Outcome
}

func (Idle) isStage()        {}
func (Preparing) isStage()   {}
func (Interacting) isStage() {}
func (Finished) isStage()    {}

func (Idle) String() string { return "idle" }

func (s Preparing) String() string { return fmt.Sprintf("preparing(pass=%d)", s.PassCount) }

func (s Interacting) String() string {
	return fmt.Sprintf("interacting(%s/%s hits=%d remaining=%d)", s.Current, s.Substage, s.HitCount, len(s.Remaining))
}

func (s Finished) String() string { return "finished(" + s.Outcome.String() + ")" }

// Image is an opaque image handle. Close releases it and must be safe to call once.
type Image interface {
	Close() error
}

// Result is delivered on a successful capture. The receiver owns Image.
type Result struct {
	FeatureVector []float32
	Image         Image
}

// Outcome is how a session ended: Success, Cancelled, Timeout or InternalError.
type Outcome interface {
	isOutcome()
	String() string
}

// Success carries the captured template.
type Success struct {
	Result Result
}

// Cancelled means Finish was called before the session ended.
type Cancelled struct{}

// Timeout means the watchdog fired without stage progress.
type Timeout struct{}

// InternalError means the detector broke or an invariant was violated.
type InternalError struct {
	Err error
}

func (Success) isOutcome()       {}
func (Cancelled) isOutcome()     {}
func (Timeout) isOutcome()       {}
func (InternalError) isOutcome() {}

func (Success) String() string   { return "success" }
func (Cancelled) String() string { return "cancelled" }
func (Timeout) String() string   { return "timeout" }

func (o InternalError) String() string {
	if o.Err == nil {
		return "internal_error"
	}
	return "internal_error: " + o.Err.Error()
}
