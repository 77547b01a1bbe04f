package types

// FrameTask represents a single frame sent to the detector process
type FrameTask struct {
	Index int
	Data  []byte
}

// Response status codes written by the detector process
const (
	StatusOK    byte = 0 // body follows
	StatusError byte = 1 // frame could not be analysed, the detector is still healthy
	StatusFatal byte = 2 // detector is broken and must be restarted
)

// Gesture bits of the FaceResult.Gestures mask
const (
	GestureBlink uint8 = 1 << iota
	GestureShake
	GestureMouthOpen
	GestureRaiseHead
)

// FaceResult is the single face decoded from an OK response
type FaceResult struct {
	Vec       []float32
	Quality   float32
	BoxRatio  float32 // face width / frame width
	EyesKnown bool
	LeftOpen  bool
	RightOpen bool
	Gestures  uint8
	Image     []byte // JPEG crop of the face
}

// DetectResult is a decoded OK response. Face is only set when FaceCount == 1.
type DetectResult struct {
	FaceCount int
	Face      *FaceResult
}

// ErrorResult captures the message of a non-OK response
type ErrorResult struct {
	Status byte
	Error  string
}
