package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/pkg/errors"
)

// DefaultScript is the detector entry point spawned by NewPythonWorker.
const DefaultScript = "python/detector.py"

// maxFrameBytes bounds a single response so a corrupt length header cannot exhaust memory.
const maxFrameBytes = 64 * 1024 * 1024

// PythonWorker drives a detector process over a length-prefixed binary protocol.
// Requests go through stdin, responses come back through a dedicated FD 3 pipe
// so library chatter on stdout cannot corrupt the stream.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu sync.Mutex
}

// NewPythonWorker starts the detector script.
func NewPythonWorker(id int, script string) (*PythonWorker, error) {
	if script == "" {
		script = DefaultScript
	}
	// 1. Initialize the SafeCommand so crash logs survive
	py := utils.NewSafeCommand("python3", "-u", script)

	// 2. Side-channel pipe, the write end appears as FD 3 in the child
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("detector %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one request and reads one response body.
// Protocol: [Length u32][Data] in both directions.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, errors.Wrap(err, "write request header")
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, errors.Wrap(err, "write request body")
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		// This is where a crashed interpreter shows up
		return nil, errors.Wrap(err, "read response header")
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxFrameBytes {
		return nil, errors.Errorf("response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	return respBody, nil
}

// StatusError is a non-OK response from the detector.
type StatusError struct {
	types.ErrorResult
}

func (e *StatusError) Error() string {
	return "detector error: " + e.ErrorResult.Error
}

// Fatal reports whether the detector declared itself broken.
func (e *StatusError) Fatal() bool {
	return e.Status != types.StatusError
}

// Decode parses a response body.
func Decode(body []byte) (*types.DetectResult, error) {
	r := bytes.NewReader(body)

	status, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "read status")
	}
	if status != types.StatusOK {
		msg, err := readBlob(r)
		if err != nil {
			return nil, errors.Wrap(err, "read error message")
		}
		return nil, &StatusError{types.ErrorResult{Status: status, Error: string(msg)}}
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, errors.Wrap(err, "read face count")
	}
	res := &types.DetectResult{FaceCount: int(count)}
	if count != 1 {
		return res, nil
	}

	face, err := decodeFace(r)
	if err != nil {
		return nil, err
	}
	res.Face = face
	return res, nil
}

func decodeFace(r *bytes.Reader) (*types.FaceResult, error) {
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, errors.Wrap(err, "read vector dimension")
	}
	if int64(dim)*4 > int64(r.Len()) {
		return nil, errors.Errorf("vector dimension %d exceeds payload", dim)
	}

	face := &types.FaceResult{Vec: make([]float32, dim)}
	if err := binary.Read(r, binary.BigEndian, face.Vec); err != nil {
		return nil, errors.Wrap(err, "read vector")
	}

	var metrics struct {
		Quality   float32
		BoxRatio  float32
		EyesKnown uint8
		LeftOpen  uint8
		RightOpen uint8
		Gestures  uint8
	}
	if err := binary.Read(r, binary.BigEndian, &metrics); err != nil {
		return nil, errors.Wrap(err, "read face metrics")
	}
	face.Quality = metrics.Quality
	face.BoxRatio = metrics.BoxRatio
	face.EyesKnown = metrics.EyesKnown != 0
	face.LeftOpen = metrics.LeftOpen != 0
	face.RightOpen = metrics.RightOpen != 0
	face.Gestures = metrics.Gestures

	img, err := readBlob(r)
	if err != nil {
		return nil, errors.Wrap(err, "read face image")
	}
	face.Image = img
	return face, nil
}

// readBlob reads a [len u32][bytes] field.
func readBlob(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, errors.Errorf("field of %d bytes exceeds payload", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Detect runs one frame through the detector and classifies the result.
func (w *PythonWorker) Detect(frame []byte) capture.Observation {
	body, err := w.Communicate(frame)
	if err != nil {
		return capture.DetectorError{Transient: false, Err: err}
	}
	res, err := Decode(body)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return capture.DetectorError{Transient: !se.Fatal(), Err: se}
		}
		return capture.DetectorError{Transient: false, Err: errors.Wrap(err, "decode response")}
	}
	return ToObservation(res)
}

// ToObservation maps a decoded response onto a capture observation.
func ToObservation(res *types.DetectResult) capture.Observation {
	if res.FaceCount != 1 || res.Face == nil {
		return capture.NoOrMultipleFaces{Count: res.FaceCount}
	}
	f := res.Face

	vf := capture.ValidFace{
		FeatureVector: f.Vec,
		Quality:       clamp01(f.Quality),
		BoxRatio:      clamp01(f.BoxRatio),
		Gestures: capture.GestureSignals{
			Blink:     f.Gestures&types.GestureBlink != 0,
			Shake:     f.Gestures&types.GestureShake != 0,
			MouthOpen: f.Gestures&types.GestureMouthOpen != 0,
			RaiseHead: f.Gestures&types.GestureRaiseHead != 0,
		},
		Handle: f.Image,
	}
	if f.EyesKnown {
		vf.Eyes = &capture.EyesOpen{Left: f.LeftOpen, Right: f.RightOpen}
	}
	return vf
}

func clamp01(v float32) float64 {
	f := float64(v)
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Snapshot turns the face crop carried by a ValidFace into an owned image.
// It is the capture.Config Snapshotter for this detector.
func Snapshot(face capture.ValidFace) (capture.Image, error) {
	data, ok := face.Handle.([]byte)
	if !ok || len(data) == 0 {
		return nil, errors.New("face carries no image crop")
	}
	return &FaceImage{data: bytes.Clone(data)}, nil
}

// FaceImage is a JPEG face crop.
type FaceImage struct {
	mu   sync.Mutex
	data []byte
}

// Bytes returns the JPEG data, or nil after Close.
func (i *FaceImage) Bytes() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.data
}

// Close releases the image data.
func (i *FaceImage) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data = nil
	return nil
}

// Close shuts the detector down and waits for the process to exit.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
