package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/pipeline"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/worker"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// session is the result of one capture run.
type session struct {
	ID      uuid.UUID
	Outcome capture.Outcome
	// Detector is kept so failures can dump its logs.
	Detector *utils.SafeCommand
}

// Result returns the captured template, or nil unless the session succeeded.
func (s *session) Result() *capture.Result {
	if o, ok := s.Outcome.(capture.Success); ok {
		return &o.Result
	}
	return nil
}

// parseChallenges resolves --challenges. nil means "use the fallback",
// the single value "none" means an explicit empty set.
func parseChallenges(values []string, fallback func() []capture.ChallengeType) ([]capture.ChallengeType, error) {
	if len(values) == 0 {
		return fallback(), nil
	}
	if len(values) == 1 && strings.EqualFold(values[0], "none") {
		return []capture.ChallengeType{}, nil
	}
	out := make([]capture.ChallengeType, 0, len(values))
	for _, v := range values {
		c, err := capture.ParseChallengeType(v)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// runCapture drives a full capture session: detector process, ffmpeg decoder, state machine
// and a spinner that shows what the subject should do next.
func runCapture(ctx context.Context, opts Options, challenges []capture.ChallengeType) (*session, error) {
	// 1. Start the detector
	fmt.Fprintln(os.Stderr, "🚀 Starting detector...")
	det, err := worker.NewPythonWorker(0, opts.DetectorScript)
	if err != nil {
		return nil, fmt.Errorf("failed to start detector: %w", err)
	}
	defer det.Close()

	// 2. Build the machine from the profile
	cfg := Profile.CaptureConfig(challenges)
	cfg.Snapshotter = worker.Snapshot
	cfg.Logger = logger.Logger
	cfg.OnSuccess = func(r capture.Result) {
		logger.Info("capture succeeded", logger.Options{Key: "dim", Data: len(r.FeatureVector)})
	}
	m, err := capture.New(cfg)
	if err != nil {
		return nil, err
	}
	sess := &session{ID: m.SessionID(), Detector: det.Cmd}

	// 3. Start FFmpeg
	format := opts.InputFormat
	if format == "" {
		format = utils.InputFormat(opts.InputPath)
	}
	ffmpeg := utils.NewFFmpegCmd(opts.InputPath, format)
	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	var waited bool
	var waitErr error
	waitFFmpeg := func() error {
		if !waited {
			waited = true
			waitErr = ffmpeg.Wait()
		}
		return waitErr
	}
	defer func() {
		// A camera never reaches EOF on its own
		ffmpeg.Process.Kill()
		waitFFmpeg()
	}()

	// 4. Prompts follow the machine on their own goroutine
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("👀 Look at the camera"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
	)
	promptCtx, stopPrompts := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		followPrompts(promptCtx, m, bar)
	}()

	// 5. Run the session
	nth := opts.NthFrame
	if nth <= 0 {
		nth = Profile.NthFrame
	}
	outcome, runErr := pipeline.Run(ctx, utils.NewFrameScanner(ffmpegOut), det, m, pipeline.Options{
		NthFrame: nth,
		OnFrame: func(task types.FrameTask, processed bool) {
			bar.Add(1)
		},
	})
	stopPrompts()
	wg.Wait()
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	sess.Outcome = outcome
	logger.Logger.Debug("session ended",
		zap.String("session", sess.ID.String()),
		zap.Stringer("outcome", outcome),
		zap.Int64("frames", bar.State().CurrentNum))
	if runErr != nil {
		return sess, &commandError{err: fmt.Errorf("frame source failed: %w", runErr), cmd: ffmpeg}
	}
	if err := decoderFailure(ctx, outcome, waitFFmpeg); err != nil {
		return sess, &commandError{err: err, cmd: ffmpeg}
	}
	return sess, nil
}

// commandError carries the process whose logs explain a failed session.
type commandError struct {
	err error
	cmd *utils.SafeCommand
}

func (e *commandError) Error() string { return e.err.Error() }
func (e *commandError) Unwrap() error { return e.err }

// decoderFailure checks how the decoder ended when its frames ran out on their own.
// A decoder that exits non-zero while the session is still live failed; a clean exit
// (end of a file input) leaves the session cancelled.
func decoderFailure(ctx context.Context, outcome capture.Outcome, wait func() error) error {
	if _, ok := outcome.(capture.Cancelled); !ok || ctx.Err() != nil {
		return nil
	}
	if err := wait(); err != nil {
		return fmt.Errorf("FFmpeg execution failed: %w", err)
	}
	return nil
}

// showCaptureError prints the error box for a failed session, with the logs of the
// process that caused it when known.
func showCaptureError(err error) {
	logger.Error("capture session failed", logger.Options{Key: "error", Data: err})
	var ce *commandError
	if errors.As(err, &ce) {
		utils.ShowError("FFmpeg execution failed", ce.err, ce.cmd)
		return
	}
	utils.ShowError("Capture session failed", err, nil)
}

// followPrompts keeps the spinner description in sync with the stage and the debounced reason.
func followPrompts(ctx context.Context, m *capture.Machine, bar *progressbar.ProgressBar) {
	states := m.State().Subscribe(ctx)
	reasons := m.InvalidReason().Subscribe(ctx)

	state := m.State().Get()
	reason := capture.ReasonNone
	for {
		select {
		case s, ok := <-states:
			if !ok {
				return
			}
			state = s
		case r, ok := <-reasons:
			if !ok {
				return
			}
			reason = r
		}
		bar.Describe(prompt(state.Stage, reason))
	}
}

// reportOutcome prints a terminal outcome and returns an error for anything but Success.
func reportOutcome(s *session) error {
	switch o := s.Outcome.(type) {
	case capture.Success:
		return nil
	case capture.Timeout:
		fmt.Fprintln(os.Stderr, "⏱️  Timed out waiting for the next step. Please try again.")
		return errTimeout
	case capture.Cancelled:
		fmt.Fprintln(os.Stderr, "🛑 Capture cancelled.")
		return errCancelled
	case capture.InternalError:
		utils.ShowError("Capture failed", o.Err, s.Detector)
		return o.Err
	default:
		return fmt.Errorf("unexpected outcome %v", o)
	}
}

// imageBytes extracts the JPEG crop of a result image.
func imageBytes(img capture.Image) []byte {
	if fi, ok := img.(*worker.FaceImage); ok {
		return fi.Bytes()
	}
	return nil
}
