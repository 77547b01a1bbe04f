package capture

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/andresmejia3/facegate/internal/utils"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout is the watchdog deadline per stage step.
	DefaultTimeout = 15 * time.Second
	// MinTimeout is the smallest watchdog deadline New accepts.
	MinTimeout = 5 * time.Second
	// DefaultInvalidReasonDelay is how long a raw invalid reason must persist before it is surfaced.
	DefaultInvalidReasonDelay = 800 * time.Millisecond
	// DefaultMinSimilarity is the identity match needed to leave the Confirm substage.
	DefaultMinSimilarity = 0.75
	// DefaultRequiredPassCount is the number of consecutive passing frames needed in Preparing.
	DefaultRequiredPassCount = 2
)

// ErrInvalidConfig is returned by New for configuration it cannot run with.
var ErrInvalidConfig = errors.New("invalid capture config")

// Config is fixed at construction and never changes mid-session.
type Config struct {
	// Challenges are the liveness gestures to request, shuffled per session.
	// An empty list skips liveness: Preparing success finishes the session directly.
	Challenges []ChallengeType
	// MinQuality returns the minimum face quality for a stage. Default DefaultMinQuality.
	MinQuality func(Stage) float64
	// MinBoxRatio returns the minimum face width ratio for a stage. Default DefaultMinBoxRatio.
	MinBoxRatio func(Stage) float64
	// MinSimilarity in [0,1]. Zero accepts any face, use DefaultConfig for the usual 0.75.
	MinSimilarity float64
	// RequiredPassCount defaults to 2
	RequiredPassCount int
	// RequiredHitCount defaults to DefaultRequiredHitCount
	RequiredHitCount func(ChallengeType) int
	// Timeout defaults to 15s and must be at least 5s
	Timeout time.Duration
	// InvalidReasonDelay defaults to 800ms
	InvalidReasonDelay time.Duration

	// Similarity compares two feature vectors. Default utils.Similarity.
	Similarity func(a, b []float32) float64
	// Snapshotter acquires the image for the snapshot frame. Default returns an empty image.
	Snapshotter func(ValidFace) (Image, error)
	// Rand shuffles the challenges. Default is seeded from the clock.
	Rand *rand.Rand
	// Clock schedules the watchdog and debounce timers. Default SystemClock.
	Clock Clock
	// Logger default is a no-op logger
	Logger *zap.Logger
	// OnSuccess is called once per successful session, outside the machine lock.
	OnSuccess func(Result)
}

// DefaultConfig returns the stock capture flow: every challenge,
// 0.75 minimum similarity, two passing frames and a 15s watchdog.
func DefaultConfig() Config {
	return Config{
		Challenges:         append([]ChallengeType(nil), AllChallenges...),
		MinQuality:         DefaultMinQuality,
		MinBoxRatio:        DefaultMinBoxRatio,
		MinSimilarity:      DefaultMinSimilarity,
		RequiredPassCount:  DefaultRequiredPassCount,
		RequiredHitCount:   DefaultRequiredHitCount,
		Timeout:            DefaultTimeout,
		InvalidReasonDelay: DefaultInvalidReasonDelay,
	}
}

// DefaultMinQuality is looser while the subject performs a gesture.
func DefaultMinQuality(stage Stage) float64 {
	if s, ok := stage.(Interacting); ok && s.Substage == SubstageGesture {
		return 0.5
	}
	return 0.7
}

// DefaultMinBoxRatio allows a smaller face while raising the head.
func DefaultMinBoxRatio(stage Stage) float64 {
	if s, ok := stage.(Interacting); ok && s.Substage == SubstageGesture && s.Current == RaiseHead {
		return 0.4
	}
	return 0.5
}

// DefaultRequiredHitCount needs three blink frames to filter single-frame noise.
func DefaultRequiredHitCount(c ChallengeType) int {
	if c == Blink {
		return 3
	}
	return 1
}

func (c Config) withDefaults() Config {
	if c.MinQuality == nil {
		c.MinQuality = DefaultMinQuality
	}
	if c.MinBoxRatio == nil {
		c.MinBoxRatio = DefaultMinBoxRatio
	}
	if c.RequiredPassCount == 0 {
		c.RequiredPassCount = DefaultRequiredPassCount
	}
	if c.RequiredHitCount == nil {
		c.RequiredHitCount = DefaultRequiredHitCount
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.InvalidReasonDelay == 0 {
		c.InvalidReasonDelay = DefaultInvalidReasonDelay
	}
	if c.Similarity == nil {
		c.Similarity = utils.Similarity
	}
	if c.Snapshotter == nil {
		c.Snapshotter = func(ValidFace) (Image, error) { return emptyImage{}, nil }
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(c.Clock.Now().UnixNano()))
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Challenges = append([]ChallengeType(nil), c.Challenges...)
	return c
}

func (c Config) validate() error {
	if c.Timeout < MinTimeout {
		return fmt.Errorf("%w: timeout must be >= %s, got %s", ErrInvalidConfig, MinTimeout, c.Timeout)
	}
	if math.IsNaN(c.MinSimilarity) || c.MinSimilarity < 0 || c.MinSimilarity > 1 {
		return fmt.Errorf("%w: min similarity must be between 0.0 and 1.0, got %f", ErrInvalidConfig, c.MinSimilarity)
	}
	if c.RequiredPassCount < 1 {
		return fmt.Errorf("%w: required pass count must be >= 1, got %d", ErrInvalidConfig, c.RequiredPassCount)
	}
	if c.InvalidReasonDelay < 0 {
		return fmt.Errorf("%w: invalid reason delay must be >= 0, got %s", ErrInvalidConfig, c.InvalidReasonDelay)
	}
	for _, ch := range c.Challenges {
		if !ch.Valid() {
			return fmt.Errorf("%w: unknown challenge type %q", ErrInvalidConfig, ch)
		}
		if n := c.RequiredHitCount(ch); n < 1 {
			return fmt.Errorf("%w: required hit count for %s must be >= 1, got %d", ErrInvalidConfig, ch, n)
		}
	}
	return nil
}

type emptyImage struct{}

func (emptyImage) Close() error { return nil }
