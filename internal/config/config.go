// Package config loads capture profiles from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Profile is the tunable part of a capture session. Zero values in a YAML file
// keep the defaults of DefaultProfile.
type Profile struct {
	// Challenges requested during enrollment. An explicit empty list skips liveness.
	Challenges []string `yaml:"challenges" validate:"dive,challenge"`
	// VerifyChallenges is how many challenges verify draws from Challenges. 0 means all.
	VerifyChallenges int `yaml:"verify_challenges" validate:"gte=0"`

	MinQuality  QualityThresholds `yaml:"min_quality"`
	MinBoxRatio BoxThresholds     `yaml:"min_box_ratio"`

	MinSimilarity      float64        `yaml:"min_similarity" validate:"gte=0,lte=1"`
	RequiredPassCount  int            `yaml:"required_pass_count" validate:"gte=1"`
	HitCounts          map[string]int `yaml:"hit_counts" validate:"dive,keys,challenge,endkeys,gte=1"`
	Timeout            time.Duration  `yaml:"timeout" validate:"gte=5s"`
	InvalidReasonDelay time.Duration  `yaml:"invalid_reason_delay" validate:"gte=0"`

	// NthFrame sends every Nth decoded frame to the detector.
	NthFrame int `yaml:"nth_frame" validate:"gte=1"`
	// VerifyThreshold is the similarity against the stored template verify needs to pass.
	VerifyThreshold float64 `yaml:"verify_threshold" validate:"gt=0,lte=1"`
}

// QualityThresholds split the minimum quality between neutral frames and gesture frames.
type QualityThresholds struct {
	Neutral float64 `yaml:"neutral" validate:"gte=0,lte=1"`
	Gesture float64 `yaml:"gesture" validate:"gte=0,lte=1"`
}

// BoxThresholds split the minimum face ratio between raise-head gestures and everything else.
type BoxThresholds struct {
	Default   float64 `yaml:"default" validate:"gte=0,lte=1"`
	RaiseHead float64 `yaml:"raise_head" validate:"gte=0,lte=1"`
}

// DefaultProfile mirrors capture.DefaultConfig.
func DefaultProfile() Profile {
	challenges := make([]string, 0, len(capture.AllChallenges))
	for _, c := range capture.AllChallenges {
		challenges = append(challenges, string(c))
	}
	return Profile{
		Challenges:         challenges,
		VerifyChallenges:   1,
		MinQuality:         QualityThresholds{Neutral: 0.7, Gesture: 0.5},
		MinBoxRatio:        BoxThresholds{Default: 0.5, RaiseHead: 0.4},
		MinSimilarity:      capture.DefaultMinSimilarity,
		RequiredPassCount:  capture.DefaultRequiredPassCount,
		HitCounts:          map[string]int{string(capture.Blink): 3},
		Timeout:            capture.DefaultTimeout,
		InvalidReasonDelay: capture.DefaultInvalidReasonDelay,
		NthFrame:           3,
		VerifyThreshold:    0.8,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("challenge", validateChallenge)
	return v
}

func validateChallenge(fl validator.FieldLevel) bool {
	_, err := capture.ParseChallengeType(fl.Field().String())
	return err == nil
}

// Load reads a profile file over the defaults. An empty path returns the defaults.
func Load(path string) (Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return Profile{}, fmt.Errorf("profile %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys are rejected.
func Parse(data []byte) (Profile, error) {
	p := DefaultProfile()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Profile{}, fmt.Errorf("decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks every field constraint.
func (p Profile) Validate() error {
	return validate.Struct(p)
}

// ChallengeTypes returns the configured challenges in canonical form.
func (p Profile) ChallengeTypes() []capture.ChallengeType {
	out := make([]capture.ChallengeType, 0, len(p.Challenges))
	for _, s := range p.Challenges {
		if c, err := capture.ParseChallengeType(s); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// VerifyChallengeTypes draws VerifyChallenges distinct challenges with rng.
func (p Profile) VerifyChallengeTypes(rng *rand.Rand) []capture.ChallengeType {
	all := capture.Shuffle(p.ChallengeTypes(), rng)
	if p.VerifyChallenges > 0 && p.VerifyChallenges < len(all) {
		all = all[:p.VerifyChallenges]
	}
	return all
}

// CaptureConfig converts the profile to a machine configuration for the given challenges.
// Runtime hooks (Snapshotter, Logger, Clock, OnSuccess) are left for the caller.
func (p Profile) CaptureConfig(challenges []capture.ChallengeType) capture.Config {
	q := p.MinQuality
	b := p.MinBoxRatio
	hits := make(map[capture.ChallengeType]int, len(p.HitCounts))
	for k, v := range p.HitCounts {
		if c, err := capture.ParseChallengeType(k); err == nil {
			hits[c] = v
		}
	}

	return capture.Config{
		Challenges: challenges,
		MinQuality: func(s capture.Stage) float64 {
			if st, ok := s.(capture.Interacting); ok && st.Substage == capture.SubstageGesture {
				return q.Gesture
			}
			return q.Neutral
		},
		MinBoxRatio: func(s capture.Stage) float64 {
			if st, ok := s.(capture.Interacting); ok && st.Substage == capture.SubstageGesture && st.Current == capture.RaiseHead {
				return b.RaiseHead
			}
			return b.Default
		},
		MinSimilarity:     p.MinSimilarity,
		RequiredPassCount: p.RequiredPassCount,
		RequiredHitCount: func(c capture.ChallengeType) int {
			if n, ok := hits[c]; ok {
				return n
			}
			return 1
		},
		Timeout:            p.Timeout,
		InvalidReasonDelay: p.InvalidReasonDelay,
	}
}
