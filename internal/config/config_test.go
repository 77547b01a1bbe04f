package config

import (
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/capture"
)

func TestDefaultProfileMatchesCaptureDefaults(t *testing.T) {
	p := DefaultProfile()
	if err := p.Validate(); err != nil {
		t.Fatalf("Default profile is invalid: %v", err)
	}

	cfg := p.CaptureConfig(p.ChallengeTypes())
	def := capture.DefaultConfig()

	stages := []capture.Stage{
		capture.Preparing{},
		capture.Interacting{Current: capture.RaiseHead, Substage: capture.SubstageGesture},
		capture.Interacting{Current: capture.Shake, Substage: capture.SubstageGesture},
		capture.Interacting{Current: capture.RaiseHead, Substage: capture.SubstageConfirm},
	}
	for _, s := range stages {
		if cfg.MinQuality(s) != def.MinQuality(s) {
			t.Errorf("MinQuality(%s): expected %f, got %f", s, def.MinQuality(s), cfg.MinQuality(s))
		}
		if cfg.MinBoxRatio(s) != def.MinBoxRatio(s) {
			t.Errorf("MinBoxRatio(%s): expected %f, got %f", s, def.MinBoxRatio(s), cfg.MinBoxRatio(s))
		}
	}
	for _, c := range capture.AllChallenges {
		if cfg.RequiredHitCount(c) != def.RequiredHitCount(c) {
			t.Errorf("RequiredHitCount(%s): expected %d, got %d", c, def.RequiredHitCount(c), cfg.RequiredHitCount(c))
		}
	}
	if !reflect.DeepEqual(cfg.Challenges, def.Challenges) {
		t.Errorf("Expected challenges %v, got %v", def.Challenges, cfg.Challenges)
	}
	if cfg.Timeout != def.Timeout || cfg.MinSimilarity != def.MinSimilarity || cfg.RequiredPassCount != def.RequiredPassCount {
		t.Errorf("Scalar defaults differ: %+v", cfg)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr bool
		check   func(t *testing.T, p Profile)
	}{
		{
			name: "Empty document keeps defaults",
			yaml: "",
			check: func(t *testing.T, p Profile) {
				if !reflect.DeepEqual(p, DefaultProfile()) {
					t.Errorf("Expected defaults, got %+v", p)
				}
			},
		},
		{
			name: "Overrides",
			yaml: "challenges: [blink, mouth-open]\ntimeout: 20s\nmin_similarity: 0.9\nhit_counts:\n  shake: 2\n",
			check: func(t *testing.T, p Profile) {
				want := []capture.ChallengeType{capture.Blink, capture.MouthOpen}
				if got := p.ChallengeTypes(); !reflect.DeepEqual(got, want) {
					t.Errorf("Expected %v, got %v", want, got)
				}
				if p.Timeout != 20*time.Second || p.MinSimilarity != 0.9 {
					t.Errorf("Unexpected scalars: %s %f", p.Timeout, p.MinSimilarity)
				}
				if p.HitCounts["shake"] != 2 {
					t.Errorf("Expected shake hit count 2, got %v", p.HitCounts)
				}
			},
		},
		{
			name: "Explicit empty challenges",
			yaml: "challenges: []\n",
			check: func(t *testing.T, p Profile) {
				if len(p.ChallengeTypes()) != 0 {
					t.Errorf("Expected no challenges, got %v", p.Challenges)
				}
			},
		},
		{name: "Unknown challenge", yaml: "challenges: [wink]\n", wantErr: true},
		{name: "Short timeout", yaml: "timeout: 2s\n", wantErr: true},
		{name: "Similarity out of range", yaml: "min_similarity: 1.2\n", wantErr: true},
		{name: "Zero pass count", yaml: "required_pass_count: 0\n", wantErr: true},
		{name: "Bad hit count key", yaml: "hit_counts:\n  wink: 2\n", wantErr: true},
		{name: "Unknown field", yaml: "min_similarty: 0.8\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.yaml))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	p, err := Load("")
	if err != nil || !reflect.DeepEqual(p, DefaultProfile()) {
		t.Fatalf("Expected defaults for an empty path, got %+v, %v", p, err)
	}

	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte("nth_frame: 5\n"), 0644); err != nil {
		t.Fatal(err)
	}
	p, err = Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.NthFrame != 5 {
		t.Errorf("Expected nth_frame 5, got %d", p.NthFrame)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestVerifyChallengeTypes(t *testing.T) {
	p := DefaultProfile()
	got := p.VerifyChallengeTypes(rand.New(rand.NewSource(3)))
	if len(got) != 1 || !got[0].Valid() {
		t.Fatalf("Expected one valid challenge, got %v", got)
	}

	p.VerifyChallenges = 0
	if got := p.VerifyChallengeTypes(rand.New(rand.NewSource(3))); len(got) != len(capture.AllChallenges) {
		t.Errorf("Expected all challenges, got %v", got)
	}
}
