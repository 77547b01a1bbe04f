package cmd

import (
	"errors"

	"github.com/andresmejia3/facegate/internal/capture"
)

var (
	errTimeout   = errors.New("capture timed out")
	errCancelled = errors.New("capture cancelled")
)

var challengePrompts = map[capture.ChallengeType]string{
	capture.Blink:     "😉 Blink your eyes",
	capture.Shake:     "🙅 Shake your head",
	capture.MouthOpen: "😮 Open your mouth",
	capture.RaiseHead: "🙆 Raise your head",
}

var reasonPrompts = map[capture.InvalidReason]string{
	capture.ReasonNoFace:          "🔎 No face in view",
	capture.ReasonMultiFace:       "👥 Only one person, please",
	capture.ReasonLowQuality:      "💡 Improve the lighting",
	capture.ReasonSpuriousGesture: "😐 Hold still and look at the camera",
	capture.ReasonSmallFace:       "↔️  Move closer to the camera",
}

// prompt is the instruction shown for a stage. A surfaced invalid reason takes precedence.
func prompt(stage capture.Stage, reason capture.InvalidReason) string {
	if p, ok := reasonPrompts[reason]; ok {
		return p
	}
	switch st := stage.(type) {
	case capture.Interacting:
		if st.Substage == capture.SubstageConfirm {
			return "🙂 Look straight at the camera"
		}
		return challengePrompts[st.Current]
	case capture.Finished:
		return "✔️  Done"
	default:
		return "👀 Look at the camera"
	}
}
