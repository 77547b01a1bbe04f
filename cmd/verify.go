package cmd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var errNoMatch = errors.New("face does not match")

var verifyOpts Options

var verifyCmd = &cobra.Command{
	Use:   "verify <name>",
	Short: "Check liveness and compare the live face with a stored template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runVerify(cmd.Context(), args[0], verifyOpts)
	},
}

func init() {
	addCaptureFlags(verifyCmd, &verifyOpts)
	verifyCmd.Flags().Float64VarP(&verifyOpts.MatchThreshold, "threshold", "t", 0, "Minimum similarity to the template (default: from profile)")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(ctx context.Context, name string, opts Options) error {
	// 1. Load the template
	tmpl, err := DB.GetTemplate(ctx, name)
	if err != nil {
		utils.ShowError("Failed to load template", err, nil)
		return err
	}

	threshold := opts.MatchThreshold
	if threshold <= 0 {
		threshold = Profile.VerifyThreshold
	}

	// 2. A single random challenge by default
	challenges, err := parseChallenges(opts.Challenges, randomChallenges)
	if err != nil {
		utils.ShowError("Invalid --challenges", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "🔐 Verifying '%s' (challenges: %s)\n", name, challengeNames(challenges))
	sess, err := runCapture(ctx, opts, challenges)
	if err != nil {
		showCaptureError(err)
		return err
	}

	// 3. Compare and record, whatever the outcome
	attempt := store.Attempt{
		SessionID:  sess.ID,
		TemplateID: &tmpl.ID,
		Outcome:    sess.Outcome.String(),
	}
	var sim float64
	if res := sess.Result(); res != nil {
		sim = utils.Similarity(tmpl.Embedding, res.FeatureVector)
		attempt.Similarity = &sim
		attempt.Passed = sim >= threshold
		res.Image.Close()
	}
	// Context may be cancelled by Ctrl+C; the attempt is still worth keeping
	recordAttempt(context.WithoutCancel(ctx), attempt)

	if err := reportOutcome(sess); err != nil {
		return err
	}
	if !attempt.Passed {
		fmt.Printf("❌ '%s' not verified (similarity %.3f < %.3f)\n", name, sim, threshold)
		return errNoMatch
	}
	fmt.Printf("✅ '%s' verified (similarity %.3f)\n", name, sim)
	return nil
}

// recordAttempt stores a verification run. A storage failure does not change the verdict.
func recordAttempt(ctx context.Context, a store.Attempt) {
	if err := DB.RecordAttempt(ctx, a); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to record attempt: %v\n", err)
		logger.Warning("failed to record attempt",
			logger.Options{Key: "session", Data: a.SessionID.String()},
			logger.Options{Key: "error", Data: err})
	}
}

// randomChallenges draws the profile's verify challenges.
func randomChallenges() []capture.ChallengeType {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return Profile.VerifyChallengeTypes(rng)
}
