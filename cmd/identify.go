package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var identifyOpts Options

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Check liveness and search all templates for the closest match",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), identifyOpts)
	},
}

func init() {
	addCaptureFlags(identifyCmd, &identifyOpts)
	identifyCmd.Flags().Float64VarP(&identifyOpts.MatchThreshold, "threshold", "t", 0, "Minimum similarity to a template (default: from profile)")
	rootCmd.AddCommand(identifyCmd)
}

func runIdentify(ctx context.Context, opts Options) error {
	threshold := opts.MatchThreshold
	if threshold <= 0 {
		threshold = Profile.VerifyThreshold
	}
	challenges, err := parseChallenges(opts.Challenges, randomChallenges)
	if err != nil {
		utils.ShowError("Invalid --challenges", err, nil)
		return err
	}

	sess, err := runCapture(ctx, opts, challenges)
	if err != nil {
		showCaptureError(err)
		return err
	}
	if err := reportOutcome(sess); err != nil {
		return err
	}
	res := sess.Result()
	defer res.Image.Close()

	fmt.Fprintln(os.Stderr, "🗄️  Searching templates...")
	// pgvector cosine distance is 1 - similarity; the bound is inclusive
	match, dist, err := DB.FindClosestTemplate(ctx, res.FeatureVector, 1-threshold)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		utils.ShowError("Database search failed", err, nil)
		return err
	}

	attempt := store.Attempt{SessionID: sess.ID, Outcome: sess.Outcome.String()}
	if match != nil {
		attempt.TemplateID = &match.ID
		attempt.Passed = true
		sim := 1 - dist
		attempt.Similarity = &sim
	}
	recordAttempt(context.WithoutCancel(ctx), attempt)

	if match == nil {
		fmt.Println("❌ No match found in database.")
		return errNoMatch
	}
	fmt.Printf("✅ Found Match: %s (ID: %d, similarity %.3f)\n", match.Name, match.ID, 1-dist)
	return nil
}
