package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var enrollOpts Options

var enrollCmd = &cobra.Command{
	Use:   "enroll <name>",
	Short: "Capture a face with liveness challenges and store it as a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0], enrollOpts)
	},
}

func init() {
	addCaptureFlags(enrollCmd, &enrollOpts)
	enrollCmd.Flags().BoolVar(&enrollOpts.Overwrite, "overwrite", false, "Replace an existing template with the same name")
	enrollCmd.Flags().StringVarP(&enrollOpts.ImageOut, "image-out", "o", "", "Also write the face crop to this JPEG file")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, name string, opts Options) error {
	// 1. Refuse early instead of after a full capture
	if !opts.Overwrite {
		if _, err := DB.GetTemplate(ctx, name); err == nil {
			err = fmt.Errorf("%w: %s (use --overwrite)", store.ErrExists, name)
			utils.ShowError("Template already exists", err, nil)
			return err
		} else if !errors.Is(err, store.ErrNotFound) {
			utils.ShowError("Database lookup failed", err, nil)
			return err
		}
	}

	challenges, err := parseChallenges(opts.Challenges, Profile.ChallengeTypes)
	if err != nil {
		utils.ShowError("Invalid --challenges", err, nil)
		return err
	}

	// 2. Capture
	fmt.Fprintf(os.Stderr, "📸 Enrolling '%s' (challenges: %s)\n", name, challengeNames(challenges))
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

	// 3. Persist
	img := imageBytes(res.Image)
	id, err := DB.SaveTemplate(ctx, store.Template{
		Name:      name,
		SessionID: sess.ID,
		Embedding: res.FeatureVector,
		Image:     img,
	}, opts.Overwrite)
	if err != nil {
		utils.ShowError("Failed to save template", err, nil)
		return err
	}

	if opts.ImageOut != "" && len(img) > 0 {
		if err := os.WriteFile(opts.ImageOut, img, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to write %s: %v\n", opts.ImageOut, err)
		}
	}

	fmt.Printf("✅ Enrolled '%s' (ID: %d, %d-d template)\n", name, id, len(res.FeatureVector))
	return nil
}

// challengeNames renders a challenge list for messages.
func challengeNames(cs []capture.ChallengeType) string {
	if len(cs) == 0 {
		return "none"
	}
	out := string(cs[0])
	for _, c := range cs[1:] {
		out += ", " + string(c)
	}
	return out
}
