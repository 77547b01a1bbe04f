package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/logger"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Options holds shared configuration for the capture commands
type Options struct {
	InputPath      string
	InputFormat    string
	DetectorScript string
	NthFrame       int
	Challenges     []string
	MatchThreshold float64
	Overwrite      bool
	ImageOut       string
}

var (
	// DB is the global database connection shared by subcommands
	DB *store.Store
	// Profile is the capture profile loaded from --profile (or the defaults)
	Profile config.Profile

	dbURL       string
	profilePath string
	verbose     bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facegate",
	Short:   "Face enrollment and liveness verification",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. .env is optional, real environment variables win
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load .env: %w", err)
		}

		// 2. Logging
		if err := logger.Init(verbose); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		// 3. Capture profile
		var err error
		Profile, err = config.Load(profilePath)
		if err != nil {
			return err
		}

		// 4. Database
		if dbURL == "" {
			dbURL = databaseURL(os.Getenv)
		}
		DB, err = store.New(cmd.Context(), dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The command context may already be cancelled (Ctrl+C) and we still need to close.
			DB.Close(context.Background())
		}
		logger.Sync()
	},
}

// databaseURL builds the connection string from POSTGRES_* variables,
// falling back to a local default when POSTGRES_HOST is unset.
func databaseURL(getenv func(string) string) string {
	host := getenv("POSTGRES_HOST")
	if host == "" {
		return "postgres://localhost:5432/facegate"
	}
	port := getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		getenv("POSTGRES_USER"), getenv("POSTGRES_PASSWORD"), host, port, getenv("POSTGRES_DB"))
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/facegate)")
	rootCmd.PersistentFlags().StringVarP(&profilePath, "profile", "p", "", "YAML capture profile")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

// addCaptureFlags registers the flags shared by enroll, verify and identify.
func addCaptureFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().StringVarP(&opts.InputPath, "input", "i", "/dev/video0", "Camera device or video file")
	cmd.Flags().StringVarP(&opts.InputFormat, "format", "f", "", "ffmpeg input format (default: detected from input)")
	cmd.Flags().StringVar(&opts.DetectorScript, "detector", "", "Detector script (default: python/detector.py)")
	cmd.Flags().IntVarP(&opts.NthFrame, "nth-frame", "n", 0, "Send every Nth frame to the detector (default: from profile)")
	cmd.Flags().StringSliceVarP(&opts.Challenges, "challenges", "c", nil, "Liveness challenges: blink, shake, mouth_open, raise_head (\"none\" skips liveness)")
}
