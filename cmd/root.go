package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andresmejia3/facewatch/internal/config"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Repo is the identity database shared by subcommands
	Repo store.Repository
	// cfg is the resolved configuration
	cfg config.Config
	// logger is the process-wide structured logger
	logger zerolog.Logger

	dbURL      string
	configPath string
	debug      bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facewatch",
	Short:   "Live face recognition over a camera stream",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = newLogger(debug)

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		// The --db flag beats both the file and the environment
		if dbURL != "" {
			cfg.DatabaseURL = dbURL
		}
		applyFlagOverrides(cmd)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		// Use the command's context (which will be cancellable) for the connection
		Repo, err = openRepository(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Repo != nil {
			Repo.Close()
		}
	},
}

// openRepository returns the in-memory store for "memory" and a Postgres store otherwise.
func openRepository(ctx context.Context, url string) (store.Repository, error) {
	if url == config.MemoryDatabase {
		logger.Warn().Msg("using in-memory identity store; enrolments are lost on exit")
		return store.NewMemory(), nil
	}
	return store.New(ctx, url)
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", `PostgreSQL connection string, or "memory" (default: postgres://localhost:5432/facewatch)`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().Float64P("threshold", "t", 0, "Face matching threshold, overrides recognition.tolerance")
	rootCmd.PersistentFlags().Int("workers", 0, "Recognition workers, overrides recognition.workers")
	rootCmd.PersistentFlags().String("detector", "", `Face detector: "python" or "dlib"`)
}

// applyFlagOverrides copies explicitly set persistent flags into cfg.
func applyFlagOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("threshold") {
		cfg.Recognition.Tolerance, _ = flags.GetFloat64("threshold")
	}
	if flags.Changed("workers") {
		cfg.Recognition.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("detector") {
		cfg.Recognition.Detector, _ = flags.GetString("detector")
	}
}
