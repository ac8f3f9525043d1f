package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/facematch/internal/config"
	"github.com/example/facematch/internal/extractor/dlib"
	"github.com/example/facematch/internal/extractor/remote"
	"github.com/example/facematch/internal/imageio"
	"github.com/example/facematch/internal/logging"
	"github.com/example/facematch/internal/models"
)

// Version is the application version.
const Version = "0.1.0"

// errQuiet makes Execute exit 1 without printing; the command already
// reported the failure.
var errQuiet = errors.New("command failed")

var (
	cfg      *config.Config
	logger   *zap.Logger
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:           "facematch",
	Short:         "Compare an ID photo against a selfie by face descriptor distance",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		level := cfg.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		logger, err = logging.NewLoggerWithLevel(level)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errQuiet) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
}

// newModelManager builds the manager for the configured extractor backend.
// progress receives download bars for remote weight sources.
func newModelManager(cfg *config.Config, logger *zap.Logger, progress io.Writer) *models.Manager {
	if cfg.Extractor == config.ExtractorRemote {
		return models.NewManager(
			[]models.Source{models.StaticSource{Location: cfg.ExtractorAddr}},
			remote.Loader(logger.Named("remote_extractor")),
			logger,
		)
	}
	return models.NewManager(models.SourcesFor(cfg.ModelSources, cfg.ModelCacheDir, progress), dlib.Loader, logger)
}

// heicConverter returns nil when conversion is disabled or no tool is installed.
func heicConverter(cfg *config.Config, logger *zap.Logger) imageio.HEICConverter {
	if cfg.HEICConverter == "off" {
		return nil
	}
	conv := imageio.NewCommandConverter()
	if !conv.Available() {
		logger.Warn("no heic converter installed, HEIC uploads will be rejected")
		return nil
	}
	return conv
}
