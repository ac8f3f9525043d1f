package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/facematch/internal/config"
	"github.com/example/facematch/internal/fallback"
	"github.com/example/facematch/internal/models"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Manage face model weights",
}

var modelsFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download the model weights into the cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Extractor == config.ExtractorRemote {
			return fmt.Errorf("extractor %q loads no local weights", cfg.Extractor)
		}
		sources := models.SourcesFor(cfg.ModelSources, cfg.ModelCacheDir, cmd.ErrOrStderr())
		dir, used, err := fetchWeights(cmd.Context(), sources, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "models ready in %s (from %s)\n", dir, used)
		return nil
	},
}

func init() {
	modelsCmd.AddCommand(modelsFetchCmd)
	rootCmd.AddCommand(modelsCmd)
}

// fetchWeights resolves the first source whose files are all present or
// downloadable, without loading them.
func fetchWeights(ctx context.Context, sources []models.Source, logger *zap.Logger) (string, string, error) {
	attempts := make([]fallback.Attempt[string], 0, len(sources))
	for _, src := range sources {
		src := src
		attempts = append(attempts, fallback.Attempt[string]{
			Name: src.Name(),
			Run: func(ctx context.Context) (string, error) {
				logger.Info("fetching model weights", zap.String("source", src.Name()))
				return src.Fetch(ctx)
			},
		})
	}
	dir, used, err := fallback.FirstSuccessful(ctx, attempts)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", models.ErrModelLoad, err)
	}
	return dir, used, nil
}
