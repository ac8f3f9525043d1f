package detection

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/facematch/internal/fallback"
	"github.com/example/facematch/internal/imageio"
)

// Detect runs the mode's strategies in order and returns the first face found,
// tagged with the strategy that found it. When every strategy fails or finds
// nothing the result is ErrNoFace; the individual detector errors are only
// logged.
func Detect(ctx context.Context, ext Extractor, img *imageio.Image, mode Mode, logger *zap.Logger) (*Detection, error) {
	strategies := mode.Strategies()
	attempts := make([]fallback.Attempt[*Detection], 0, len(strategies))
	for _, s := range strategies {
		s := s
		attempts = append(attempts, fallback.Attempt[*Detection]{
			Name: s.Name(),
			Run: func(ctx context.Context) (*Detection, error) {
				return runStrategy(ctx, ext, img, s)
			},
		})
	}

	det, used, err := fallback.FirstSuccessful(ctx, attempts)
	if err != nil {
		var exhausted *fallback.ExhaustedError
		if errors.As(err, &exhausted) {
			for _, f := range exhausted.Failures {
				if errors.Is(f.Err, ErrNoFace) {
					logger.Debug("detector found no face", zap.String("strategy", f.Name))
					continue
				}
				logger.Warn("detector failed", zap.String("strategy", f.Name), zap.Error(f.Err))
			}
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, ErrNoFace
	}

	det.Strategy = used
	logger.Debug("face detected",
		zap.String("strategy", used),
		zap.Float64("confidence", det.Confidence),
		zap.Int("descriptor_len", len(det.Descriptor)),
	)
	return det, nil
}

func runStrategy(ctx context.Context, ext Extractor, img *imageio.Image, s Strategy) (*Detection, error) {
	det, err := ext.Extract(ctx, img, s)
	if err != nil {
		return nil, err
	}
	if det == nil || len(det.Descriptor) == 0 {
		return nil, ErrNoFace
	}
	if det.Confidence < s.MinScore {
		return nil, fmt.Errorf("%w: confidence %.3f below %.3f", ErrNoFace, det.Confidence, s.MinScore)
	}
	return det, nil
}
