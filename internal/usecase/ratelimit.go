package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/facematch/internal/logging"
)

// ErrRateLimited is returned when a user exceeds the verify budget.
var ErrRateLimited = errors.New("too many verification attempts, try again later")

// allowVerify applies a fixed window counter per user. Cache failures let
// the call through.
func (uc *VerificationUseCase) allowVerify(ctx context.Context, userID, sessionID string) error {
	if uc.cache == nil || uc.settings.VerifyRateLimit <= 0 {
		return nil
	}

	window := uc.settings.RateWindow
	windowStart := uc.now().Truncate(window)
	key := fmt.Sprintf("verify_rate:%s:%d", userID, windowStart.Unix())

	var count int64
	err := uc.withRedisRetry(ctx, sessionID, "cache.incr.verify_rate", func() error {
		n, err := uc.cache.Incr(ctx, key)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.rate_limit", sessionID).Warn("rate limiter unavailable, allowing request", zap.Error(err))
		return nil
	}

	if count == 1 {
		if err := uc.withRedisRetry(ctx, sessionID, "cache.expire.verify_rate", func() error {
			return uc.cache.Expire(ctx, key, window)
		}); err != nil {
			logging.WithOperation(uc.logger, "usecase.rate_limit", sessionID).Warn("failed to set rate window expiry", zap.Error(err))
		}
	}

	if count > int64(uc.settings.VerifyRateLimit) {
		logging.WithOperation(uc.logger, "usecase.rate_limit", sessionID).Info("verify rate limited",
			zap.String("user_id", userID),
			zap.Int64("count", count),
		)
		return ErrRateLimited
	}
	return nil
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, sessionID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, sessionID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
