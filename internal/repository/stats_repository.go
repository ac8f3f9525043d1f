package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/facematch/internal/logging"
)

// Outcome kinds counted per day.
const (
	OutcomeMatched    = "matched"
	OutcomeNotMatched = "not_matched"
	OutcomeNoFace     = "no_face"
	OutcomeError      = "error"
)

var ErrUnknownOutcome = errors.New("unknown outcome kind")

// VerificationStat is one day's counter for one outcome kind. Only counts and
// summed latency are stored.
type VerificationStat struct {
	Day            string    `gorm:"column:day;primaryKey;size:10"`
	Outcome        string    `gorm:"column:outcome;primaryKey;size:16"`
	Attempts       int64     `gorm:"column:attempts;not null;default:0"`
	TotalLatencyMs int64     `gorm:"column:total_latency_ms;not null;default:0"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

// TableName overrides the default table name.
func (VerificationStat) TableName() string {
	return "verification_stats"
}

// MetricsAggregation is the all-time rollup of the counters.
type MetricsAggregation struct {
	TotalCount      int64
	MatchedCount    int64
	NotMatchedCount int64
	NoFaceCount     int64
	ErrorCount      int64
	TotalLatencyMs  int64
}

// StatsRepository stores aggregate verify counters.
type StatsRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewStatsRepository creates a new repository instance.
func NewStatsRepository(db *gorm.DB, logger *zap.Logger) *StatsRepository {
	return &StatsRepository{
		db:             db,
		logger:         logger.Named("stats_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *StatsRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&VerificationStat{})
	})
}

// Increment adds one attempt of the given outcome to the counter for day.
func (r *StatsRepository) Increment(ctx context.Context, day time.Time, outcome string, latency time.Duration) error {
	switch outcome {
	case OutcomeMatched, OutcomeNotMatched, OutcomeNoFace, OutcomeError:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}

	now := time.Now().UTC()
	stat := VerificationStat{
		Day:            day.UTC().Format(time.DateOnly),
		Outcome:        outcome,
		Attempts:       1,
		TotalLatencyMs: latency.Milliseconds(),
		UpdatedAt:      now,
	}
	return r.executeWithRetry(ctx, "repository.increment_stat", "", func() error {
		return r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "day"}, {Name: "outcome"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"attempts":         gorm.Expr("verification_stats.attempts + ?", 1),
				"total_latency_ms": gorm.Expr("verification_stats.total_latency_ms + ?", stat.TotalLatencyMs),
				"updated_at":       now,
			}),
		}).Create(&stat).Error
	})
}

// AggregateMetrics sums every counter.
func (r *StatsRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var rows []struct {
		Outcome        string
		Attempts       int64
		TotalLatencyMs int64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		rows = rows[:0]
		return r.db.WithContext(ctx).
			Model(&VerificationStat{}).
			Select("outcome, COALESCE(SUM(attempts), 0) AS attempts, COALESCE(SUM(total_latency_ms), 0) AS total_latency_ms").
			Group("outcome").
			Scan(&rows).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{}
	for _, row := range rows {
		agg.TotalCount += row.Attempts
		agg.TotalLatencyMs += row.TotalLatencyMs
		switch row.Outcome {
		case OutcomeMatched:
			agg.MatchedCount = row.Attempts
		case OutcomeNotMatched:
			agg.NotMatchedCount = row.Attempts
		case OutcomeNoFace:
			agg.NoFaceCount = row.Attempts
		case OutcomeError:
			agg.ErrorCount = row.Attempts
		}
	}
	return agg, nil
}

// DailyStats returns the counters for the given UTC day.
func (r *StatsRepository) DailyStats(ctx context.Context, day time.Time) ([]VerificationStat, error) {
	var stats []VerificationStat
	err := r.executeWithRetry(ctx, "repository.daily_stats", "", func() error {
		return r.db.WithContext(ctx).
			Where("day = ?", day.UTC().Format(time.DateOnly)).
			Order("outcome").
			Find(&stats).Error
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *StatsRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, sessionID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
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
