package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/facematch/internal/logging"
)

// setupTestDB prepares an in-memory SQLite database with the schema applied.
func setupTestDB(t *testing.T) *StatsRepository {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err, "failed to initialize test database")

	repo := NewStatsRepository(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate(context.Background()), "failed to migrate table")
	return repo
}

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := &StatsRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "sess-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := &StatsRepository{
		logger:         zap.NewNop(),
		retryAttempts:  2,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "sess-2", func() error {
		attempts++
		return errors.New("boom")
	})

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if opErr.SessionID != "sess-2" {
		t.Fatalf("unexpected session id: %s", opErr.SessionID)
	}
}

func TestExecuteWithRetryStopsOnCancel(t *testing.T) {
	repo := &StatsRepository{
		logger:         zap.NewNop(),
		retryAttempts:  3,
		initialBackoff: time.Second,
		maxBackoff:     time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := repo.executeWithRetry(ctx, "test.operation", "", func() error {
		return transientTestError{}
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatsRepository_Increment(t *testing.T) {
	t.Run("upserts per day and outcome", func(t *testing.T) {
		repo := setupTestDB(t)
		ctx := context.Background()
		day := time.Date(2024, 3, 10, 23, 30, 0, 0, time.UTC)

		require.NoError(t, repo.Increment(ctx, day, OutcomeMatched, 120*time.Millisecond))
		require.NoError(t, repo.Increment(ctx, day, OutcomeMatched, 80*time.Millisecond))
		require.NoError(t, repo.Increment(ctx, day, OutcomeNoFace, 300*time.Millisecond))
		require.NoError(t, repo.Increment(ctx, day.Add(time.Hour), OutcomeMatched, 10*time.Millisecond))

		stats, err := repo.DailyStats(ctx, day)
		require.NoError(t, err)
		require.Len(t, stats, 2)
		assert.Equal(t, OutcomeMatched, stats[0].Outcome)
		assert.EqualValues(t, 2, stats[0].Attempts)
		assert.EqualValues(t, 200, stats[0].TotalLatencyMs)
		assert.Equal(t, OutcomeNoFace, stats[1].Outcome)
		assert.EqualValues(t, 1, stats[1].Attempts)

		next, err := repo.DailyStats(ctx, day.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, next, 1)
		assert.Equal(t, "2024-03-11", next[0].Day)
	})

	t.Run("rejects unknown outcome", func(t *testing.T) {
		repo := setupTestDB(t)
		err := repo.Increment(context.Background(), time.Now(), "maybe", time.Millisecond)
		assert.ErrorIs(t, err, ErrUnknownOutcome)
	})
}

func TestStatsRepository_AggregateMetrics(t *testing.T) {
	t.Run("empty table", func(t *testing.T) {
		repo := setupTestDB(t)
		agg, err := repo.AggregateMetrics(context.Background())
		require.NoError(t, err)
		assert.Equal(t, &MetricsAggregation{}, agg)
	})

	t.Run("sums across days", func(t *testing.T) {
		repo := setupTestDB(t)
		ctx := context.Background()
		d1 := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
		d2 := d1.AddDate(0, 0, 1)

		for _, in := range []struct {
			day     time.Time
			outcome string
			latency time.Duration
		}{
			{d1, OutcomeMatched, 100 * time.Millisecond},
			{d2, OutcomeMatched, 100 * time.Millisecond},
			{d1, OutcomeNotMatched, 50 * time.Millisecond},
			{d2, OutcomeNoFace, 25 * time.Millisecond},
			{d2, OutcomeError, 25 * time.Millisecond},
		} {
			require.NoError(t, repo.Increment(ctx, in.day, in.outcome, in.latency))
		}

		agg, err := repo.AggregateMetrics(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 5, agg.TotalCount)
		assert.EqualValues(t, 2, agg.MatchedCount)
		assert.EqualValues(t, 1, agg.NotMatchedCount)
		assert.EqualValues(t, 1, agg.NoFaceCount)
		assert.EqualValues(t, 1, agg.ErrorCount)
		assert.EqualValues(t, 300, agg.TotalLatencyMs)
	})
}
