package usecase

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/facematch/internal/detection"
	"github.com/example/facematch/internal/imageio"
	"github.com/example/facematch/internal/logging"
	"github.com/example/facematch/internal/models"
	"github.com/example/facematch/internal/render"
	"github.com/example/facematch/internal/repository"
	"github.com/example/facematch/internal/session"
	"github.com/example/facematch/internal/verification"
)

// StatsRepository defines the persistence operations needed by the use case.
type StatsRepository interface {
	Increment(ctx context.Context, day time.Time, outcome string, latency time.Duration) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// ModelProvider hands out the loaded extractor. The extractor stays usable
// until release is called.
type ModelProvider interface {
	Acquire() (ext detection.Extractor, release func(), err error)
	Status() models.Status
	Load(ctx context.Context) error
}

// Settings tunes the use case.
type Settings struct {
	// DefaultThreshold applies when a verify request names none. Zero is a
	// valid threshold, not "unset".
	DefaultThreshold float64
	// VerifyRateLimit is the verify budget per user and RateWindow; 0 disables it.
	VerifyRateLimit int
	RateWindow      time.Duration
	HEICConverter   imageio.HEICConverter
}

// VerifyRequest carries the per-call verify options.
type VerifyRequest struct {
	Threshold  *float64 `json:"threshold"`
	Permissive bool     `json:"permissive"`
}

// VerifyResult is what a successful verify reports.
type VerifyResult struct {
	SessionID string               `json:"session_id"`
	Outcome   verification.Outcome `json:"outcome"`
	Status    string               `json:"status"`
	Verdict   string               `json:"verdict"`
	Summary   string               `json:"summary"`
	Mode      string               `json:"mode"`
	Aadhaar   *detection.Detection `json:"aadhaar"`
	Selfie    *detection.Detection `json:"selfie"`
}

// VerificationUseCase encapsulates business logic for the verification flow.
type VerificationUseCase struct {
	store    *session.Store
	models   ModelProvider
	stats    StatsRepository
	cache    Cache
	settings Settings
	logger   *zap.Logger
	now      func() time.Time

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// DefaultSettings returns the built-in threshold and a one minute rate window
// with rate limiting off.
func DefaultSettings() Settings {
	return Settings{DefaultThreshold: verification.DefaultThreshold, RateWindow: time.Minute}
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(store *session.Store, models ModelProvider, stats StatsRepository, cache Cache, settings Settings, logger *zap.Logger) *VerificationUseCase {
	if settings.RateWindow <= 0 {
		settings.RateWindow = time.Minute
	}
	return &VerificationUseCase{
		store:          store,
		models:         models,
		stats:          stats,
		cache:          cache,
		settings:       settings,
		logger:         logger.Named("verification_usecase"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// CreateSession starts an empty session for userID.
func (uc *VerificationUseCase) CreateSession(ctx context.Context, userID string) session.View {
	sess := uc.store.Create(userID)
	logging.WithOperation(uc.logger, "usecase.create_session", sess.ID).Info("session created", zap.String("user_id", userID))
	return sess.Snapshot()
}

// GetSession returns a snapshot of one of userID's sessions.
func (uc *VerificationUseCase) GetSession(ctx context.Context, userID, sessionID string) (session.View, error) {
	sess, err := uc.store.Get(sessionID, userID)
	if err != nil {
		return session.View{}, err
	}
	return sess.Snapshot(), nil
}

// DeleteSession drops a session and its images.
func (uc *VerificationUseCase) DeleteSession(ctx context.Context, userID, sessionID string) error {
	return uc.store.Delete(sessionID, userID)
}

// UploadImage decodes an upload and places it in slot.
func (uc *VerificationUseCase) UploadImage(ctx context.Context, userID, sessionID string, slot detection.Slot, filename, contentType string, data []byte) (session.View, error) {
	sess, err := uc.store.Get(sessionID, userID)
	if err != nil {
		return session.View{}, err
	}

	img, err := imageio.Decode(ctx, filename, contentType, data, uc.settings.HEICConverter)
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.upload_image", sessionID).Info("image rejected",
			zap.String("slot", string(slot)),
			zap.String("content_type", contentType),
			zap.Error(err),
		)
		return session.View{}, err
	}

	sess.SetImage(slot, img)
	return sess.Snapshot(), nil
}

// Verify runs the comparison for a session. Every failure is reported as an
// error the transport can map; nothing panics out of here.
func (uc *VerificationUseCase) Verify(ctx context.Context, userID, sessionID string, req VerifyRequest) (*VerifyResult, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", sessionID)

	threshold := uc.settings.DefaultThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if err := verification.ValidateThreshold(threshold); err != nil {
		return nil, err
	}

	sess, err := uc.store.Get(sessionID, userID)
	if err != nil {
		return nil, err
	}
	if err := uc.allowVerify(ctx, userID, sessionID); err != nil {
		return nil, err
	}

	ext, release, err := uc.models.Acquire()
	if err != nil {
		opLogger.Warn("verify requested without loaded models", zap.Error(err))
		return nil, err
	}
	defer release()

	mode := detection.ModeFor(req.Permissive)
	started := uc.now()
	outcome, err := sess.Verify(ctx, ext, session.Options{Threshold: threshold, Mode: mode})
	uc.recordAttempt(ctx, sessionID, outcome, err, uc.now().Sub(started))
	if err != nil {
		return nil, err
	}

	_, aadhaar := sess.Image(detection.SlotAadhaar)
	_, selfie := sess.Image(detection.SlotSelfie)
	return &VerifyResult{
		SessionID: sessionID,
		Outcome:   outcome,
		Status:    outcome.Status(),
		Verdict:   outcome.Verdict(),
		Summary:   outcome.Summary(),
		Mode:      mode.String(),
		Aadhaar:   aadhaar,
		Selfie:    selfie,
	}, nil
}

// recordAttempt counts finished runs. Rejected calls (missing image, run in
// progress) are not attempts.
func (uc *VerificationUseCase) recordAttempt(ctx context.Context, sessionID string, outcome verification.Outcome, err error, latency time.Duration) {
	if uc.stats == nil {
		return
	}

	var kind string
	var missing *session.MissingImageError
	switch {
	case err == nil && outcome.Matched:
		kind = repository.OutcomeMatched
	case err == nil:
		kind = repository.OutcomeNotMatched
	case errors.Is(err, session.ErrVerifyInProgress), errors.As(err, &missing):
		return
	case errors.Is(err, detection.ErrNoFace):
		kind = repository.OutcomeNoFace
	default:
		kind = repository.OutcomeError
	}

	// Count even when the caller has gone away.
	if err := uc.stats.Increment(context.WithoutCancel(ctx), uc.now(), kind, latency); err != nil {
		logging.WithOperation(uc.logger, "usecase.record_attempt", sessionID).Warn("failed to record verify stats", zap.Error(err))
	}
}

// Preview renders a slot's image with its last detection as PNG.
func (uc *VerificationUseCase) Preview(ctx context.Context, userID, sessionID string, slot detection.Slot) ([]byte, error) {
	sess, err := uc.store.Get(sessionID, userID)
	if err != nil {
		return nil, err
	}
	img, det := sess.Image(slot)
	if img == nil {
		return nil, &session.MissingImageError{Slot: slot}
	}
	return render.EncodePNG(render.Preview(img, det))
}

// ModelStatus reports whether verification is available.
func (uc *VerificationUseCase) ModelStatus() models.Status {
	return uc.models.Status()
}

// ReloadModels retries model resolution.
func (uc *VerificationUseCase) ReloadModels(ctx context.Context) (models.Status, error) {
	err := uc.models.Load(ctx)
	return uc.models.Status(), err
}
