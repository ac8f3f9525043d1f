// Package session holds the per-user verification workflow: two image slots,
// the verify state machine and the in-memory store that owns sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/facematch/internal/detection"
	"github.com/example/facematch/internal/imageio"
	"github.com/example/facematch/internal/logging"
	"github.com/example/facematch/internal/verification"
)

// State is a step of the verify workflow.
type State string

const (
	StateIdle          State = "IDLE"
	StateReady         State = "READY"
	StateDetectingBoth State = "DETECTING_BOTH"
	StateFailed        State = "FAILED"
	StateComputing     State = "COMPUTING"
	StateDone          State = "DONE"
	StateError         State = "ERROR"
)

func (s State) busy() bool {
	return s == StateDetectingBoth || s == StateComputing
}

var (
	// ErrVerifyInProgress rejects a verify while another one runs on the same session.
	ErrVerifyInProgress = errors.New("verification already in progress")
	// ErrUnexpected wraps failures that are not part of the normal taxonomy.
	ErrUnexpected = errors.New("unexpected error during verification")
)

// MissingImageError is returned when verify is requested with an empty slot.
type MissingImageError struct {
	Slot detection.Slot
}

func (e *MissingImageError) Error() string {
	article := "a"
	if e.Slot == detection.SlotAadhaar {
		article = "an"
	}
	return fmt.Sprintf("please select %s %s image", article, e.Slot.Label())
}

// Options tunes a single verify run.
type Options struct {
	Threshold float64
	Mode      detection.Mode
}

// DefaultOptions uses the default threshold in standard mode.
func DefaultOptions() Options {
	return Options{Threshold: verification.DefaultThreshold, Mode: detection.ModeStandard}
}

// View is a read-only snapshot of a session.
type View struct {
	ID        string                `json:"id"`
	State     State                 `json:"state"`
	Images    map[string]ImageInfo  `json:"images"`
	Outcome   *verification.Outcome `json:"outcome,omitempty"`
	Failure   string                `json:"failure,omitempty"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// ImageInfo describes a filled slot.
type ImageInfo struct {
	Name      string               `json:"name"`
	Width     int                  `json:"width"`
	Height    int                  `json:"height"`
	Detection *detection.Detection `json:"detection,omitempty"`
}

// Session is one comparison workflow owned by a single user.
type Session struct {
	ID    string
	Owner string

	logger *zap.Logger

	mu         sync.Mutex
	state      State
	images     map[detection.Slot]*imageio.Image
	detections map[detection.Slot]*detection.Detection
	outcome    *verification.Outcome
	failure    error
	updatedAt  time.Time
}

// New returns an idle session.
func New(id, owner string, logger *zap.Logger) *Session {
	return &Session{
		ID:         id,
		Owner:      owner,
		logger:     logger,
		state:      StateIdle,
		images:     make(map[detection.Slot]*imageio.Image, len(detection.Slots)),
		detections: make(map[detection.Slot]*detection.Detection, len(detection.Slots)),
		updatedAt:  time.Now(),
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetImage fills or replaces a slot. A run already in flight keeps the images
// it started with.
func (s *Session) SetImage(slot detection.Slot, img *imageio.Image) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.images[slot] = img
	delete(s.detections, slot)
	s.updatedAt = time.Now()
	if s.state.busy() {
		return
	}
	s.outcome = nil
	s.failure = nil
	s.state = s.restingState()
}

// Image returns the slot's image and the detection from the last run, if any.
func (s *Session) Image(slot detection.Slot) (*imageio.Image, *detection.Detection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images[slot], s.detections[slot]
}

// Snapshot returns the current view.
func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ID:        s.ID,
		State:     s.state,
		Images:    make(map[string]ImageInfo, len(s.images)),
		UpdatedAt: s.updatedAt,
	}
	for slot, img := range s.images {
		v.Images[string(slot)] = ImageInfo{
			Name:      img.Name,
			Width:     img.Width,
			Height:    img.Height,
			Detection: s.detections[slot],
		}
	}
	if s.outcome != nil {
		out := *s.outcome
		v.Outcome = &out
	}
	if s.failure != nil {
		v.Failure = s.failure.Error()
	}
	return v
}

// Verify detects a face in both images and compares them. A run cannot be
// aborted once started: detection ignores ctx cancellation.
func (s *Session) Verify(ctx context.Context, ext detection.Extractor, opts Options) (verification.Outcome, error) {
	logger := logging.WithOperation(s.logger, "session.verify", s.ID)

	s.mu.Lock()
	if s.state.busy() {
		s.mu.Unlock()
		return verification.Outcome{}, ErrVerifyInProgress
	}
	for _, slot := range detection.Slots {
		if s.images[slot] == nil {
			s.mu.Unlock()
			return verification.Outcome{}, &MissingImageError{Slot: slot}
		}
	}
	imgs := [2]*imageio.Image{s.images[detection.SlotAadhaar], s.images[detection.SlotSelfie]}
	s.transition(StateDetectingBoth)
	s.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	started := time.Now()
	dets, errs := detectBoth(runCtx, ext, imgs, opts.Mode, logger)

	for i, slot := range detection.Slots {
		if errs[i] == nil {
			continue
		}
		if errors.Is(errs[i], detection.ErrNoFace) {
			err := &detection.NoFaceError{Slot: slot}
			logger.Info("verification failed", zap.Error(err))
			return verification.Outcome{}, s.finish(StateFailed, nil, imgs[:], nil, err)
		}
		err := fmt.Errorf("%w: %v", ErrUnexpected, errs[i])
		logger.Error("detection failed", zap.String("slot", string(slot)), zap.Error(err))
		return verification.Outcome{}, s.finish(StateError, nil, imgs[:], nil, err)
	}

	s.mu.Lock()
	s.transition(StateComputing)
	s.mu.Unlock()

	outcome, err := verification.Verify(dets[0].Descriptor, dets[1].Descriptor, opts.Threshold)
	if err != nil {
		logger.Error("descriptor comparison failed",
			zap.Int("aadhaar_len", len(dets[0].Descriptor)),
			zap.Int("selfie_len", len(dets[1].Descriptor)),
			zap.Error(err),
		)
		return verification.Outcome{}, s.finish(StateError, nil, imgs[:], nil, err)
	}

	logger.Info("verification complete",
		zap.Float64("distance", outcome.Distance),
		zap.Float64("similarity", outcome.Similarity),
		zap.Bool("matched", outcome.Matched),
		zap.String("aadhaar_strategy", dets[0].Strategy),
		zap.String("selfie_strategy", dets[1].Strategy),
		zap.Duration("elapsed", time.Since(started)),
	)
	return outcome, s.finish(StateDone, &outcome, imgs[:], dets[:], nil)
}

// detectBoth runs detection on both images concurrently and waits for both,
// whatever either returns.
func detectBoth(ctx context.Context, ext detection.Extractor, imgs [2]*imageio.Image, mode detection.Mode, logger *zap.Logger) ([2]*detection.Detection, [2]error) {
	var (
		dets [2]*detection.Detection
		errs [2]error
		g    errgroup.Group
	)
	for i := range imgs {
		i := i
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("extractor panic: %v", r)
				}
			}()
			dets[i], errs[i] = detection.Detect(ctx, ext, imgs[i], mode, logger.With(zap.String("slot", string(detection.Slots[i]))))
			return nil
		})
	}
	_ = g.Wait()
	return dets, errs
}

// finish records the result of a run. Detections from the run replace the
// previous ones only for slots whose image was not replaced meanwhile; a
// failed run clears them. An outcome computed from a replaced image is
// dropped and the session goes back to its resting state.
func (s *Session) finish(state State, outcome *verification.Outcome, imgs []*imageio.Image, dets []*detection.Detection, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := false
	for i, img := range imgs {
		slot := detection.Slots[i]
		if s.images[slot] != img {
			stale = true
			continue
		}
		if i < len(dets) && dets[i] != nil {
			s.detections[slot] = dets[i]
		} else {
			delete(s.detections, slot)
		}
	}
	if stale && state == StateDone {
		s.logger.Info("image replaced during verification, discarding outcome", zap.String("session_id", s.ID))
		state = s.restingState()
		outcome = nil
	}

	s.transition(state)
	s.outcome = outcome
	s.failure = err
	return err
}

// restingState is the state after an image change outside of a run.
func (s *Session) restingState() State {
	for _, slot := range detection.Slots {
		if s.images[slot] == nil {
			return StateIdle
		}
	}
	return StateReady
}

// transition must be called with mu held.
func (s *Session) transition(to State) {
	s.logger.Debug("session state change",
		zap.String("session_id", s.ID),
		zap.String("from", string(s.state)),
		zap.String("to", string(to)),
	)
	s.state = to
	s.updatedAt = time.Now()
}
