package models

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/facematch/internal/detection"
	"github.com/example/facematch/internal/fallback"
	"github.com/example/facematch/internal/logging"
)

// ErrModelLoad means no source produced a working extractor. Verification
// stays disabled until Load succeeds.
var ErrModelLoad = errors.New("face models are not loaded")

// Backend is a loaded extractor that owns native or network resources.
type Backend interface {
	detection.Extractor
	Close() error
}

// Loader builds a Backend from a location returned by a Source.
type Loader func(ctx context.Context, location string) (Backend, error)

// Status describes the current model state.
type Status struct {
	Ready    bool      `json:"ready"`
	Source   string    `json:"source,omitempty"`
	LoadedAt time.Time `json:"loaded_at,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// lease tracks the callers still using a backend. A retired backend is
// closed when its last caller releases it.
type lease struct {
	backend Backend
	refs    int
	retired bool
}

// Manager resolves model sources in order and holds the active backend.
type Manager struct {
	sources []Source
	loader  Loader
	logger  *zap.Logger

	mu       sync.Mutex
	active   *lease
	source   string
	loadedAt time.Time
	lastErr  error
}

// NewManager returns a Manager that has not loaded anything yet.
func NewManager(sources []Source, loader Loader, logger *zap.Logger) *Manager {
	return &Manager{
		sources: sources,
		loader:  loader,
		logger:  logger.Named("models"),
		lastErr: ErrModelLoad,
	}
}

// Load tries every source in order and keeps the first one whose weights
// fetch and load. On success the previous backend is closed once every
// caller that acquired it has released it.
func (m *Manager) Load(ctx context.Context) error {
	attempts := make([]fallback.Attempt[Backend], 0, len(m.sources))
	for _, src := range m.sources {
		src := src
		attempts = append(attempts, fallback.Attempt[Backend]{
			Name: src.Name(),
			Run: func(ctx context.Context) (Backend, error) {
				m.logger.Info("trying model source", zap.String("source", src.Name()))
				location, err := src.Fetch(ctx)
				if err != nil {
					return nil, err
				}
				return m.loader(ctx, location)
			},
		})
	}

	backend, used, err := fallback.FirstSuccessful(ctx, attempts)
	if err != nil {
		wrapped := logging.NewOperationError("models.load", "", fmt.Errorf("%w: %v", ErrModelLoad, err))
		m.logger.Error("failed to load face models from any source", zap.Error(wrapped))

		m.mu.Lock()
		m.lastErr = wrapped
		m.mu.Unlock()
		return wrapped
	}

	m.mu.Lock()
	prev := m.active
	m.active = &lease{backend: backend}
	m.source = used
	m.loadedAt = time.Now().UTC()
	m.lastErr = nil
	closePrev := prev != nil && prev.retire()
	m.mu.Unlock()

	if closePrev {
		if err := prev.backend.Close(); err != nil {
			m.logger.Warn("failed to close previous model backend", zap.Error(err))
		}
	} else if prev != nil {
		m.logger.Info("previous model backend still in use, closing after release")
	}
	m.logger.Info("face models loaded", zap.String("source", used))
	return nil
}

// Acquire returns the loaded backend or ErrModelLoad. The backend stays open
// until release is called, even across a reload. release is idempotent.
func (m *Manager) Acquire() (detection.Extractor, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, func() {}, m.lastErr
	}
	l := m.active
	l.refs++
	var once sync.Once
	return l.backend, func() { once.Do(func() { m.release(l) }) }, nil
}

func (m *Manager) release(l *lease) {
	m.mu.Lock()
	l.refs--
	closeNow := l.retired && l.refs == 0
	m.mu.Unlock()

	if closeNow {
		if err := l.backend.Close(); err != nil {
			m.logger.Warn("failed to close retired model backend", zap.Error(err))
		}
	}
}

// retire marks l for closing and reports whether it can be closed now.
// Callers hold m.mu.
func (l *lease) retire() bool {
	l.retired = true
	return l.refs == 0
}

// Ready reports whether verification is possible.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Status snapshots the manager state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Ready: m.active != nil, Source: m.source, LoadedAt: m.loadedAt}
	if m.active == nil && m.lastErr != nil {
		st.Error = m.lastErr.Error()
	}
	return st
}

// Close releases the active backend. A backend still in use is closed by
// its last release.
func (m *Manager) Close() error {
	m.mu.Lock()
	l := m.active
	m.active = nil
	m.lastErr = ErrModelLoad
	closeNow := l != nil && l.retire()
	m.mu.Unlock()

	if closeNow {
		return l.backend.Close()
	}
	return nil
}
