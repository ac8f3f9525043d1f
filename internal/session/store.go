package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned for unknown, expired or foreign sessions.
var ErrSessionNotFound = errors.New("session not found")

// DefaultTTL is how long an untouched session is kept.
const DefaultTTL = 30 * time.Minute

// Store keeps sessions in memory. Images never leave the process and are
// dropped when their session expires.
type Store struct {
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*entry

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type entry struct {
	session  *Session
	lastSeen time.Time
}

// NewStore starts a store whose janitor evicts sessions idle for longer than ttl.
func NewStore(ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		ttl:      ttl,
		logger:   logger.Named("sessions"),
		now:      time.Now,
		sessions: make(map[string]*entry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Create registers a new idle session for owner.
func (s *Store) Create(owner string) *Session {
	id := uuid.NewString()
	sess := New(id, owner, s.logger)

	s.mu.Lock()
	s.sessions[id] = &entry{session: sess, lastSeen: s.now()}
	s.mu.Unlock()

	s.logger.Debug("session created", zap.String("session_id", id), zap.String("user_id", owner))
	return sess
}

// Get returns the session if it exists and belongs to owner, and refreshes
// its expiry.
func (s *Store) Get(id, owner string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok || e.session.Owner != owner {
		return nil, ErrSessionNotFound
	}
	e.lastSeen = s.now()
	return e.session, nil
}

// Delete removes a session.
func (s *Store) Delete(id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok || e.session.Owner != owner {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

// Len is the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the janitor. It is safe to call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Store) janitor() {
	defer close(s.done)

	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				s.logger.Info("expired idle sessions", zap.Int("count", n))
			}
		}
	}
}

// sweep evicts expired sessions. Sessions with a run in flight are kept.
func (s *Store) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	evicted := 0
	for id, e := range s.sessions {
		if e.lastSeen.After(cutoff) || e.session.State().busy() {
			continue
		}
		delete(s.sessions, id)
		evicted++
	}
	return evicted
}
