package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sozercan/finsight/internal/document"
)

type entry struct {
	session  *Session
	lastSeen time.Time
}

// Store holds sessions in memory until they have been idle for the TTL.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry
	ttl      time.Duration
	docs     document.Store
	now      func() time.Time
}

// NewStore returns a store expiring sessions idle for ttl. When docs is not
// nil the janitor also sweeps uploads older than ttl from it.
func NewStore(ttl time.Duration, docs document.Store) *Store {
	return &Store{
		sessions: make(map[string]*entry),
		ttl:      ttl,
		docs:     docs,
		now:      time.Now,
	}
}

// Create registers a session for one analysis. stages names the results the
// session will collect.
func (s *Store) Create(doc, inferences string, stages []string) *Session {
	now := s.now()
	sess := newSession(uuid.New().String(), doc, inferences, stages, now)

	s.mu.Lock()
	s.sessions[sess.ID] = &entry{session: sess, lastSeen: now}
	s.mu.Unlock()

	slog.Debug("Created session", "session", sess.ID, "document", doc)
	return sess
}

func (s *Store) Get(id string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.lastSeen = s.now()
	return e.session, nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Expire drops sessions idle for longer than the TTL and returns how many it
// removed.
func (s *Store) Expire() int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.sessions {
		if e.lastSeen.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// Start runs the janitor every interval until ctx is done.
func (s *Store) Start(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Store) sweep(ctx context.Context) {
	if n := s.Expire(); n > 0 {
		slog.Info("Expired sessions", "count", n)
	}
	if s.docs == nil {
		return
	}
	n, err := s.docs.Sweep(ctx, s.ttl)
	if err != nil {
		slog.Warn("Failed to sweep stale uploads", "error", err)
	}
	if n > 0 {
		slog.Info("Removed stale uploads", "count", n)
	}
}
