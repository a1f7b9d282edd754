// Package session keeps the inference bundle of a streaming analysis and the
// latest results of its stages, so every channel of one analysis reads
// the same upstream text.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sozercan/finsight/apimodels"
	"github.com/sozercan/finsight/internal/pipeline"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrDependency is returned by Await when an upstream stage failed or did
	// not finish in time.
	ErrDependency = errors.New("dependency unavailable")
)

type Session struct {
	ID         string
	Document   string
	Inferences string
	CreatedAt  time.Time

	stages []string

	mu    sync.Mutex
	slots map[string]*slot
}

// slot is the current attempt at one stage. A failed future is replaced when
// a new attempt is claimed; waiters that already hold it keep the failure.
type slot struct {
	future  *pipeline.Future
	running chan struct{}
}

func newSession(id, document, inferences string, stages []string, now time.Time) *Session {
	s := &Session{
		ID:         id,
		Document:   document,
		Inferences: inferences,
		CreatedAt:  now,
		stages:     stages,
		slots:      make(map[string]*slot, len(stages)),
	}
	for _, name := range stages {
		s.slots[name] = &slot{future: pipeline.NewFuture()}
	}
	return s
}

func (s *Session) future(stage string) (*pipeline.Future, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[stage]
	if !ok {
		return nil, false
	}
	return sl.future, true
}

// Claim decides who runs stage next. When owner is true the caller runs it
// and must end the attempt with Resolve or Abandon. Otherwise the caller waits
// for ready and then reads f; ready closes with f still pending when the
// running attempt was abandoned, and the caller should claim again.
// A settled failure starts a fresh attempt.
func (s *Session) Claim(stage string) (f *pipeline.Future, ready <-chan struct{}, owner bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[stage]
	if !ok {
		return nil, nil, false, fmt.Errorf("%w: unknown stage %s", ErrDependency, stage)
	}

	if sl.running != nil {
		return sl.future, sl.running, false, nil
	}
	if _, err, settled := sl.future.Result(); settled {
		if err == nil {
			return sl.future, sl.future.Done(), false, nil
		}
		sl.future = pipeline.NewFuture()
	}
	sl.running = make(chan struct{})
	return sl.future, nil, true, nil
}

// Resolve records the outcome of the current attempt at stage and releases
// its waiters. Only the first outcome of an attempt counts.
func (s *Session) Resolve(stage, text string, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[stage]
	if !ok {
		return false
	}
	settled := sl.future.Resolve(text, err)
	sl.end()
	return settled
}

// Abandon ends the running attempt at stage without a result, so the next
// Claim runs the stage again.
func (s *Session) Abandon(stage string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[stage]; ok {
		sl.end()
	}
}

func (sl *slot) end() {
	if sl.running != nil {
		close(sl.running)
		sl.running = nil
	}
}

// Result returns the settled outcome of stage, if any.
func (s *Session) Result(stage string) (string, error, bool) {
	f, ok := s.future(stage)
	if !ok {
		return "", nil, false
	}
	return f.Result()
}

// Await blocks until every named stage completed successfully, one of them
// failed, or timeout elapsed. Failures and expiry are reported as
// ErrDependency.
func (s *Session) Await(ctx context.Context, timeout time.Duration, stages ...string) (map[string]string, error) {
	futures := make(map[string]*pipeline.Future, len(stages))
	for _, name := range stages {
		f, ok := s.future(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown stage %s", ErrDependency, name)
		}
		futures[name] = f
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results, err := pipeline.Join(ctx, futures)
	if err != nil {
		// the caller went away; not a dependency problem
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDependency, err)
	}
	return results, nil
}

func (s *Session) Snapshot() apimodels.SessionSnapshot {
	snap := apimodels.SessionSnapshot{
		ID:         s.ID,
		Document:   s.Document,
		CreatedAt:  s.CreatedAt.UTC().Format(time.RFC3339),
		Inferences: s.Inferences,
		Stages:     make(map[string]apimodels.StageSnapshot, len(s.stages)),
	}
	for _, name := range s.stages {
		text, err, ok := s.Result(name)
		switch {
		case !ok:
			snap.Stages[name] = apimodels.StageSnapshot{Status: apimodels.StagePending}
		case err != nil:
			snap.Stages[name] = apimodels.StageSnapshot{Status: apimodels.StageFailed, Error: err.Error()}
		default:
			snap.Stages[name] = apimodels.StageSnapshot{Status: apimodels.StageDone, Result: text}
		}
	}
	return snap
}
