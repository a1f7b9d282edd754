package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrTimeout is returned by Join when the deadline passes before every
// future settled.
var ErrTimeout = errors.New("timed out waiting for dependencies")

// Future is a text result that settles exactly once.
type Future struct {
	once sync.Once
	done chan struct{}
	text string
	err  error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future. Later calls are ignored and report false.
func (f *Future) Resolve(text string, err error) bool {
	settled := false
	f.once.Do(func() {
		f.text, f.err = text, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done is closed once the future settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the settled value and whether the future has settled.
func (f *Future) Result() (string, error, bool) {
	select {
	case <-f.done:
		return f.text, f.err, true
	default:
		return "", nil, false
	}
}

// Wait blocks until the future settles or ctx is done.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.text, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Join waits for every named future. It returns as soon as one of them fails
// or ctx expires, so a broken dependency is reported without waiting for its
// siblings.
func Join(ctx context.Context, futures map[string]*Future) (map[string]string, error) {
	type settled struct {
		name string
		text string
		err  error
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan settled, len(futures))
	for name, f := range futures {
		go func() {
			text, err := f.Wait(ctx)
			ch <- settled{name: name, text: text, err: err}
		}()
	}

	results := make(map[string]string, len(futures))
	for range futures {
		s := <-ch
		if s.err != nil {
			if errors.Is(s.err, context.DeadlineExceeded) && ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrTimeout, s.name)
			}
			return nil, &StageError{Stage: s.name, Err: s.err}
		}
		results[s.name] = s.text
	}
	return results, nil
}
