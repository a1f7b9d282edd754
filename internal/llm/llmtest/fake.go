// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/sozercan/finsight/internal/llm"
)

// Script controls what the fake returns for one stage name.
type Script struct {
	Fragments []string
	// Err, when set, is returned after ErrAfter fragments were emitted.
	Err      error
	ErrAfter int
	// Delay is slept before each fragment.
	Delay time.Duration
	// Gate, when set, must be closed before the call produces anything.
	Gate <-chan struct{}
}

// Call records one upstream request. Start and End are positions on a clock
// shared by all calls of the fake, so orderings between calls can be asserted.
type Call struct {
	Name   string
	Mode   string
	Prompt llm.Prompt
	Start  int
	End    int
}

type Fake struct {
	mu      sync.Mutex
	scripts map[string]Script
	calls   []*Call
	clock   int
}

func New() *Fake {
	return &Fake{scripts: make(map[string]Script)}
}

// On sets the script for prompts named name. Unscripted names answer with a
// single fragment "<name> result".
func (f *Fake) On(name string, s Script) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[name] = s
	return f
}

func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	for i, c := range f.calls {
		out[i] = *c
	}
	return out
}

// Count returns how many calls were made for name, or in total when name is
// empty.
func (f *Fake) Count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		return len(f.calls)
	}
	n := 0
	for _, c := range f.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

func (f *Fake) begin(prompt llm.Prompt, mode string) (*Call, Script) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock++
	c := &Call{Name: prompt.Name, Mode: mode, Prompt: prompt, Start: f.clock}
	f.calls = append(f.calls, c)
	s, ok := f.scripts[prompt.Name]
	if !ok {
		s = Script{Fragments: []string{fmt.Sprintf("%s result", prompt.Name)}}
	}
	return c, s
}

func (f *Fake) end(c *Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock++
	c.End = f.clock
}

func (f *Fake) Generate(ctx context.Context, prompt llm.Prompt, opts ...llm.Option) (*llm.Response, error) {
	text, err := llm.Collect(f.stream(ctx, prompt, "generate"))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, llm.ErrNoContent
	}
	return &llm.Response{Content: text}, nil
}

func (f *Fake) Stream(ctx context.Context, prompt llm.Prompt, opts ...llm.Option) iter.Seq2[string, error] {
	return f.stream(ctx, prompt, "stream")
}

func (f *Fake) stream(ctx context.Context, prompt llm.Prompt, mode string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		c, s := f.begin(prompt, mode)
		defer f.end(c)

		if s.Gate != nil {
			select {
			case <-s.Gate:
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			}
		}

		for i, fragment := range s.Fragments {
			if s.Err != nil && i == s.ErrAfter {
				yield("", s.Err)
				return
			}
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
		if s.Err != nil {
			yield("", s.Err)
		}
	}
}

var _ llm.Provider = (*Fake)(nil)
