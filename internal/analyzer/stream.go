package analyzer

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/sozercan/finsight/internal/session"
	"github.com/sozercan/finsight/internal/stages"
)

// Channel is one stage ready to be streamed.
type Channel struct {
	Stage   string
	Session *session.Session
	Seq     iter.Seq2[string, error]

	// owner is set when this channel runs the stage for its session
	owner bool
}

// Open prepares the stream of stage. Upstream texts come from the session
// when sessionID is set, otherwise from supplied, keyed by stage name.
// Input problems are reported here, before anything is streamed.
func (a *Analyzer) Open(ctx context.Context, stage, sessionID string, supplied map[string]string) (*Channel, error) {
	s, ok := a.catalog.Get(stage)
	if !ok || s.Document {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}

	ch := &Channel{Stage: stage}
	inputs := supplied
	if sessionID != "" {
		sess, err := a.sessions.Get(sessionID)
		if err != nil {
			return nil, err
		}
		ch.Session = sess

		// an earlier channel of this session already produced the result
		if text, err, ok := sess.Result(stage); ok && err == nil {
			slog.Debug("Replaying stage result", "stage", stage, "session", sess.ID)
			ch.Seq = replay(text)
			return ch, nil
		}

		inputs, err = a.sessionInputs(ctx, sess, s)
		if err != nil {
			return nil, err
		}
	}

	prompt, err := s.Prompt(inputs)
	if err != nil {
		return nil, err
	}

	if ch.Session != nil {
		shared, err := a.claim(ctx, ch)
		if err != nil {
			return nil, err
		}
		if shared {
			return ch, nil
		}
	}
	ch.Seq = nonEmpty(a.provider.Stream(ctx, prompt, s.Options()...))
	return ch, nil
}

// claim makes ch the owner of its stage, or waits for the attempt already
// running in the session and reuses its outcome. It reports true for the latter.
func (a *Analyzer) claim(ctx context.Context, ch *Channel) (bool, error) {
	for {
		f, ready, owner, err := ch.Session.Claim(ch.Stage)
		if err != nil {
			return false, err
		}
		if owner {
			ch.owner = true
			return false, nil
		}

		slog.Debug("Waiting for running stage", "stage", ch.Stage, "session", ch.Session.ID)
		select {
		case <-ready:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		if text, err, ok := f.Result(); ok {
			if err != nil {
				ch.Seq = failed(err)
			} else {
				ch.Seq = replay(text)
			}
			return true, nil
		}
	}
}

// sessionInputs gathers the upstream texts of s from sess, waiting for
// sibling stages up to the dependency timeout.
func (a *Analyzer) sessionInputs(ctx context.Context, sess *session.Session, s *stages.Stage) (map[string]string, error) {
	inputs := make(map[string]string, len(s.Deps))
	var siblings []string
	for _, d := range s.Deps {
		if d == stages.Inference {
			inputs[d] = sess.Inferences
			continue
		}
		siblings = append(siblings, d)
	}
	if len(siblings) == 0 {
		return inputs, nil
	}

	slog.Debug("Waiting for upstream stages", "stage", s.Name, "session", sess.ID, "deps", siblings)
	got, err := sess.Await(ctx, a.opts.DependencyTimeout, siblings...)
	if err != nil {
		return nil, err
	}
	for k, v := range got {
		inputs[k] = v
	}
	return inputs, nil
}

// Settle records the outcome of a streamed stage in its session.
func (a *Analyzer) Settle(ch *Channel, text string, err error) {
	if !ch.owner {
		return
	}
	if ch.Session.Resolve(ch.Stage, text, err) {
		slog.Debug("Stage settled", "stage", ch.Stage, "session", ch.Session.ID, "failed", err != nil)
	}
}

// Abandon gives up the stage of ch without a result, for example when the
// client went away, so another channel can run it.
func (a *Analyzer) Abandon(ch *Channel) {
	if !ch.owner {
		return
	}
	ch.Session.Abandon(ch.Stage)
	slog.Debug("Stage abandoned", "stage", ch.Stage, "session", ch.Session.ID)
}

// nonEmpty fails a stream that finished without producing any text.
func nonEmpty(seq iter.Seq2[string, error]) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		produced := false
		for fragment, err := range seq {
			if err != nil {
				yield("", err)
				return
			}
			if strings.TrimSpace(fragment) != "" {
				produced = true
			}
			if !yield(fragment, nil) {
				return
			}
		}
		if !produced {
			yield("", ErrEmptyResult)
		}
	}
}

func replay(text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield(text, nil)
	}
}

func failed(err error) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", err)
	}
}
