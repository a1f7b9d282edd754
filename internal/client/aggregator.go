package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sozercan/finsight/internal/pipeline"
	"github.com/sozercan/finsight/internal/stages"
)

// Report is the outcome of one streamed analysis. A stage is either in
// Results or in Errors.
type Report struct {
	SessionID  string
	Inferences string
	Results    map[string]string
	Errors     map[string]error
}

// Aggregator opens one stream per stage and starts the key analysis once its
// three inputs have completed.
type Aggregator struct {
	client *Client
	// Timeout bounds the wait for the key analysis inputs.
	Timeout time.Duration
	// UseSession passes the session id instead of the upstream texts.
	UseSession bool
	// OnChunk, when set, receives every fragment as it arrives. It is called
	// from several goroutines at once.
	OnChunk func(stage, fragment string)
}

func NewAggregator(c *Client, timeout time.Duration) *Aggregator {
	return &Aggregator{client: c, Timeout: timeout, UseSession: true}
}

// Run uploads the file at path and collects every stage. Stage failures are
// reported in the Report; only an upload failure is returned as an error.
func (a *Aggregator) Run(ctx context.Context, path string) (*Report, error) {
	begin, err := a.client.Begin(ctx, path)
	if err != nil {
		return nil, err
	}

	report := &Report{
		SessionID:  begin.SessionID,
		Inferences: begin.Inferences,
		Results:    make(map[string]string),
		Errors:     make(map[string]error),
	}
	var mu sync.Mutex
	record := func(stage, text string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Errors[stage] = err
			return
		}
		report.Results[stage] = text
	}

	futures := map[string]*pipeline.Future{
		stages.SWOT:     pipeline.NewFuture(),
		stages.Strategy: pipeline.NewFuture(),
		stages.Profile:  pipeline.NewFuture(),
	}

	// a plain group: one failing channel must not cancel its siblings
	var g errgroup.Group
	for _, stage := range []string{stages.SWOT, stages.Strategy, stages.Profile, stages.Summary} {
		g.Go(func() error {
			params := url.Values{}
			if a.UseSession {
				params.Set("session", begin.SessionID)
			} else {
				params.Set(stages.QueryParam(stages.Inference), begin.Inferences)
			}
			text, err := a.client.Stream(ctx, stage, params, a.chunk(stage))
			if f, ok := futures[stage]; ok {
				f.Resolve(text, err)
			}
			record(stage, text, err)
			return nil
		})
	}

	g.Go(func() error {
		text, err := a.keyAnalysis(ctx, begin.SessionID, futures)
		record(stages.KeyAnalysis, text, err)
		return nil
	})

	_ = g.Wait()
	return report, nil
}

func (a *Aggregator) keyAnalysis(ctx context.Context, sessionID string, futures map[string]*pipeline.Future) (string, error) {
	waitCtx := ctx
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	inputs, err := pipeline.Join(waitCtx, futures)
	if err != nil {
		return "", fmt.Errorf("key analysis inputs: %w", err)
	}
	slog.Debug("Key analysis inputs ready")

	params := url.Values{}
	if a.UseSession {
		params.Set("session", sessionID)
	} else {
		for name, text := range inputs {
			params.Set(stages.QueryParam(name), text)
		}
	}
	return a.client.Stream(ctx, stages.KeyAnalysis, params, a.chunk(stages.KeyAnalysis))
}

func (a *Aggregator) chunk(stage string) func(string) {
	if a.OnChunk == nil {
		return nil
	}
	return func(fragment string) { a.OnChunk(stage, fragment) }
}
