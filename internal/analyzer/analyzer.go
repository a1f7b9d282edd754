// Package analyzer runs the analysis stages over an uploaded document, either
// all at once or one streamed stage at a time.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"strings"
	"sync"
	"time"

	"github.com/sozercan/finsight/apimodels"
	"github.com/sozercan/finsight/internal/document"
	"github.com/sozercan/finsight/internal/llm"
	"github.com/sozercan/finsight/internal/pipeline"
	"github.com/sozercan/finsight/internal/session"
	"github.com/sozercan/finsight/internal/stages"
)

type Options struct {
	// Parallelism bounds concurrent stages in aggregate mode; 1 runs them
	// sequentially and 0 leaves them unbounded.
	Parallelism int
	// DependencyTimeout bounds how long a session stage waits for its
	// upstream stages.
	DependencyTimeout time.Duration
	// MaxRetries is the number of extra attempts for blocking calls.
	MaxRetries int
}

type Analyzer struct {
	provider llm.Provider
	catalog  *stages.Catalog
	docs     document.Store
	sessions *session.Store
	opts     Options
}

func New(provider llm.Provider, catalog *stages.Catalog, docs document.Store, sessions *session.Store, opts Options) *Analyzer {
	return &Analyzer{
		provider: provider,
		catalog:  catalog,
		docs:     docs,
		sessions: sessions,
		opts:     opts,
	}
}

// Ingest stores an uploaded file. The document is released by the primary
// stage; callers that never run it must call Release.
func (a *Analyzer) Ingest(ctx context.Context, fh *multipart.FileHeader) (*document.Document, error) {
	if fh == nil {
		return nil, ErrNoDocument
	}
	doc, err := document.Ingest(ctx, a.docs, fh)
	if errors.Is(err, document.ErrEmpty) {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoDocument, fh.Filename)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("Received document", "name", doc.Name, "mime_type", doc.MIMEType, "bytes", doc.Size)
	return doc, nil
}

// Release deletes the stored document. It is safe to call more than once.
func (a *Analyzer) Release(ctx context.Context, doc *document.Document) {
	if doc == nil {
		return
	}
	if err := a.docs.Delete(context.WithoutCancel(ctx), doc); err != nil {
		slog.Warn("Failed to delete uploaded document", "key", doc.Key, "error", err)
		return
	}
	slog.Debug("Deleted uploaded document", "key", doc.Key)
}

// Session returns the streaming session with the given id.
func (a *Analyzer) Session(id string) (*session.Session, error) {
	return a.sessions.Get(id)
}

// downstream lists every stage except the primary one, in catalog order.
func (a *Analyzer) downstream() []string {
	var names []string
	for _, s := range a.catalog.Stages() {
		if s.Name != stages.Inference {
			names = append(names, s.Name)
		}
	}
	return names
}

// Analyze runs every stage to completion and returns all results at once.
// The first failing stage cancels the others.
func (a *Analyzer) Analyze(ctx context.Context, doc *document.Document) (*apimodels.AnalysisResponse, error) {
	slog.Info("Starting analysis", "document", doc.Name, "mode", "aggregate")
	startTime := time.Now()

	var (
		mu        sync.Mutex
		durations = make(map[string]string)
	)
	timed := func(name string, task pipeline.Task) pipeline.Task {
		return func(ctx context.Context, inputs map[string]string) (string, error) {
			start := time.Now()
			text, err := task(ctx, inputs)
			mu.Lock()
			durations[name] = time.Since(start).Round(time.Millisecond).String()
			mu.Unlock()
			return text, err
		}
	}

	tasks := make(map[string]pipeline.Task, len(a.catalog.Stages()))
	for _, s := range a.catalog.Stages() {
		if s.Name == stages.Inference {
			tasks[s.Name] = timed(s.Name, func(ctx context.Context, _ map[string]string) (string, error) {
				return a.infer(ctx, doc)
			})
			continue
		}
		tasks[s.Name] = timed(s.Name, func(ctx context.Context, inputs map[string]string) (string, error) {
			prompt, err := s.Prompt(inputs)
			if err != nil {
				return "", err
			}
			return a.generate(ctx, s, prompt)
		})
	}

	results, err := pipeline.NewScheduler(a.catalog.Graph(), a.opts.Parallelism).Run(ctx, tasks)
	if err != nil {
		// the primary stage releases the document itself, but it may never
		// have been dispatched
		a.Release(ctx, doc)
		return nil, err
	}

	sess := a.sessions.Create(doc.Name, results[stages.Inference], a.downstream())
	for _, name := range a.downstream() {
		sess.Resolve(name, results[name], nil)
	}

	resp := &apimodels.AnalysisResponse{
		SessionID: sess.ID,
		Metadata: apimodels.AnalysisMetadata{
			Duration: time.Since(startTime).String(),
			Document: doc.Name,
			Stages:   durations,
		},
	}
	for _, s := range a.catalog.Stages() {
		setField(resp, s.Field, results[s.Name])
	}

	slog.Info("Analysis completed", "document", doc.Name, "session", sess.ID, "duration", resp.Metadata.Duration)
	return resp, nil
}

func setField(resp *apimodels.AnalysisResponse, field, text string) {
	switch field {
	case "inferences":
		resp.Inferences = text
	case "swotAnalysis":
		resp.SWOTAnalysis = text
	case "competitorStrategy":
		resp.CompetitorStrategy = text
	case "competitorProfile":
		resp.CompetitorProfile = text
	case "keyAnalysis":
		resp.KeyAnalysis = text
	case "summary":
		resp.Summary = text
	}
}

// Begin runs the primary stage and opens a session the streamed stages can
// read its result from.
func (a *Analyzer) Begin(ctx context.Context, doc *document.Document) (*apimodels.BeginResponse, error) {
	slog.Info("Starting analysis", "document", doc.Name, "mode", "stream")

	inferences, err := a.infer(ctx, doc)
	if err != nil {
		return nil, &pipeline.StageError{Stage: stages.Inference, Err: err}
	}

	sess := a.sessions.Create(doc.Name, inferences, a.downstream())
	slog.Info("Inferences ready", "document", doc.Name, "session", sess.ID, "chars", len(inferences))
	return &apimodels.BeginResponse{
		Message:    "File processed successfully",
		SessionID:  sess.ID,
		Inferences: inferences,
	}, nil
}

// infer runs the primary stage on doc. The document is deleted once the stage
// settles, whatever the outcome.
func (a *Analyzer) infer(ctx context.Context, doc *document.Document) (string, error) {
	defer a.Release(ctx, doc)

	stage, ok := a.catalog.Get(stages.Inference)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStage, stages.Inference)
	}

	data, err := a.docs.Load(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("loading document: %w", err)
	}

	prompt, err := stage.Prompt(nil)
	if err != nil {
		return "", err
	}
	prompt.Document = &llm.Attachment{Name: doc.Name, MIMEType: doc.MIMEType, Data: data}

	return a.generate(ctx, stage, prompt)
}

// generate makes a blocking call for stage, retrying failures other than
// quota errors and cancellation.
func (a *Analyzer) generate(ctx context.Context, stage *stages.Stage, prompt llm.Prompt) (string, error) {
	attempts := a.opts.MaxRetries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		slog.Debug("Calling model", "stage", stage.Name, "attempt", i+1)
		resp, err := a.provider.Generate(ctx, prompt, stage.Options()...)
		if err == nil && strings.TrimSpace(resp.Content) == "" {
			err = ErrEmptyResult
		}
		if errors.Is(err, llm.ErrNoContent) {
			err = fmt.Errorf("%w: %w", ErrEmptyResult, err)
		}
		if err == nil {
			return resp.Content, nil
		}
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, llm.ErrQuotaExceeded) {
			break
		}
		slog.Warn("Model call failed", "stage", stage.Name, "attempt", i+1, "error", err)
	}
	return "", lastErr
}
