package llm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	DefaultGeminiModel      = "gemini-2.0-flash"
	DefaultFilePollInterval = 10 * time.Second
	DefaultFileTimeout      = 5 * time.Minute
)

// Gemini implements Provider on the Google Gen AI SDK. Attached documents go
// through the Files API and are deleted once the call settles.
type Gemini struct {
	client       *genai.Client
	model        string
	pollInterval time.Duration
	fileTimeout  time.Duration
}

// GeminiOption configures the client
type GeminiOption func(*Gemini)

// WithGeminiModel forces one model for every call, ignoring per-call options.
func WithGeminiModel(model string) GeminiOption {
	return func(g *Gemini) {
		g.model = model
	}
}

// WithFilePolling sets how often and for how long uploaded files are polled
// until the service reports them active.
func WithFilePolling(interval, timeout time.Duration) GeminiOption {
	return func(g *Gemini) {
		if interval > 0 {
			g.pollInterval = interval
		}
		if timeout > 0 {
			g.fileTimeout = timeout
		}
	}
}

func NewGemini(ctx context.Context, apiKey string, opts ...GeminiOption) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	g := &Gemini{
		client:       client,
		pollInterval: DefaultFilePollInterval,
		fileTimeout:  DefaultFileTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Gemini) Generate(ctx context.Context, prompt Prompt, opts ...Option) (*Response, error) {
	model, contents, cfg, release, err := g.prepare(ctx, prompt, opts...)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, classifyGeminiError(fmt.Errorf("failed to generate content: %w", err))
	}

	text := responseText(result)
	if text == "" {
		return nil, ErrNoContent
	}

	resp := &Response{Content: text}
	if u := result.UsageMetadata; u != nil {
		resp.Usage = Usage{
			PromptTokens:     int64(u.PromptTokenCount),
			CompletionTokens: int64(u.CandidatesTokenCount),
			TotalTokens:      int64(u.TotalTokenCount),
		}
	}
	return resp, nil
}

func (g *Gemini) Stream(ctx context.Context, prompt Prompt, opts ...Option) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		model, contents, cfg, release, err := g.prepare(ctx, prompt, opts...)
		if err != nil {
			yield("", err)
			return
		}
		defer release()

		for result, err := range g.client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				yield("", classifyGeminiError(fmt.Errorf("failed to stream content: %w", err)))
				return
			}
			text := responseText(result)
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

func (g *Gemini) prepare(ctx context.Context, prompt Prompt, opts ...Option) (string, []*genai.Content, *genai.GenerateContentConfig, func(), error) {
	options := Apply(Options{Model: DefaultGeminiModel, Temperature: 1, TopP: 0.95, TopK: 40, MaxTokens: 8192}, opts...)
	model := options.Model
	if g.model != "" {
		model = g.model
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(options.Temperature)),
		TopP:             genai.Ptr(float32(options.TopP)),
		TopK:             genai.Ptr(float32(options.TopK)),
		MaxOutputTokens:  int32(options.MaxTokens),
		ResponseMIMEType: "text/plain",
	}
	if prompt.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}

	release := func() {}
	var parts []*genai.Part
	if prompt.Document != nil {
		file, err := g.upload(ctx, prompt.Document)
		if err != nil {
			return "", nil, nil, release, err
		}
		release = func() { g.deleteFile(ctx, file.Name) }
		parts = append(parts, genai.NewPartFromURI(file.URI, file.MIMEType))
	}
	if prompt.Context != "" {
		parts = append(parts, genai.NewPartFromText(prompt.Context))
	}

	var contents []*genai.Content
	if len(parts) > 0 {
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	contents = append(contents, genai.NewContentFromText(prompt.Instruction, genai.RoleUser))

	return model, contents, cfg, release, nil
}

// upload sends the document to the Files API and waits until it is usable.
func (g *Gemini) upload(ctx context.Context, doc *Attachment) (*genai.File, error) {
	file, err := g.client.Files.Upload(ctx, bytes.NewReader(doc.Data), &genai.UploadFileConfig{
		MIMEType:    doc.MIMEType,
		DisplayName: doc.Name,
	})
	if err != nil {
		return nil, classifyGeminiError(fmt.Errorf("failed to upload document: %w", err))
	}
	slog.Info("Uploaded document", "display_name", doc.Name, "file", file.Name)

	if err := g.waitActive(ctx, file); err != nil {
		g.deleteFile(ctx, file.Name)
		return nil, err
	}
	return file, nil
}

func (g *Gemini) waitActive(ctx context.Context, file *genai.File) error {
	ctx, cancel := context.WithTimeout(ctx, g.fileTimeout)
	defer cancel()

	for file.State == genai.FileStateProcessing {
		slog.Debug("Waiting for file processing", "file", file.Name)
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for file %s: %w", file.Name, ctx.Err())
		case <-time.After(g.pollInterval):
		}

		latest, err := g.client.Files.Get(ctx, file.Name, nil)
		if err != nil {
			return classifyGeminiError(fmt.Errorf("failed to get file %s: %w", file.Name, err))
		}
		*file = *latest
	}

	if file.State != genai.FileStateActive {
		return fmt.Errorf("file %s failed to process: state %s", file.Name, file.State)
	}
	return nil
}

func (g *Gemini) deleteFile(ctx context.Context, name string) {
	if _, err := g.client.Files.Delete(context.WithoutCancel(ctx), name, nil); err != nil {
		slog.Error("Failed to delete uploaded file", "file", name, "error", err)
		return
	}
	slog.Debug("Deleted uploaded file", "file", name)
}

// responseText concatenates the answer parts of the first candidate, skipping
// thought summaries.
func responseText(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
