package llm

import (
	"context"
	"errors"
	"iter"
)

// ErrQuotaExceeded indicates the provider rejected a call with a quota or
// rate limit error (HTTP 429 or similar).
var ErrQuotaExceeded = errors.New("llm quota exceeded")

// ErrNoContent is returned when the model produced no text at all.
var ErrNoContent = errors.New("no content generated")

// Provider is the generative inference capability the analyzer depends on.
type Provider interface {
	// Generate blocks until the model has produced the complete answer.
	Generate(ctx context.Context, prompt Prompt, opts ...Option) (*Response, error)
	// Stream yields text fragments in generation order. Iteration stops at
	// the first error, which is yielded with an empty fragment.
	Stream(ctx context.Context, prompt Prompt, opts ...Option) iter.Seq2[string, error]
}

// Prompt is one stage request: a system instruction, an optional prior user
// turn carrying upstream context, an optional attached document, and the
// instruction the model answers.
type Prompt struct {
	// Name identifies the stage issuing the prompt; used for logging only.
	Name        string
	System      string
	Context     string
	Instruction string
	Document    *Attachment
}

// Attachment is a document sent alongside a prompt.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

type Option func(*Options)

type Options struct {
	Model       string
	MaxTokens   int64
	Temperature float64
	TopP        float64
	TopK        float64
}

func WithModel(model string) Option {
	return func(o *Options) {
		if model != "" {
			o.Model = model
		}
	}
}

func WithTemperature(t float64) Option {
	return func(o *Options) { o.Temperature = t }
}

func WithTopP(p float64) Option {
	return func(o *Options) { o.TopP = p }
}

func WithTopK(k float64) Option {
	return func(o *Options) { o.TopK = k }
}

func WithMaxTokens(n int64) Option {
	return func(o *Options) { o.MaxTokens = n }
}

// Apply builds Options from defaults and opts.
func Apply(defaults Options, opts ...Option) Options {
	o := defaults
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type Response struct {
	Content string
	Usage   Usage
}

// Collect drains a fragment sequence into a single string.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var text []byte
	for fragment, err := range seq {
		if err != nil {
			return string(text), err
		}
		text = append(text, fragment...)
	}
	return string(text), nil
}
