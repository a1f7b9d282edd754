package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/azure"
	"github.com/openai/openai-go/option"

	"github.com/sozercan/finsight/internal/config"
)

// OpenAI client implementation. Documents are sent as extracted text since
// chat completions do not take file references.
type OpenAI struct {
	client *openai.Client
	cfg    *config.OpenAIConfig
	model  string
}

func NewOpenAI(provider string, cfg *config.OpenAIConfig, model string, extra ...option.RequestOption) (*OpenAI, error) {
	var opts []option.RequestOption

	switch provider {
	case config.ProviderAzure:
		opts = append(opts,
			azure.WithEndpoint(cfg.APIEndpoint, cfg.APIVersion),
			azure.WithAPIKey(cfg.APIKey),
		)
	default: // "openai"
		opts = append(opts,
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.APIEndpoint),
		)
	}
	client := openai.NewClient(append(opts, extra...)...)

	return &OpenAI{
		client: client,
		cfg:    cfg,
		model:  model,
	}, nil
}

func (o *OpenAI) params(prompt Prompt, opts ...Option) (openai.ChatCompletionNewParams, error) {
	options := Apply(Options{
		Model:       o.model,
		Temperature: 1,
		MaxTokens:   8192,
	}, opts...)
	// Stage catalogs name Gemini models; the configured model always wins here.
	if o.model != "" {
		options.Model = o.model
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(prompt.System),
	}
	if prompt.Document != nil {
		text, err := DocumentText(prompt.Document)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, openai.UserMessage(fmt.Sprintf("Document %s:\n\n%s", prompt.Document.Name, text)))
	}
	if prompt.Context != "" {
		messages = append(messages, openai.UserMessage(prompt.Context))
	}
	messages = append(messages, openai.UserMessage(prompt.Instruction))

	params := openai.ChatCompletionNewParams{
		Model:       openai.F(options.Model),
		Messages:    openai.F(messages),
		Temperature: openai.F(options.Temperature),
		MaxTokens:   openai.F(options.MaxTokens),
	}
	if options.TopP > 0 {
		params.TopP = openai.F(options.TopP)
	}
	return params, nil
}

func (o *OpenAI) Generate(ctx context.Context, prompt Prompt, opts ...Option) (*Response, error) {
	params, err := o.params(prompt, opts...)
	if err != nil {
		return nil, err
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	response := &Response{
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, ErrNoContent
	}
	response.Content = resp.Choices[0].Message.Content

	return response, nil
}

func (o *OpenAI) Stream(ctx context.Context, prompt Prompt, opts ...Option) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		params, err := o.params(prompt, opts...)
		if err != nil {
			yield("", err)
			return
		}

		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		defer func() {
			if err := stream.Close(); err != nil {
				slog.Debug("closing openai stream", "error", err)
			}
		}()

		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield("", classifyOpenAIError(err))
		}
	}
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}
