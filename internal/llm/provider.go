package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sozercan/finsight/internal/config"
)

// New builds the configured provider, wrapped with the configured rate limit.
func New(ctx context.Context, cfg *config.Config) (Provider, error) {
	var (
		p   Provider
		err error
	)

	switch cfg.LLM.Provider {
	case config.ProviderGemini:
		p, err = NewGemini(ctx, cfg.Gemini.APIKey,
			WithGeminiModel(cfg.LLM.Model),
			WithFilePolling(cfg.LLM.FilePollInterval, cfg.LLM.FileTimeout),
		)
	case config.ProviderOpenAI, config.ProviderAzure:
		p, err = NewOpenAI(cfg.LLM.Provider, &cfg.OpenAI, cfg.LLM.Model)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("LLM provider ready", "provider", cfg.LLM.Provider, "model_override", cfg.LLM.Model, "rate_limit", cfg.LLM.RateLimit)
	return WithRateLimit(p, cfg.LLM.RateLimit, cfg.LLM.Burst), nil
}
