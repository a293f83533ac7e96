package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// NewBackend builds the backend named by config.Provider.
func NewBackend(ctx context.Context, config Config, logger *zap.Logger) (domain.LLMBackend, error) {
	switch strings.ToLower(strings.TrimSpace(config.Provider)) {
	case "", ProviderOpenAI:
		if config.APIKey == "" {
			logger.Warn("no API key configured for judgment backend", zap.String("base_url", config.BaseURL))
		}
		return NewOpenAIBackend(config, logger), nil
	case ProviderGemini:
		return NewGeminiBackend(ctx, config, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", config.Provider)
	}
}
