package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiBackend asks Gemini for a structured JSON response.
type GeminiBackend struct {
	client *genai.Client
	config Config
	logger *zap.Logger
}

var _ domain.LLMBackend = (*GeminiBackend)(nil)

// NewGeminiBackend creates a Gemini backend using an API key.
func NewGeminiBackend(ctx context.Context, config Config, logger *zap.Logger) (*GeminiBackend, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if config.Model == "" || strings.HasPrefix(config.Model, "gpt-") {
		config.Model = defaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: config.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiBackend{client: client, config: config, logger: logger}, nil
}

// Name returns the backend name.
func (b *GeminiBackend) Name() string {
	return ProviderGemini + ":" + b.config.Model
}

// Complete generates a JSON response constrained by schema.
func (b *GeminiBackend) Complete(ctx context.Context, prompt string, schema *domain.Schema) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(float32(b.config.Temperature)),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    toGenaiSchema(schema),
	}
	if b.config.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(b.config.MaxTokens)
	}

	res, err := b.client.Models.GenerateContent(ctx, b.config.Model, contents, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyGeminiError(err)
	}

	text := res.Text()
	if text == "" {
		return "", domain.NewJudgmentError(domain.MalformedResponse, errors.New("gemini returned empty text"))
	}
	return text, nil
}

func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return domain.NewJudgmentError(domain.TransientNetwork, fmt.Errorf("gemini generate content: %w", err))
	}

	wrapped := fmt.Errorf("gemini generate content: %w", err)
	switch {
	case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden:
		return domain.NewJudgmentError(domain.Authentication, wrapped)
	case apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "api key"):
		return domain.NewJudgmentError(domain.Authentication, wrapped)
	case apiErr.Code == http.StatusTooManyRequests:
		if dailyQuota(apiErr.Message) {
			return domain.NewJudgmentError(domain.QuotaExceeded, wrapped)
		}
		return domain.NewJudgmentError(domain.RateLimit, wrapped)
	case apiErr.Code >= 500:
		return domain.NewJudgmentError(domain.TransientNetwork, wrapped)
	default:
		return domain.NewJudgmentError(domain.MalformedResponse, wrapped)
	}
}

// dailyQuota separates exhausted daily or billing quotas from per-minute limits.
func dailyQuota(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "billing") || strings.Contains(m, "per day") || strings.Contains(m, "perday")
}

// toGenaiSchema converts the backend-neutral schema to Gemini's.
func toGenaiSchema(s *domain.Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genaiType(s.Type),
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
		Items:       toGenaiSchema(s.Items),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = toGenaiSchema(v)
		}
	}
	return out
}

func genaiType(t string) genai.Type {
	switch strings.ToLower(t) {
	case "object":
		return genai.TypeObject
	case "array":
		return genai.TypeArray
	case "string":
		return genai.TypeString
	case "boolean":
		return genai.TypeBoolean
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	}
	return genai.TypeUnspecified
}
