// Package llm implements judgment backends: an OpenAI-compatible chat
// completions client and a Gemini client.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config selects and configures a backend.
type Config struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// DefaultConfig returns the default backend settings.
func DefaultConfig() Config {
	return Config{
		Provider:    ProviderOpenAI,
		BaseURL:     "https://api.openai.com/v1",
		Model:       "gpt-4o-mini",
		Timeout:     30 * time.Second,
		Temperature: 0.2,
		MaxTokens:   1024,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	MaxTokens      int               `json:"max_tokens,omitempty"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

const systemPrompt = "You are a focus supervisor. Answer with a single JSON object and nothing else."

// OpenAIBackend talks to any OpenAI-compatible /chat/completions endpoint.
type OpenAIBackend struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

var _ domain.LLMBackend = (*OpenAIBackend)(nil)

// NewOpenAIBackend creates an OpenAI-compatible backend.
func NewOpenAIBackend(config Config, logger *zap.Logger) *OpenAIBackend {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &OpenAIBackend{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

// Name returns the backend name.
func (b *OpenAIBackend) Name() string {
	return ProviderOpenAI + ":" + b.config.Model
}

// Complete sends the prompt and returns the raw message content.
// The schema is embedded in the prompt; JSON mode is requested so the
// server rejects non-JSON output where supported.
func (b *OpenAIBackend) Complete(ctx context.Context, prompt string, _ *domain.Schema) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: b.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:      b.config.MaxTokens,
		Temperature:    b.config.Temperature,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := strings.TrimRight(b.config.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.config.APIKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", domain.NewJudgmentError(domain.TransientNetwork, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", domain.NewJudgmentError(domain.TransientNetwork, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTPError(resp, respBody)
	}

	var chat chatResponse
	if err := json.Unmarshal(respBody, &chat); err != nil {
		return "", domain.NewJudgmentError(domain.MalformedResponse, fmt.Errorf("failed to parse response: %w", err))
	}
	if chat.Error != nil {
		return "", domain.NewJudgmentError(domain.TransientNetwork, errors.New(chat.Error.Message))
	}
	if len(chat.Choices) == 0 {
		return "", domain.NewJudgmentError(domain.MalformedResponse, errors.New("no choices in response"))
	}
	if chat.Choices[0].FinishReason == "length" {
		b.logger.Warn("judgment response truncated", zap.Int("max_tokens", b.config.MaxTokens))
	}
	return chat.Choices[0].Message.Content, nil
}

// classifyHTTPError maps a non-200 response onto the judgment error taxonomy.
func classifyHTTPError(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var wrapped struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Error != nil && wrapped.Error.Message != "" {
		msg = wrapped.Error.Message
		if wrapped.Error.Type != "" {
			msg = wrapped.Error.Type + ": " + msg
		}
	}
	err := fmt.Errorf("status %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.NewJudgmentError(domain.Authentication, err)
	case resp.StatusCode == http.StatusTooManyRequests:
		if mentionsQuota(msg) {
			return domain.NewJudgmentError(domain.QuotaExceeded, err)
		}
		je := domain.NewJudgmentError(domain.RateLimit, err)
		je.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return je
	case resp.StatusCode == http.StatusPaymentRequired:
		return domain.NewJudgmentError(domain.QuotaExceeded, err)
	case resp.StatusCode >= 500:
		return domain.NewJudgmentError(domain.TransientNetwork, err)
	default:
		// 4xx other than the above: the request or response was unusable
		return domain.NewJudgmentError(domain.MalformedResponse, err)
	}
}

func mentionsQuota(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "insufficient_quota") || strings.Contains(m, "quota")
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
