// Package judgment asks an LLM backend whether the current activity is a
// distraction and turns its answer into a validated Judgment.
package judgment

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focusguard/internal/domain"
)

// Config holds retry and option-policy settings.
type Config struct {
	MaxAttempts         int           `yaml:"max_attempts"`
	BaseDelay           time.Duration `yaml:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	RateLimitMultiplier int           `yaml:"rate_limit_multiplier"`

	SnoozeTrustThreshold    int `yaml:"snooze_trust_threshold"`
	SnoozeMaxMinutes        int `yaml:"snooze_max_minutes"`
	WhitelistTrustThreshold int `yaml:"whitelist_trust_threshold"`
}

// DefaultConfig returns the default judgment settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:             3,
		BaseDelay:               time.Second,
		MaxDelay:                30 * time.Second,
		RateLimitMultiplier:     4,
		SnoozeTrustThreshold:    60,
		SnoozeMaxMinutes:        5,
		WhitelistTrustThreshold: 70,
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Client obtains judgments from an LLM backend.
type Client struct {
	backend domain.LLMBackend
	config  Config
	logger  *zap.Logger
	sleep   Sleeper

	mu       sync.Mutex
	fatalErr error
}

// NewClient creates a judgment client.
func NewClient(backend domain.LLMBackend, config Config, logger *zap.Logger) *Client {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultConfig().BaseDelay
	}
	if config.RateLimitMultiplier <= 0 {
		config.RateLimitMultiplier = DefaultConfig().RateLimitMultiplier
	}
	return &Client{
		backend: backend,
		config:  config,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// WithSleeper replaces the backoff sleeper (for testing).
func (c *Client) WithSleeper(s Sleeper) *Client {
	c.sleep = s
	return c
}

// Config returns the client's settings.
func (c *Client) Config() Config {
	return c.config
}

// Available reports whether the judgment path is still usable this session.
func (c *Client) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatalErr == nil
}

// Judge asks the backend for a judgment. Retryable failures are retried with
// exponential backoff; when attempts run out the safe default is returned
// with a nil error. Authentication and quota failures are returned as errors
// and disable the client for the rest of the session.
func (c *Client) Judge(ctx context.Context, req Request) (domain.Judgment, error) {
	c.mu.Lock()
	fatal := c.fatalErr
	c.mu.Unlock()
	if fatal != nil {
		return SafeDefault(), fatal
	}

	prompt, err := BuildPrompt(req)
	if err != nil {
		return SafeDefault(), err
	}
	schema := ResponseSchema()

	var lastErr error
	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		j, err := c.attempt(ctx, prompt, schema)
		if err == nil {
			return ApplyOptionPolicy(j, req.Profile.TrustScore, c.config), nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return SafeDefault(), ctxErr
		}
		if domain.IsFatalJudgmentError(err) {
			c.mu.Lock()
			c.fatalErr = err
			c.mu.Unlock()
			c.logger.Error("judgment backend rejected credentials or quota, disabling judgment",
				zap.String("backend", c.backend.Name()),
				zap.Error(err))
			return SafeDefault(), err
		}
		lastErr = err
		if attempt == c.config.MaxAttempts {
			break
		}

		delay := c.backoff(attempt, err)
		c.logger.Warn("judgment attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("kind", string(domain.JudgmentErrorKindOf(err))),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return SafeDefault(), err
		}
	}

	c.logger.Warn("judgment unavailable, using safe default",
		zap.Int("attempts", c.config.MaxAttempts),
		zap.Error(lastErr))
	return SafeDefault(), nil
}

func (c *Client) attempt(ctx context.Context, prompt string, schema *domain.Schema) (domain.Judgment, error) {
	raw, err := c.backend.Complete(ctx, prompt, schema)
	if err != nil {
		return domain.Judgment{}, err
	}
	return Parse(raw)
}

// backoff returns BaseDelay * 2^(attempt-1), stretched for rate limits and
// never shorter than a server-provided Retry-After.
func (c *Client) backoff(attempt int, err error) time.Duration {
	delay := c.config.BaseDelay << (attempt - 1)

	var je *domain.JudgmentError
	if errors.As(err, &je) && je.Kind == domain.RateLimit {
		delay *= time.Duration(c.config.RateLimitMultiplier)
		if je.RetryAfter > delay {
			delay = je.RetryAfter
		}
	}
	if c.config.MaxDelay > 0 && delay > c.config.MaxDelay {
		delay = c.config.MaxDelay
	}
	return delay
}
