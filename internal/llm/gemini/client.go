// Package gemini implements llm.Client on the Google Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	qaerrors "github.com/PentesterFlow/qadocgen/internal/errors"
	"github.com/PentesterFlow/qadocgen/internal/llm"
	"github.com/PentesterFlow/qadocgen/internal/logger"
)

const defaultModel = "gemini-2.5-flash"

// Config holds configuration for the Gemini client.
type Config struct {
	APIKey            string
	Model             string
	Timeout           time.Duration
	RequestsPerMinute int
	// BaseURL overrides the API endpoint.
	BaseURL string

	Retry   qaerrors.RetryConfig
	Circuit qaerrors.CircuitBreakerConfig
}

// DefaultConfig returns the defaults used when fields are zero.
func DefaultConfig() Config {
	return Config{
		Model:             defaultModel,
		Timeout:           60 * time.Second,
		RequestsPerMinute: 60,
		Retry:             qaerrors.DefaultRetryConfig(),
		Circuit:           qaerrors.DefaultCircuitBreakerConfig(),
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return qaerrors.NewConfigurationError("LLM_API_KEY", "gemini API key is required")
	}
	return nil
}

// Client implements llm.Client with throttling, a circuit breaker and
// retries around each call.
type Client struct {
	client  *genai.Client
	model   string
	timeout time.Duration

	limiter *rate.Limiter
	breaker *qaerrors.CircuitBreaker
	retrier *qaerrors.Retrier
	logger  *logger.Logger
}

// New creates a Gemini client.
func New(ctx context.Context, config Config, log *logger.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultConfig()
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if config.Retry.InitialDelay == 0 && config.Retry.MaxRetries == 0 {
		config.Retry = defaults.Retry
	}
	if config.Circuit.FailureThreshold == 0 {
		config.Circuit = defaults.Circuit
	}

	cc := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		cc.HTTPOptions.BaseURL = config.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	log = logger.OrNop(log).WithComponent("gemini")
	breaker := qaerrors.NewCircuitBreaker(config.Circuit)
	breaker.OnStateChange(func(from, to qaerrors.CircuitState) {
		log.Warnf("circuit breaker %s -> %s", from, to)
	})

	perRequest := time.Minute / time.Duration(config.RequestsPerMinute)
	return &Client{
		client:  client,
		model:   config.Model,
		timeout: config.Timeout,
		limiter: rate.NewLimiter(rate.Every(perRequest), 1),
		breaker: breaker,
		retrier: qaerrors.NewRetrier(config.Retry),
		logger:  log,
	}, nil
}

// Generate implements llm.Client.
func (c *Client) Generate(ctx context.Context, req llm.Request) (string, error) {
	text, result := qaerrors.DoWithResult(ctx, c.retrier, "generate", func(ctx context.Context) (string, error) {
		var text string
		err := c.breaker.Execute(func() error {
			var err error
			text, err = c.generate(ctx, req)
			return err
		}, countable)
		if errors.Is(err, qaerrors.ErrCircuitOpen) {
			return "", qaerrors.NewSynthesisError("generate", "model unavailable", err)
		}
		return text, err
	})
	if !result.Success {
		return "", result.LastError
	}
	if result.Attempts > 1 {
		c.logger.Debugf("model call succeeded after %d attempts", result.Attempts)
	}
	return text, nil
}

func (c *Client) generate(ctx context.Context, req llm.Request) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", qaerrors.Categorize(err, "")
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.Prompt), config)
	if err != nil {
		c.logger.WithError(err).Warn("gemini API call failed")
		return "", classify(err)
	}

	text := result.Text()
	if text == "" {
		return "", qaerrors.NewSynthesisError("generate", "empty reply", llm.ErrEmptyResponse)
	}
	return text, nil
}

// countable reports whether err reflects service health. Caller mistakes
// and cancellations do not trip the breaker.
func countable(err error) bool {
	switch qaerrors.GetErrorType(err) {
	case qaerrors.Cancelled, qaerrors.Configuration:
		return false
	}
	return true
}

// classify maps a transport error onto the error taxonomy so the retrier
// can tell transient failures from permanent ones.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return qaerrors.Categorize(err, "")
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "429", "rate limit", "quota", "resource_exhausted"):
		return qaerrors.New(qaerrors.RateLimit, "", "generate", "model rate limited", err)
	case containsAny(msg, "500", "502", "503", "504", "unavailable", "timeout"):
		return qaerrors.New(qaerrors.Timeout, "", "generate", "model temporarily unavailable", err)
	case containsAny(msg, "api key", "permission", "401", "403"):
		return qaerrors.New(qaerrors.Configuration, "", "generate", "model credentials rejected", err)
	}
	return qaerrors.NewSynthesisError("generate", "model call failed", err)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// BreakerStats reports the circuit breaker state.
func (c *Client) BreakerStats() qaerrors.CircuitBreakerStats {
	return c.breaker.Stats()
}

// Close implements llm.Client. genai.Client holds no resources.
func (c *Client) Close() error {
	return nil
}
