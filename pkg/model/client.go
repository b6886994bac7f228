package model

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/axAilotl/companion-keeper/pkg/tokens"
)

const (
	defaultMaxAttempts = 6
	maxBackoff         = 45 * time.Second
)

// ClientOptions tunes request behavior across providers.
type ClientOptions struct {
	Temperature float64
	MaxTokens   int
	// MaxAttempts bounds retries for transient failures. Zero means the
	// default of 6.
	MaxAttempts int
	// RequestsPerSecond throttles outgoing calls. Zero means unthrottled.
	RequestsPerSecond float64
}

// Client wraps a Provider with the request policy shared by every pipeline
// stage: retry with capped exponential backoff on transient failures, an
// optional client-side rate limit, and JSON response handling.
type Client struct {
	provider    Provider
	model       string
	temperature float64
	maxTokens   int
	maxAttempts int
	limiter     *rate.Limiter

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds a client bound to one provider and model.
func NewClient(provider Provider, modelID string, opts ClientOptions) *Client {
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &Client{
		provider:    provider,
		model:       modelID,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		maxAttempts: attempts,
		limiter:     limiter,
		sleep:       sleepCtx,
	}
}

// Model returns the bound model ID.
func (c *Client) Model() string { return c.model }

// Provider returns the underlying provider.
func (c *Client) Provider() Provider { return c.provider }

// Complete sends a chat completion and returns the text response.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.completeWithRetry(ctx, ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// CompleteJSON sends a chat completion in JSON mode and parses the result.
// Returns the parsed object alongside the raw text for diagnostics.
func (c *Client) CompleteJSON(ctx context.Context, messages []Message) (map[string]any, string, error) {
	resp, err := c.completeWithRetry(ctx, ChatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return nil, "", err
	}
	return ExtractJSONObject(resp.Content), resp.Content, nil
}

func (c *Client) completeWithRetry(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		resp, err := c.provider.ChatCompletion(ctx, req)
		if err == nil {
			return resp, nil
		}
		if attempt >= c.maxAttempts || !IsRetryableError(err) {
			return nil, err
		}
		if sleepErr := c.sleep(ctx, backoffDelay(attempt, err)); sleepErr != nil {
			return nil, sleepErr
		}
	}
}

// backoffDelay grows exponentially with jitter, capped at 45s. A server
// Retry-After hint wins when it asks for longer.
func backoffDelay(attempt int, err error) time.Duration {
	seconds := math.Pow(2, float64(attempt-1)) + rand.Float64()
	delay := time.Duration(seconds * float64(time.Second))
	if delay > maxBackoff {
		delay = maxBackoff
	}
	if apiErr, ok := err.(*APIError); ok && apiErr.RetryAfter > delay {
		delay = apiErr.RetryAfter
		if delay > maxBackoff {
			delay = maxBackoff
		}
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ResolveContextWindow picks the model's context window: an explicit
// positive override wins, then provider catalog metadata, then the
// name-based heuristic.
func (c *Client) ResolveContextWindow(ctx context.Context, explicit int) int {
	if explicit > 0 {
		return explicit
	}
	if info, err := c.provider.GetModelInfo(ctx, c.model); err == nil && info.ContextLength > 0 {
		return info.ContextLength
	}
	return tokens.InferContextWindow(c.model)
}
