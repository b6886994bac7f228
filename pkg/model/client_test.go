package model

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns canned responses or errors in order.
type scriptedProvider struct {
	id        string
	responses []*ChatResponse
	errs      []error
	calls     int
	info      ModelInfo
	infoErr   error
}

func (p *scriptedProvider) ID() string { return p.id }

func (p *scriptedProvider) FetchCatalog(ctx context.Context) (*ModelCatalog, error) {
	return &ModelCatalog{Data: []ModelInfo{p.info}}, nil
}

func (p *scriptedProvider) GetModelInfo(ctx context.Context, modelID string) (*ModelInfo, error) {
	if p.infoErr != nil {
		return nil, p.infoErr
	}
	return &p.info, nil
}

func (p *scriptedProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i < len(p.responses) {
		return p.responses[i], nil
	}
	return &ChatResponse{Content: "ok"}, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestCompleteRetriesTransientErrors(t *testing.T) {
	provider := &scriptedProvider{
		id: "test",
		errs: []error{
			&APIError{StatusCode: 429, Message: "rate limited", Retryable: true},
			&APIError{StatusCode: 503, Message: "overloaded", Retryable: true},
			nil,
		},
		responses: []*ChatResponse{nil, nil, {Content: "finally"}},
	}
	client := NewClient(provider, "test-model", ClientOptions{})
	client.sleep = noSleep

	out, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "finally", out)
	assert.Equal(t, 3, provider.calls)
}

func TestCompleteStopsOnNonRetryable(t *testing.T) {
	provider := &scriptedProvider{
		id:   "test",
		errs: []error{&APIError{StatusCode: 401, Message: "bad key", Retryable: false}},
	}
	client := NewClient(provider, "test-model", ClientOptions{})
	client.sleep = noSleep

	_, err := client.Complete(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 1, provider.calls)
}

func TestCompleteExhaustsAttempts(t *testing.T) {
	transient := &APIError{StatusCode: 503, Message: "unavailable", Retryable: true}
	provider := &scriptedProvider{
		id:   "test",
		errs: []error{transient, transient, transient, transient, transient, transient, transient},
	}
	client := NewClient(provider, "test-model", ClientOptions{MaxAttempts: 3})
	client.sleep = noSleep

	_, err := client.Complete(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 3, provider.calls)
}

func TestCompleteJSONParsesLooseOutput(t *testing.T) {
	provider := &scriptedProvider{
		id:        "test",
		responses: []*ChatResponse{{Content: "```json\n{\"name\": \"Ada\"}\n```"}},
	}
	client := NewClient(provider, "test-model", ClientOptions{})
	client.sleep = noSleep

	payload, raw, err := client.CompleteJSON(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Ada", payload["name"])
	assert.Contains(t, raw, "Ada")
}

func TestBackoffDelay(t *testing.T) {
	// Exponential base with jitter in [0, 1).
	d := backoffDelay(1, errors.New("timeout"))
	assert.GreaterOrEqual(t, d, 1*time.Second)
	assert.Less(t, d, 2*time.Second+time.Second)

	// Large attempts cap at the maximum.
	assert.Equal(t, maxBackoff, backoffDelay(12, errors.New("timeout")))

	// A longer Retry-After hint wins.
	hinted := &APIError{StatusCode: 429, Retryable: true, RetryAfter: 30 * time.Second}
	assert.Equal(t, 30*time.Second, backoffDelay(1, hinted))

	// But never beyond the cap.
	hinted.RetryAfter = 2 * time.Minute
	assert.Equal(t, maxBackoff, backoffDelay(1, hinted))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(&APIError{StatusCode: 429, Retryable: true}))
	assert.False(t, IsRetryableError(&APIError{StatusCode: 400, Retryable: false}))
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection reset by peer")))
	assert.True(t, IsRetryableError(errors.New("request timed out")))
	assert.True(t, IsRetryableError(errors.New("HTTP 502 bad gateway")))
	assert.False(t, IsRetryableError(errors.New("invalid api key")))
}

func TestResolveContextWindow(t *testing.T) {
	provider := &scriptedProvider{id: "test", info: ModelInfo{ID: "test-model", ContextLength: 65536}}
	client := NewClient(provider, "test-model", ClientOptions{})

	// Explicit override wins.
	assert.Equal(t, 9000, client.ResolveContextWindow(context.Background(), 9000))

	// Catalog metadata next.
	assert.Equal(t, 65536, client.ResolveContextWindow(context.Background(), 0))

	// Name heuristic when the catalog fails.
	provider.infoErr = errors.New("not found")
	heuristic := NewClient(provider, "gpt-4o", ClientOptions{})
	assert.Equal(t, 128000, heuristic.ResolveContextWindow(context.Background(), 0))
}

func TestAPIError(t *testing.T) {
	err := &APIError{StatusCode: 429, Message: "slow down"}
	assert.Equal(t, "HTTP 429: slow down", err.Error())
	assert.True(t, err.IsRateLimitError())
	assert.False(t, (&APIError{StatusCode: 500}).IsRateLimitError())
}
