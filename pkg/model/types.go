package model

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a chat message
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// ChatRequest represents a request to a chat completion API
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	JSONMode    bool      `json:"-"` // ask the provider for a JSON object response
}

// ChatResponse is the text result of a chat completion
type ChatResponse struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
}

// ModelCatalog is a provider's list of available models
type ModelCatalog struct {
	Data []ModelInfo `json:"data"`
}

// ModelInfo represents information about a model
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
}

// Lookup finds a model by exact ID.
func (c *ModelCatalog) Lookup(modelID string) (*ModelInfo, bool) {
	if c == nil {
		return nil, false
	}
	for i := range c.Data {
		if c.Data[i].ID == modelID {
			return &c.Data[i], true
		}
	}
	return nil, false
}

// APIError represents an error from a provider API
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimitError returns true if this is a rate limit error
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == 429
}

var retryableStatusCodes = map[int]bool{
	429: true,
	502: true,
	503: true,
	504: true,
}

var retryMarkers = []string{
	"429", "503", "504", "502",
	"too many requests", "rate limit", "overloaded",
	"engine is currently overloaded", "temporarily unavailable",
	"service unavailable", "timeout", "timed out",
	"connection reset", "try again later",
}

// IsRetryableError classifies transient failures worth another attempt.
// Typed API errors carry the classification directly; everything else is
// matched against known transient-failure markers.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := err.(*APIError); ok {
		return apiErr.Retryable
	}
	text := strings.ToLower(err.Error())
	for _, marker := range retryMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
