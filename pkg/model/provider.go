package model

import (
	"context"
	"fmt"
	"strings"
)

// ProviderChoices lists the supported provider IDs.
var ProviderChoices = []string{"ollama", "openai", "openrouter", "anthropic"}

// Provider defines the behavior required for an LLM backend/provider.
type Provider interface {
	ID() string
	FetchCatalog(ctx context.Context) (*ModelCatalog, error)
	GetModelInfo(ctx context.Context, modelID string) (*ModelInfo, error)
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ProviderOptions carries cross-provider construction knobs.
type ProviderOptions struct {
	APIKey  string
	BaseURL string
	SiteURL string // openrouter attribution header
	AppName string // openrouter attribution header
	// NetworkLogDir enables request/response logging when non-empty.
	NetworkLogDir string
}

// DefaultBaseURL returns the provider's default API base, or the trimmed
// override when one is given.
func DefaultBaseURL(providerID, override string) string {
	if o := strings.TrimSpace(override); o != "" {
		return strings.TrimRight(o, "/")
	}
	switch strings.TrimSpace(providerID) {
	case "ollama":
		return "http://127.0.0.1:11434"
	case "openai":
		return "https://api.openai.com"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "anthropic":
		return "https://api.anthropic.com"
	}
	return ""
}

// NewProvider builds a provider by ID.
func NewProvider(providerID string, opts ProviderOptions) (Provider, error) {
	id := strings.ToLower(strings.TrimSpace(providerID))
	base := DefaultBaseURL(id, opts.BaseURL)
	switch id {
	case "openai", "openrouter":
		return newOpenAIProvider(id, base, opts), nil
	case "anthropic":
		return newAnthropicProvider(base, opts), nil
	case "ollama":
		return newOllamaProvider(base, opts), nil
	}
	return nil, fmt.Errorf("unsupported provider: %s", providerID)
}
