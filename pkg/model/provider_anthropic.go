package model

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// defaultAnthropicMaxTokens bounds responses when the caller doesn't set
// one; the messages API requires max_tokens.
const defaultAnthropicMaxTokens = 4000

// AnthropicProvider speaks the Anthropic messages API.
type AnthropicProvider struct {
	baseURL string
	opts    ProviderOptions
	client  *http.Client
}

func newAnthropicProvider(baseURL string, opts ProviderOptions) *AnthropicProvider {
	return &AnthropicProvider{
		baseURL: baseURL,
		opts:    opts,
		client:  newHTTPClient(opts, 0),
	}
}

// ID returns the provider identifier.
func (p *AnthropicProvider) ID() string { return "anthropic" }

// SetTimeout adjusts the underlying HTTP client timeout.
func (p *AnthropicProvider) SetTimeout(timeout time.Duration) {
	p.client.Timeout = timeout
}

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.opts.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

// convertMessages splits system turns into the top-level system prompt and
// maps the rest onto user/assistant text blocks.
func convertMessages(messages []Message) (string, []map[string]any) {
	var systemChunks []string
	var converted []map[string]any
	for _, m := range messages {
		if m.Role == "system" {
			systemChunks = append(systemChunks, m.Content)
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "assistant"
		}
		converted = append(converted, map[string]any{
			"role":    role,
			"content": []map[string]any{{"type": "text", "text": m.Content}},
		})
	}
	return strings.TrimSpace(strings.Join(systemChunks, "\n\n")), converted
}

// ChatCompletion sends a messages request and joins the text blocks of the
// response. JSON mode has no wire-level switch here; prompts carry the
// formatting instruction instead.
func (p *AnthropicProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	system, converted := convertMessages(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	payload := map[string]any{
		"model":       req.Model,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
		"system":      system,
		"messages":    converted,
	}

	data, err := postJSON(ctx, p.client, p.baseURL+"/v1/messages", p.headers(), payload)
	if err != nil {
		return nil, err
	}

	var texts []string
	for _, block := range asSlice(data["content"]) {
		b := asMap(block)
		if asString(b["type"]) == "text" {
			texts = append(texts, asString(b["text"]))
		}
	}
	return &ChatResponse{
		Content: strings.TrimSpace(strings.Join(texts, "\n")),
		Model:   req.Model,
	}, nil
}

// FetchCatalog lists available models.
func (p *AnthropicProvider) FetchCatalog(ctx context.Context) (*ModelCatalog, error) {
	data, err := getJSON(ctx, p.client, p.baseURL+"/v1/models", p.headers())
	if err != nil {
		return nil, err
	}
	catalog := &ModelCatalog{}
	for _, item := range asSlice(data["data"]) {
		entry := asMap(item)
		id := strings.TrimSpace(asString(entry["id"]))
		if id == "" {
			continue
		}
		window := asInt(entry["context_window"])
		if window == 0 {
			window = asInt(entry["input_token_limit"])
		}
		catalog.Data = append(catalog.Data, ModelInfo{
			ID:            id,
			Name:          strings.TrimSpace(asString(entry["display_name"])),
			ContextLength: window,
		})
	}
	return catalog, nil
}

// GetModelInfo looks up one model in the catalog.
func (p *AnthropicProvider) GetModelInfo(ctx context.Context, modelID string) (*ModelInfo, error) {
	catalog, err := p.FetchCatalog(ctx)
	if err != nil {
		return nil, err
	}
	if info, ok := catalog.Lookup(modelID); ok {
		return info, nil
	}
	return nil, &APIError{StatusCode: 404, Message: "model not found: " + modelID}
}
