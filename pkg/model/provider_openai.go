package model

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// OpenAIProvider speaks the OpenAI chat completions wire format. It also
// serves OpenRouter, which uses the same shape plus attribution headers.
type OpenAIProvider struct {
	id      string
	baseURL string
	opts    ProviderOptions
	client  *http.Client
}

func newOpenAIProvider(id, baseURL string, opts ProviderOptions) *OpenAIProvider {
	return &OpenAIProvider{
		id:      id,
		baseURL: baseURL,
		opts:    opts,
		client:  newHTTPClient(opts, 0),
	}
}

// ID returns the provider identifier.
func (p *OpenAIProvider) ID() string { return p.id }

// SetTimeout adjusts the underlying HTTP client timeout.
func (p *OpenAIProvider) SetTimeout(timeout time.Duration) {
	p.client.Timeout = timeout
}

func (p *OpenAIProvider) headers() map[string]string {
	h := map[string]string{}
	if p.opts.APIKey != "" {
		h["Authorization"] = "Bearer " + p.opts.APIKey
	}
	if p.id == "openrouter" {
		if p.opts.SiteURL != "" {
			h["HTTP-Referer"] = p.opts.SiteURL
		}
		if p.opts.AppName != "" {
			h["X-Title"] = p.opts.AppName
		}
	}
	return h
}

// chatEndpoint tolerates base URLs that already include the /v1 segment,
// as OpenRouter's default does.
func (p *OpenAIProvider) chatEndpoint() string {
	if strings.HasSuffix(p.baseURL, "/v1") {
		return p.baseURL + "/chat/completions"
	}
	return p.baseURL + "/v1/chat/completions"
}

func (p *OpenAIProvider) modelsEndpoint() string {
	if strings.HasSuffix(p.baseURL, "/v1") || strings.HasSuffix(p.baseURL, "/api/v1") {
		return p.baseURL + "/models"
	}
	return p.baseURL + "/v1/models"
}

// ChatCompletion sends a chat request. JSON mode requests
// response_format=json_object first and falls back to a plain request when
// the provider rejects it, since not every routed model supports it.
func (p *OpenAIProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	payload := map[string]any{
		"model":       req.Model,
		"temperature": req.Temperature,
		"messages":    req.Messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.JSONMode {
		payload["response_format"] = map[string]any{"type": "json_object"}
	}

	data, err := postJSON(ctx, p.client, p.chatEndpoint(), p.headers(), payload)
	if err != nil && req.JSONMode {
		delete(payload, "response_format")
		data, err = postJSON(ctx, p.client, p.chatEndpoint(), p.headers(), payload)
	}
	if err != nil {
		return nil, err
	}

	choices := asSlice(data["choices"])
	if len(choices) == 0 {
		return &ChatResponse{Model: req.Model}, nil
	}
	message := asMap(asMap(choices[0])["message"])
	return &ChatResponse{
		Content: strings.TrimSpace(asString(message["content"])),
		Model:   req.Model,
	}, nil
}

// FetchCatalog lists available models with any context-length metadata the
// provider exposes.
func (p *OpenAIProvider) FetchCatalog(ctx context.Context) (*ModelCatalog, error) {
	data, err := getJSON(ctx, p.client, p.modelsEndpoint(), p.headers())
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
		window := asInt(entry["context_length"])
		if window == 0 {
			window = asInt(entry["max_context_length"])
		}
		if window == 0 {
			window = asInt(entry["input_token_limit"])
		}
		if window == 0 {
			window = asInt(entry["context_window"])
		}
		catalog.Data = append(catalog.Data, ModelInfo{
			ID:            id,
			Name:          strings.TrimSpace(asString(entry["name"])),
			ContextLength: window,
		})
	}
	return catalog, nil
}

// GetModelInfo looks up one model in the catalog.
func (p *OpenAIProvider) GetModelInfo(ctx context.Context, modelID string) (*ModelInfo, error) {
	catalog, err := p.FetchCatalog(ctx)
	if err != nil {
		return nil, err
	}
	if info, ok := catalog.Lookup(modelID); ok {
		return info, nil
	}
	return nil, &APIError{StatusCode: 404, Message: "model not found: " + modelID}
}
