package model

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider speaks the local Ollama chat API.
type OllamaProvider struct {
	baseURL string
	client  *http.Client
}

func newOllamaProvider(baseURL string, opts ProviderOptions) *OllamaProvider {
	return &OllamaProvider{
		baseURL: baseURL,
		client:  newHTTPClient(opts, 0),
	}
}

// ID returns the provider identifier.
func (p *OllamaProvider) ID() string { return "ollama" }

// SetTimeout adjusts the underlying HTTP client timeout.
func (p *OllamaProvider) SetTimeout(timeout time.Duration) {
	p.client.Timeout = timeout
}

// ChatCompletion sends a non-streaming chat request. JSON mode uses the
// native format switch.
func (p *OllamaProvider) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   false,
		"options":  map[string]any{"temperature": req.Temperature},
	}
	if req.JSONMode {
		payload["format"] = "json"
	}

	data, err := postJSON(ctx, p.client, p.baseURL+"/api/chat", nil, payload)
	if err != nil {
		return nil, err
	}
	message := asMap(data["message"])
	return &ChatResponse{
		Content: strings.TrimSpace(asString(message["content"])),
		Model:   req.Model,
	}, nil
}

// FetchCatalog lists the locally installed models.
func (p *OllamaProvider) FetchCatalog(ctx context.Context) (*ModelCatalog, error) {
	data, err := getJSON(ctx, p.client, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	catalog := &ModelCatalog{}
	for _, item := range asSlice(data["models"]) {
		entry := asMap(item)
		name := strings.TrimSpace(asString(entry["name"]))
		if name == "" {
			continue
		}
		window := asInt(entry["context_length"])
		if window == 0 {
			window = asInt(entry["num_ctx"])
		}
		if window == 0 {
			window = asInt(entry["context_window"])
		}
		catalog.Data = append(catalog.Data, ModelInfo{ID: name, ContextLength: window})
	}
	return catalog, nil
}

// GetModelInfo looks up one model in the catalog.
func (p *OllamaProvider) GetModelInfo(ctx context.Context, modelID string) (*ModelInfo, error) {
	catalog, err := p.FetchCatalog(ctx)
	if err != nil {
		return nil, err
	}
	if info, ok := catalog.Lookup(modelID); ok {
		return info, nil
	}
	return nil, &APIError{StatusCode: 404, Message: "model not found: " + modelID}
}
