package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const anthropicDefaultBaseURL = "https://api.anthropic.com"

// anthropicClient speaks the Anthropic messages API.
type anthropicClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

func newAnthropic(opts Options) *anthropicClient {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = anthropicDefaultBaseURL
	}
	model := opts.Model
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &anthropicClient{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: base,
		model:   model,
		http:    opts.HTTPClient,
		logger:  opts.Logger.With("component", "llm", "provider", ProviderAnthropic),
	}
}

func (c *anthropicClient) Provider() string { return ProviderAnthropic }

func (c *anthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := map[string]any{
		"model":      model,
		"max_tokens": maxTokens,
		"messages": []map[string]any{
			{"role": "user", "content": req.User},
		},
	}
	if strings.TrimSpace(req.System) != "" {
		body["system"] = req.System
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading anthropic response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("anthropic call failed", "status", resp.StatusCode, "model", model)
		return "", &HTTPError{Provider: ProviderAnthropic, Status: resp.StatusCode, Body: string(data)}
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding anthropic response: %w", err)
	}
	for _, block := range parsed.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", nil
}
