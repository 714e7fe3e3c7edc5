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

const openRouterDefaultBaseURL = "https://openrouter.ai/api/v1"

// openRouterClient speaks the OpenAI-style chat completions API that
// OpenRouter proxies.
type openRouterClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

func newOpenRouter(opts Options) *openRouterClient {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = openRouterDefaultBaseURL
	}
	model := opts.Model
	if model == "" {
		model = DefaultOpenRouterModel
	}
	return &openRouterClient{
		apiKey:  strings.TrimSpace(opts.APIKey),
		baseURL: base,
		model:   model,
		http:    opts.HTTPClient,
		logger:  opts.Logger.With("component", "llm", "provider", ProviderOpenRouter),
	}
}

func (c *openRouterClient) Provider() string { return ProviderOpenRouter }

func (c *openRouterClient) Complete(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := []map[string]any{}
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, map[string]any{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.User})

	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openrouter request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading openrouter response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("openrouter call failed", "status", resp.StatusCode, "model", model)
		return "", &HTTPError{Provider: ProviderOpenRouter, Status: resp.StatusCode, Body: string(data)}
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding openrouter response: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		return "", fmt.Errorf("openrouter error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", nil
	}
	return parsed.Choices[0].Message.Content, nil
}
