// Package llm provides single-turn completion clients for the two provider
// wire shapes the bridge speaks: Anthropic messages and OpenRouter
// (OpenAI-style) chat completions.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Provider names.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenRouter = "openrouter"
)

// Defaults applied when the caller does not pin model or timeout.
const (
	DefaultAnthropicModel  = "claude-3-7-sonnet-latest"
	DefaultOpenRouterModel = "openai/gpt-4o-mini"
	DefaultTimeout         = 12 * time.Second
	defaultMaxTokens       = 1024
)

// Request is a single-turn completion request. System may be empty.
type Request struct {
	System      string
	User        string
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Client is a provider-agnostic completion client.
type Client interface {
	// Complete sends one request and returns the model's text. An empty
	// text with a nil error means the model genuinely returned nothing;
	// retry policy belongs to the caller.
	Complete(ctx context.Context, req Request) (string, error)

	// Provider returns the canonical provider name.
	Provider() string
}

// HTTPError carries a non-2xx provider response so callers can propagate
// status and body to their own clients.
type HTTPError struct {
	Provider string
	Status   int
	Body     string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Status, e.Body)
}

// Options configure New.
type Options struct {
	Provider   string // empty selects by key shape
	APIKey     string
	BaseURL    string // provider default when empty
	Model      string // provider default when empty
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// SelectProvider picks a provider: explicit wins, then Anthropic-shaped
// keys (claude-* / sk-ant-*), then OpenRouter.
func SelectProvider(explicit, apiKey string) string {
	switch strings.ToLower(strings.TrimSpace(explicit)) {
	case ProviderAnthropic:
		return ProviderAnthropic
	case ProviderOpenRouter:
		return ProviderOpenRouter
	}
	if strings.HasPrefix(apiKey, "claude-") || strings.HasPrefix(apiKey, "sk-ant-") {
		return ProviderAnthropic
	}
	return ProviderOpenRouter
}

// New builds a client for the given options, selecting the provider from
// the key shape when opts.Provider is empty.
func New(opts Options) (Client, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}

	provider := SelectProvider(opts.Provider, opts.APIKey)
	switch provider {
	case ProviderAnthropic:
		return newAnthropic(opts), nil
	case ProviderOpenRouter:
		return newOpenRouter(opts), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
}
