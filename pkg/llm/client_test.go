package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectProvider(t *testing.T) {
	tests := []struct {
		name     string
		explicit string
		apiKey   string
		want     string
	}{
		{"explicit anthropic", "anthropic", "sk-or-v1-xyz", ProviderAnthropic},
		{"explicit openrouter", "openrouter", "sk-ant-xyz", ProviderOpenRouter},
		{"explicit mixed case", "Anthropic", "whatever", ProviderAnthropic},
		{"claude key shape", "", "claude-key-123", ProviderAnthropic},
		{"sk-ant key shape", "", "sk-ant-api03-abc", ProviderAnthropic},
		{"openrouter default", "", "sk-or-v1-xyz", ProviderOpenRouter},
		{"unknown explicit falls through to key shape", "mystery", "sk-ant-x", ProviderAnthropic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectProvider(tt.explicit, tt.apiKey))
		})
	}
}

func TestNewRequiresKey(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorContains(t, err, "api key is required")
}

func TestAnthropicComplete(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"hello from the model"}]}`))
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "sk-ant-test", BaseURL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, ProviderAnthropic, c.Provider())

	temp := 0.2
	text, err := c.Complete(context.Background(), Request{
		System:      "be terse",
		User:        "hi",
		MaxTokens:   64,
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from the model", text)

	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "sk-ant-test", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "be terse", gotBody["system"])
	assert.Equal(t, float64(64), gotBody["max_tokens"])
	assert.Equal(t, 0.2, gotBody["temperature"])
}

func TestAnthropicNon2xxSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "sk-ant-test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), Request{User: "hi"})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.Status)
	assert.Contains(t, httpErr.Body, "rate limited")
}

func TestAnthropicEmptyContentIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":[]}`))
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "sk-ant-test", BaseURL: srv.URL})
	require.NoError(t, err)

	text, err := c.Complete(context.Background(), Request{User: "hi"})
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestOpenRouterComplete(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"routed reply"}}]}`))
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "sk-or-v1-test", BaseURL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, ProviderOpenRouter, c.Provider())

	text, err := c.Complete(context.Background(), Request{System: "sys", User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "routed reply", text)

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-or-v1-test", gotAuth)

	messages, ok := gotBody["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, "system", first["role"])
}

func TestOpenRouterErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"model offline"}}`))
	}))
	defer srv.Close()

	c, err := New(Options{APIKey: "sk-or-v1-test", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), Request{User: "hi"})
	assert.ErrorContains(t, err, "model offline")
}
