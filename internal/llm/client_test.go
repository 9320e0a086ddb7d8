package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatUnavailableWithoutKey(t *testing.T) {
	c := NewHTTPClient(Options{BaseURL: "https://api.example", APIKey: ""})
	_, err := c.Chat(context.Background(), "sys", "user", Params{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestChatSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "test-model",
			"choices": [{"message": {"role": "assistant", "content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 1, "total_tokens": 4}
		}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{BaseURL: srv.URL, APIKey: "test-key", Model: "test-model"})
	comp, err := c.Chat(context.Background(), "sys", "user", Params{Temperature: 0, Seed: 7})
	require.NoError(t, err)
	assert.Equal(t, "hello", comp.Text)
	assert.Equal(t, "test-model", comp.Model)
	assert.Equal(t, "stop", comp.FinishReason)
	assert.Equal(t, 4, comp.Usage.TotalTokens)
}

func TestChatRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"model":"m","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{BaseURL: srv.URL, APIKey: "k", Model: "m", MaxRetries: 3, Timeout: 5 * time.Second})
	comp, err := c.Chat(context.Background(), "s", "u", Params{})
	require.NoError(t, err)
	assert.Equal(t, "ok", comp.Text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestChatDoesNotRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{BaseURL: srv.URL, APIKey: "k", Model: "m", MaxRetries: 3})
	_, err := c.Chat(context.Background(), "s", "u", Params{})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest) // non-retryable, counts as breaker failure
	}))
	defer srv.Close()

	c := NewHTTPClient(Options{BaseURL: srv.URL, APIKey: "k", Model: "m", MaxRetries: 0})
	for i := 0; i < 5; i++ {
		_, err := c.Chat(context.Background(), "s", "u", Params{})
		require.Error(t, err)
	}
	_, err := c.Chat(context.Background(), "s", "u", Params{})
	assert.ErrorIs(t, err, ErrUnavailable)
}
