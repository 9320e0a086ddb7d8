// Package llm provides the OpenAI-compatible chat client used by the planner,
// the debate stage, and the LLM-backed safety head. Calls carry explicit
// timeouts, bounded retries with exponential backoff and jitter, and a
// circuit breaker so a failing provider degrades the pipeline instead of
// stalling it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when no provider is configured or the breaker
// is open. Callers degrade to their stage fallback.
var ErrUnavailable = errors.New("llm: provider unavailable")

// Params are per-call generation settings. Temperature 0 plus a fixed seed
// is the deterministic-replay configuration.
type Params struct {
	Temperature float64
	Seed        int64
	MaxTokens   int
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a single chat result.
type Completion struct {
	Text         string
	Model        string
	FinishReason string
	Usage        Usage
}

// Client is the chat capability the pipeline depends on.
type Client interface {
	Chat(ctx context.Context, system, user string, p Params) (Completion, error)
}

// HTTPClient talks to any OpenAI-compatible /chat/completions endpoint.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// Options configure NewHTTPClient.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// NewHTTPClient builds a client. Returns ErrUnavailable from Chat (not from
// here) when the API key is empty, so construction always succeeds and the
// pipeline decides per call whether to degrade.
func NewHTTPClient(opts Options) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		model:      opts.Model,
		maxRetries: retries,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeout,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Seed        *int64        `json:"seed,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Chat sends one system+user exchange and returns the completion.
func (c *HTTPClient) Chat(ctx context.Context, system, user string, p Params) (Completion, error) {
	if c.apiKey == "" || c.baseURL == "" {
		return Completion{}, ErrUnavailable
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.chatWithRetries(ctx, system, user, p)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Completion{}, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return Completion{}, err
	}
	return result.(Completion), nil
}

func (c *HTTPClient) chatWithRetries(ctx context.Context, system, user string, p Params) (Completion, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return Completion{}, err
			}
		}
		comp, retryable, err := c.chatOnce(ctx, system, user, p)
		if err == nil {
			return comp, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return Completion{}, lastErr
}

func (c *HTTPClient) chatOnce(ctx context.Context, system, user string, p Params) (comp Completion, retryable bool, err error) {
	var seed *int64
	if p.Seed != 0 {
		seed = &p.Seed
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
		Temperature: p.Temperature,
		Seed:        seed,
		MaxTokens:   p.MaxTokens,
	})
	if err != nil {
		return Completion{}, false, fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Completion{}, false, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Completion{}, true, fmt.Errorf("llm: request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return Completion{}, true, fmt.Errorf("llm: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Completion{}, true, fmt.Errorf("llm: provider returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, false, fmt.Errorf("llm: provider returned %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Completion{}, false, fmt.Errorf("llm: parse response: %w", err)
	}
	if parsed.Error != nil {
		return Completion{}, false, fmt.Errorf("llm: provider error: %s", parsed.Error.Type)
	}
	if len(parsed.Choices) == 0 {
		return Completion{}, false, fmt.Errorf("llm: empty choices")
	}

	return Completion{
		Text:         parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage:        parsed.Usage,
	}, false, nil
}

// sleepBackoff waits 250ms * 2^(attempt-1) plus up to 50% jitter, honoring
// context cancellation.
func sleepBackoff(ctx context.Context, attempt int) error {
	base := 250 * time.Millisecond << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(base) / 2)) //nolint:gosec // jitter does not need crypto randomness
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(base + jitter):
		return nil
	}
}
