// Package websearch adapts a Serper-style web search API into the evidence
// pipeline. Failures never propagate: an unreachable or misconfigured
// backend yields an unavailable result and the collector moves on.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SearchResult is one normalized hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Response is the normalized search outcome. OK is false when the backend is
// unavailable or returned garbage; Results is then empty.
type Response struct {
	OK      bool           `json:"ok"`
	Results []SearchResult `json:"results"`
	Error   string         `json:"error,omitempty"`
}

// Searcher is the web-search capability.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) Response
}

// Client calls a Serper-compatible endpoint (X-API-KEY auth, POST with
// {"q": ..., "num": ...}).
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a web-search client. An empty url or key produces a
// client whose searches report not-configured.
func NewClient(url, apiKey string) *Client {
	return &Client{
		url:    url,
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Configured reports whether the backend is usable.
func (c *Client) Configured() bool {
	return c.url != "" && c.apiKey != ""
}

// Search runs the query. Never returns an error; failure modes are carried
// in Response.
func (c *Client) Search(ctx context.Context, query string, maxResults int) Response {
	if !c.Configured() {
		return Response{OK: false, Results: []SearchResult{}, Error: "web search not configured"}
	}
	if maxResults < 1 {
		maxResults = 5
	}

	body, err := json.Marshal(map[string]any{"q": query, "num": maxResults})
	if err != nil {
		return Response{OK: false, Results: []SearchResult{}, Error: "marshal request"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Response{OK: false, Results: []SearchResult{}, Error: "create request"}
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{OK: false, Results: []SearchResult{}, Error: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{OK: false, Results: []SearchResult{}, Error: fmt.Sprintf("backend returned %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return Response{OK: false, Results: []SearchResult{}, Error: "read response"}
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return Response{OK: false, Results: []SearchResult{}, Error: "parse response"}
	}

	results := Normalize(payload, maxResults)
	return Response{OK: true, Results: results}
}

// resultListKeys are the wrapper keys upstream providers use for hit lists.
var resultListKeys = []string{"results", "items", "data", "hits", "organic", "organic_results"}

// Normalize extracts a hit list from any of the known upstream shapes, one
// or two wrapper levels deep, and coerces each hit to {title, url, snippet}.
func Normalize(payload map[string]any, maxResults int) []SearchResult {
	raw := extractList(payload)
	out := make([]SearchResult, 0, len(raw))
	for _, item := range raw {
		if len(out) >= maxResults {
			break
		}
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := SearchResult{
			Title:   asString(m["title"]),
			URL:     firstString(m, "link", "url"),
			Snippet: firstString(m, "snippet", "description"),
		}
		if r.Title == "" && r.URL == "" && r.Snippet == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

func extractList(payload map[string]any) []any {
	// Top-level keys first.
	for _, k := range resultListKeys {
		if v, ok := payload[k].([]any); ok {
			return v
		}
	}
	// One wrapper level below a known key.
	for _, k := range resultListKeys {
		if inner, ok := payload[k].(map[string]any); ok {
			for _, kk := range resultListKeys {
				if v, ok := inner[kk].([]any); ok {
					return v
				}
			}
		}
	}
	// Any nested object, up to two levels.
	for _, v := range payload {
		inner, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for _, kk := range resultListKeys {
			if list, ok := inner[kk].([]any); ok {
				return list
			}
		}
		for _, v2 := range inner {
			inner2, ok := v2.(map[string]any)
			if !ok {
				continue
			}
			for _, kk := range resultListKeys {
				if list, ok := inner2[kk].([]any); ok {
					return list
				}
			}
		}
	}
	return nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
