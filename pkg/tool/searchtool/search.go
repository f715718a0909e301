// Package searchtool provides the web search capability agents use to
// ground their answers.
//
// The tool aggregates results from a pluggable backend so deployments
// can swap the search provider without touching agent configuration.
package searchtool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Result is a single search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score,omitempty"`
}

// Backend performs the actual search.
type Backend interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// Config configures the search tool.
type Config struct {
	// Backend performs searches. Required.
	Backend Backend

	// MaxLimit is the maximum results per search. Default: 25.
	MaxLimit int

	// DefaultLimit is used when the model omits a limit. Default: 5.
	DefaultLimit int
}

// SearchTool exposes a search backend to the agent.
type SearchTool struct {
	backend      Backend
	maxLimit     int
	defaultLimit int
}

// New creates a search tool.
func New(cfg Config) (*SearchTool, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("search backend is required")
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 25
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 5
	}
	return &SearchTool{
		backend:      cfg.Backend,
		maxLimit:     cfg.MaxLimit,
		defaultLimit: cfg.DefaultLimit,
	}, nil
}

func (t *SearchTool) Name() string { return "search" }

func (t *SearchTool) Description() string {
	return "Search the web for up-to-date information. Use this when the answer requires facts you are not certain about."
}

func (t *SearchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Maximum number of results (default: %d, max: %d)", t.defaultLimit, t.maxLimit),
			},
		},
		"required": []string{"query"},
	}
}

// Call executes the search and renders results as numbered snippets.
func (t *SearchTool) Call(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("query parameter is required")
	}

	limit := t.defaultLimit
	if raw, ok := args["limit"]; ok {
		if f, ok := raw.(float64); ok && int(f) > 0 {
			limit = int(f)
		}
	}
	if limit > t.maxLimit {
		limit = t.maxLimit
	}

	results, err := t.backend.Search(ctx, query, limit)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Title)
		if r.URL != "" {
			fmt.Fprintf(&b, "   %s\n", r.URL)
		}
		fmt.Fprintf(&b, "   %s\n", r.Snippet)
	}
	return b.String(), nil
}

// ============================================================================
// DUCKDUCKGO BACKEND
// ============================================================================

// DuckDuckGo queries the DuckDuckGo Instant Answer API. No API key
// required, which makes it the zero-config default backend.
type DuckDuckGo struct {
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

type ddgResponse struct {
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	Heading       string `json:"Heading"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

func (d *DuckDuckGo) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	base := d.BaseURL
	if base == "" {
		base = "https://api.duckduckgo.com"
	}
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	endpoint := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", base, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search backend returned %d: %s", resp.StatusCode, body)
	}

	var parsed ddgResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	var results []Result
	if parsed.AbstractText != "" {
		results = append(results, Result{
			Title:   parsed.Heading,
			URL:     parsed.AbstractURL,
			Snippet: parsed.AbstractText,
		})
	}
	for _, topic := range parsed.RelatedTopics {
		if len(results) >= limit {
			break
		}
		if topic.Text == "" {
			continue
		}
		results = append(results, Result{
			Title:   topic.Text,
			URL:     topic.FirstURL,
			Snippet: topic.Text,
		})
	}
	return results, nil
}

// ============================================================================
// STATIC BACKEND
// ============================================================================

// StaticBackend serves canned results keyed by substring match. Used
// in tests and offline demos.
type StaticBackend struct {
	Entries map[string][]Result
}

func (s *StaticBackend) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lowered := strings.ToLower(query)
	for key, results := range s.Entries {
		if strings.Contains(lowered, strings.ToLower(key)) {
			if len(results) > limit {
				results = results[:limit]
			}
			return results, nil
		}
	}
	return nil, nil
}
