// Package subgraph is a GraphQL client for the lending protocol indexer. It
// reads markets, wallet positions, supply/withdraw history and balance
// history and converts them to domain types.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/lendbot/internal/domain"
)

const (
	defaultPageSize = 500
	defaultTimeout  = 30 * time.Second
	// maxPages stops a runaway pagination loop.
	maxPages = 200
)

// Config holds client parameters.
type Config struct {
	URL      string
	APIKey   string
	PageSize int
	Timeout  time.Duration
	// RequestsPerMinute throttles queries client-side; 0 disables it.
	RequestsPerMinute int
}

// Client queries the indexer over HTTP.
type Client struct {
	graphqlURL string
	apiKey     string
	pageSize   int
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		graphqlURL: cfg.URL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		pageSize:   cfg.PageSize,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if n := cfg.RequestsPerMinute; n > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
	}
	return c
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// doQuery runs one GraphQL request and returns the raw "data" field.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, domain.ErrRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("HTTP %d: %w", resp.StatusCode, domain.ErrUnauthorized)
	default:
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(raw, 512))
	}

	var gql graphqlResponse
	if err := json.Unmarshal(raw, &gql); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(gql.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gql.Errors[0].Message)
	}
	return gql.Data, nil
}

// paginate calls fetch with increasing skip offsets until a short page.
func paginate[T any](pageSize int, fetch func(skip int) ([]T, error)) ([]T, error) {
	var out []T
	for page := 0; page < maxPages; page++ {
		items, err := fetch(page * pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if len(items) < pageSize {
			return out, nil
		}
	}
	return nil, fmt.Errorf("pagination exceeded %d pages", maxPages)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
