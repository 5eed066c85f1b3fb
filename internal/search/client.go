package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Client calls the upstream search backend over HTTP, guarded by a circuit
// breaker so a dead backend sheds load fast instead of tying up requests
// that are already paid admission.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func NewClient(baseURL string) *Client {
	settings := gobreaker.Settings{
		Name:        "search-backend",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Kind  string `json:"kind"`
}

type searchResponse struct {
	Count int `json:"count"`
}

func (c *Client) Search(ctx context.Context, query string, kind Kind) (*Result, error) {
	start := time.Now()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doSearch(ctx, query, kind)
	})
	if err != nil {
		return nil, err
	}

	res := result.(*Result)
	res.LatencyMs = time.Since(start).Milliseconds()
	return res, nil
}

func (c *Client) doSearch(ctx context.Context, query string, kind Kind) (*Result, error) {
	body, err := json.Marshal(searchRequest{Query: query, Kind: string(kind)})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search backend request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned status %d: %s", resp.StatusCode, payload)
	}

	var parsed searchResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	return &Result{Payload: payload, Count: parsed.Count}, nil
}
