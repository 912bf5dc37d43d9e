// Package statsclient is an HTTP client for pkg/statsserver's introspection
// and admin routes, used by cmd/tilestorectl: a thin baseURL+http.Client
// wrapper with a private do() that marshals a request body, unmarshals a
// response envelope, and turns a 4xx/5xx status into an error. There is
// no authentication here — the stats server has none — so this client
// carries no token/session fields at all.
//
// Health() is the exception: it decodes /healthz directly into the shared
// internal/cli/health.Response type instead of do()'s generic envelope.
package statsclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gegl-go/tilestore/internal/cli/health"
)

// Client talks to a single pkg/statsserver instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client pointed at baseURL (e.g. "http://localhost:9090").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// envelope mirrors pkg/statsserver's response type; only the fields a
// client needs to unwrap are declared here.
type envelope struct {
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Data   json.RawMessage `json:"data"`
}

// RequestError is returned when the stats server answers with a 4xx/5xx
// status or an "unhealthy" envelope.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("statsclient: %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("statsclient: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("statsclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("statsclient: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("statsclient: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &RequestError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("statsclient: decode envelope: %w", err)
	}
	if env.Status == "unhealthy" {
		return &RequestError{StatusCode: resp.StatusCode, Message: env.Error}
	}

	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("statsclient: decode data: %w", err)
		}
	}

	return nil
}

// Health fetches /healthz. Unlike the other calls here it decodes straight
// into health.Response rather than going through do()'s envelope+data
// unwrap, since health.Response already models the whole /healthz body,
// envelope and data together.
func (c *Client) Health() (*health.Response, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/healthz")
	if err != nil {
		return nil, fmt.Errorf("statsclient: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("statsclient: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &RequestError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	var status health.Response
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("statsclient: decode health response: %w", err)
	}
	if status.Status == "unhealthy" {
		return nil, &RequestError{StatusCode: resp.StatusCode, Message: status.Error}
	}
	return &status, nil
}

// CacheStats is the /debug/tilestore cache section, reshaped for callers
// that don't need the swap/worker-pool sections.
type CacheStats struct {
	Total         int64 `json:"total"`
	TotalMax      int64 `json:"total_max"`
	TotalUncloned int64 `json:"total_uncloned"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	TargetSize    int64 `json:"target_size"`
	PerCacheSizes []int `json:"per_cache_item_counts"`
}

type debugSnapshot struct {
	Cache CacheStats `json:"cache"`
}

// CacheStats fetches the current cache counters from /debug/tilestore.
func (c *Client) CacheStats() (*CacheStats, error) {
	var snapshot debugSnapshot
	if err := c.do(http.MethodGet, "/debug/tilestore", nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot.Cache, nil
}

// TrimResult is the response to a forced trim pass.
type TrimResult struct {
	UnderBudget bool       `json:"under_budget"`
	Stats       CacheStats `json:"stats"`
}

// Trim triggers one cache trim pass via POST /admin/cache/trim.
func (c *Client) Trim() (*TrimResult, error) {
	var result TrimResult
	if err := c.do(http.MethodPost, "/admin/cache/trim", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GapInterval is one free-space interval in the swap gap list.
type GapInterval struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// SwapGaps is the response to /debug/swap/gaps.
type SwapGaps struct {
	Gaps      []GapInterval `json:"gaps"`
	FreeBytes int64         `json:"free_bytes"`
}

// SwapGaps fetches the current swap gap list from /debug/swap/gaps.
func (c *Client) SwapGaps() (*SwapGaps, error) {
	var gaps SwapGaps
	if err := c.do(http.MethodGet, "/debug/swap/gaps", nil, &gaps); err != nil {
		return nil, err
	}
	return &gaps, nil
}
