package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nadmax/creatorq/internal/task"
)

const maxErrorBody = 512

type HTTPClient struct {
	baseURL    string
	apiKey     string
	authHeader string
	client     *http.Client
}

type HTTPOption func(*HTTPClient)

// WithBearerAuth sends the API key as "Authorization: Bearer <key>".
func WithBearerAuth() HTTPOption {
	return func(c *HTTPClient) { c.authHeader = "Authorization" }
}

// WithHeaderAuth sends the API key in the named header.
func WithHeaderAuth(header string) HTTPOption {
	return func(c *HTTPClient) { c.authHeader = header }
}

func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.client = hc }
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends a JSON request and decodes a JSON object response. Non-2xx statuses are
// classified with FromStatus; transport failures are transient.
func (c *HTTPClient) Do(ctx context.Context, op, method, path string, query url.Values, body any) (task.Payload, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, Permanent(op, fmt.Errorf("failed to encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, Permanent(op, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, Permanent(op, err)
		}
		return nil, Transient(op, err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close %s response body: %v", op, err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, FromStatus(op, resp.StatusCode, fmt.Errorf("upstream responded %s: %s", resp.Status, strings.TrimSpace(string(snippet))))
	}

	var out task.Payload
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Transient(op, fmt.Errorf("failed to decode response: %w", err))
	}

	return out, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey == "" || c.authHeader == "" {
		return
	}
	if c.authHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return
	}
	req.Header.Set(c.authHeader, c.apiKey)
}
