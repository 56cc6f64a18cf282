// Package api implements the pull side of synchronization: resource-scoped
// read endpoints returning JSON payloads, plus the shared error taxonomy.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/astromechza/syncstate/pkg/cache"
)

type Client struct {
	base       *url.URL
	httpClient *http.Client
}

func New(baseURL string) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	return &Client{base: base, httpClient: http.DefaultClient}, nil
}

// NewWithHTTPClient is used by tests and callers that need their own
// transport settings.
func NewWithHTTPClient(baseURL string, httpClient *http.Client) (*Client, error) {
	c, err := New(baseURL)
	if err != nil {
		return nil, err
	}
	c.httpClient = httpClient
	return c, nil
}

// GetJSON issues a GET for path relative to the base url and decodes the
// JSON object body. Non-2xx responses become *HTTPError with the body text
// attached, network failures become *TransportError, and a body that is not
// a JSON object becomes *DecodeError.
func (c *Client) GetJSON(ctx context.Context, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.JoinPath(path).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(raw)}
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return payload, nil
}

// Loader adapts one endpoint into a cache loader.
func (c *Client) Loader(path string) cache.Loader {
	return func(ctx context.Context) (map[string]any, error) {
		return c.GetJSON(ctx, path)
	}
}
