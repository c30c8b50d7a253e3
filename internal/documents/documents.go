// Package documents posts inbound files to the document-processing service.
package documents

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrNotConfigured = errors.New("documents api url not configured")

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("documents api returned %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	url  string
	http *http.Client
}

func New(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		url:  strings.TrimSpace(url),
		http: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

// Process sends data base64-encoded and returns the decoded JSON result.
// filename is only used for error context; the service reads the bytes.
func (c *Client) Process(ctx context.Context, filename string, data []byte) (any, error) {
	if c == nil || c.url == "" {
		return nil, ErrNotConfigured
	}
	payload, err := json.Marshal(map[string]string{"base64": base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("process %s: %w", filename, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}
	var out any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", filename, err)
	}
	return out, nil
}
