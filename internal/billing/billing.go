// Package billing is the HTTP client for the invoicing API: query issued
// invoices, download an invoice document, create an invoice.
package billing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	maxResponseBytes = 32 << 20
	maxErrorBody     = 2048
)

var ErrNotConfigured = errors.New("billing api url not configured")

// APIError is a non-2xx response from the billing API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("billing api returned %d: %s", e.StatusCode, e.Body)
}

// Document is a downloaded invoice file.
type Document struct {
	Filename    string
	ContentType string
	Data        []byte
}

// downloadEnvelope is the JSON shape the API uses for base64 file bodies.
type downloadEnvelope struct {
	ContentEncoding string `json:"ContentEncoding"`
	ContentType     string `json:"ContentType"`
	ContentLength   int64  `json:"ContentLength"`
	Content         string `json:"Content"`
}

type Client struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithBasicAuth(user, password string) Option {
	return func(cl *Client) {
		cl.user = user
		cl.password = password
	}
}

func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Configured() bool { return c != nil && c.baseURL != "" }

// QueryInvoices lists invoices filtered by params (type, folioStart,
// folioEnd, rfc, dateStart, dateEnd, status).
func (c *Client) QueryInvoices(ctx context.Context, params map[string]any) (any, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	u := c.baseURL
	if q := encodeParams(params); q != "" {
		u += "?" + q
	}
	body, _, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", err)
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode invoices: %w", err)
	}
	return out, nil
}

// DownloadDocument fetches invoice id as format (pdf or xml). kind is the
// invoice type (issued, received, payroll).
func (c *Client) DownloadDocument(ctx context.Context, id, format, kind string) (*Document, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("download document: id is required")
	}
	if format == "" {
		format = "pdf"
	}
	if kind == "" {
		kind = "issued"
	}
	q := url.Values{"format": {format}, "type": {kind}}
	u := fmt.Sprintf("%s/%s/download?%s", c.baseURL, url.PathEscape(id), q.Encode())

	body, contentType, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("download document %s: %w", id, err)
	}
	doc := &Document{Filename: id + "." + format, ContentType: "application/" + format, Data: body}
	if mt, _, _ := mime.ParseMediaType(contentType); mt == "application/json" {
		var env downloadEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("decode document envelope: %w", err)
		}
		data, err := base64.StdEncoding.DecodeString(env.Content)
		if err != nil {
			return nil, fmt.Errorf("decode document content: %w", err)
		}
		doc.Data = data
		if env.ContentType != "" {
			doc.ContentType = env.ContentType
		}
	}
	return doc, nil
}

// CreateInvoice posts invoice as JSON and returns the API's response.
func (c *Client) CreateInvoice(ctx context.Context, invoice map[string]any) (any, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	payload, err := json.Marshal(invoice)
	if err != nil {
		return nil, fmt.Errorf("encode invoice: %w", err)
	}
	body, _, err := c.do(ctx, http.MethodPost, c.baseURL, payload)
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	var out any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode created invoice: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, u string, payload []byte) ([]byte, string, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" || c.password != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, "", &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// encodeParams renders params as a stable query string. Nil and empty
// values are skipped.
func encodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	q := url.Values{}
	for _, k := range keys {
		v := params[k]
		if v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			s = fmt.Sprintf("%d", int64(f))
		}
		if s == "" {
			continue
		}
		q.Set(k, s)
	}
	return q.Encode()
}
