package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// GatewayError is a non-2xx answer from the messaging gateway.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("messaging gateway returned %d: %s", e.StatusCode, e.Body)
}

var mimeByExt = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".xml":  "application/xml",
}

// MIMEType picks the content type for filename, then fallback, then
// application/octet-stream.
func MIMEType(filename, fallback string) string {
	if mt, ok := mimeByExt[strings.ToLower(filepath.Ext(filename))]; ok {
		return mt
	}
	if fallback != "" {
		return fallback
	}
	return "application/octet-stream"
}

// HTTPGateway posts replies to the messaging gateway's send endpoint. The
// recipient travels in X-To; files carry X-Filename.
type HTTPGateway struct {
	url  string
	http *http.Client
}

func NewHTTPGateway(url string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		url:  strings.TrimSpace(url),
		http: &http.Client{Timeout: timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

func (g *HTTPGateway) Name() string { return "gateway" }

func (g *HTTPGateway) Deliver(ctx context.Context, r Reply) error {
	if g.url == "" {
		return errors.New("messaging gateway url not configured")
	}
	if r.Empty() {
		return ErrEmptyReply
	}
	if r.File != nil {
		headers := map[string]string{
			"Content-Type": MIMEType(r.File.Filename, r.File.ContentType),
			"X-Filename":   filepath.Base(r.File.Filename),
		}
		if err := g.post(ctx, r.Identity, headers, r.File.Data); err != nil {
			return fmt.Errorf("deliver file %s: %w", r.File.Filename, err)
		}
	}
	if strings.TrimSpace(r.Text) != "" {
		headers := map[string]string{"Content-Type": "text/plain; charset=utf-8"}
		if err := g.post(ctx, r.Identity, headers, []byte(r.Text)); err != nil {
			return fmt.Errorf("deliver text: %w", err)
		}
	}
	return nil
}

func (g *HTTPGateway) post(ctx context.Context, to string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-To", to)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
