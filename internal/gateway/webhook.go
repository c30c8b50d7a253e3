package gateway

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/basket/go-concierge/internal/engine"
	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/otel"
	"github.com/basket/go-concierge/internal/shared"
)

// handleInbound accepts one message for the identity in X-From. text/plain
// bodies become text events; anything else is a file named by X-Filename.
// It answers once the event is queued and never waits for processing.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(r.Context(), traceID)
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "webhook.inbound")
	var err error
	defer func() { otel.EndSpan(span, err) }()
	w.Header().Set("X-Trace-ID", traceID)

	identity := strings.TrimSpace(r.Header.Get("X-From"))
	if identity == "" {
		writeError(w, http.StatusBadRequest, "missing X-From header")
		return
	}
	ctx = shared.WithIdentity(ctx, identity)
	span.SetAttributes(otel.AttrIdentity.String(identity))

	if !s.cfg.Limiter.Allow(identity) {
		s.metrics.RateLimitRejects.Add(ctx, 1)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	ev, msg := decodeInbound(r.Header.Get("Content-Type"), r.Header.Get("X-Filename"), body)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	span.SetAttributes(otel.AttrKind.String(string(ev.Kind)))

	depth, err := s.cfg.Submitter.Submit(ctx, identity, ev)
	switch {
	case errors.Is(err, engine.ErrEmptyIdentity):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("enqueue failed", append(shared.LogAttrs(ctx), "class", "infrastructure", "error", err)...)
		writeError(w, http.StatusInternalServerError, "could not queue event")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"queued_items": depth,
	})
}

// decodeInbound builds the event for a webhook body. A non-empty msg means
// the request is malformed.
func decodeInbound(contentType, filename string, body []byte) (event.Event, string) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	if mediaType == "text/plain" {
		if !utf8.Valid(body) {
			return event.Event{}, "text body is not valid UTF-8"
		}
		text := strings.TrimSpace(string(body))
		if text == "" {
			return event.Event{}, "empty text body"
		}
		return event.NewText(text), ""
	}
	if len(body) == 0 {
		return event.Event{}, "empty file body"
	}
	return event.NewFile(filename, body), ""
}
