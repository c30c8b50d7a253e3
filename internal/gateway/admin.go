package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queues == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	stats, err := s.cfg.Queues.ListQueues(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if r.URL.Query().Get("pending") == "true" {
		kept := stats[:0]
		for _, st := range stats {
			if st.Depth > 0 {
				kept = append(kept, st)
			}
		}
		stats = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": stats, "count": len(stats)})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Drainer == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not configured")
		return
	}
	identity := strings.TrimSpace(r.PathValue("identity"))
	if identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	res, err := s.cfg.Drainer.Drain(ctx, identity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":  identity,
		"processed": res.Processed,
		"failed":    res.Failed,
		"reason":    res.Reason,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queues == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	letters, err := s.cfg.Queues.ListDeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters, "count": len(letters)})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Drainer != nil {
		payload["engine"] = s.cfg.Drainer.Status()
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleEvents streams bus events as JSON frames. Optional query params:
// topic (prefix) and identity.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	var opts []bus.SubscribeOption
	if id := r.URL.Query().Get("identity"); id != "" {
		opts = append(opts, bus.ForIdentity(id))
	}
	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"), opts...)
	defer s.cfg.Bus.Unsubscribe(sub)

	// We never read from the client; CloseRead cancels ctx when it goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: event stream opened", "topic", r.URL.Query().Get("topic"))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: event stream closed", "dropped", sub.Dropped())
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()
			if err != nil {
				s.logger.Warn("ws: write failed", "error", err)
				return
			}
		}
	}
}

// handleMetrics renders store-derived gauges in the Prometheus text format.
// Instrument data goes through OpenTelemetry exporters instead.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Queues == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	ctx := r.Context()
	stats, err := s.cfg.Queues.ListQueues(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	letters, _ := s.cfg.Queues.ListDeadLetters(ctx, 1000)
	sort.Slice(stats, func(i, j int) bool { return stats[i].Identity < stats[j].Identity })

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	total, locked := 0, 0
	fmt.Fprintf(w, "# HELP concierge_queue_depth Events waiting per identity.\n")
	fmt.Fprintf(w, "# TYPE concierge_queue_depth gauge\n")
	for _, st := range stats {
		total += st.Depth
		if st.LockHeld {
			locked++
		}
		fmt.Fprintf(w, "concierge_queue_depth{identity=%q} %d\n", st.Identity, st.Depth)
	}
	fmt.Fprintf(w, "# HELP concierge_queue_depth_total Events waiting across identities.\n")
	fmt.Fprintf(w, "# TYPE concierge_queue_depth_total gauge\n")
	fmt.Fprintf(w, "concierge_queue_depth_total %d\n", total)
	fmt.Fprintf(w, "# HELP concierge_locks_held Identities currently being drained.\n")
	fmt.Fprintf(w, "# TYPE concierge_locks_held gauge\n")
	fmt.Fprintf(w, "concierge_locks_held %d\n", locked)
	fmt.Fprintf(w, "# HELP concierge_dead_letters Recent dead-lettered events (capped at 1000).\n")
	fmt.Fprintf(w, "# TYPE concierge_dead_letters gauge\n")
	fmt.Fprintf(w, "concierge_dead_letters %d\n", len(letters))
	if s.cfg.Drainer != nil {
		fmt.Fprintf(w, "# HELP concierge_active_drains Drains running in this process.\n")
		fmt.Fprintf(w, "# TYPE concierge_active_drains gauge\n")
		fmt.Fprintf(w, "concierge_active_drains %d\n", s.cfg.Drainer.Status().ActiveDrains)
	}
}
