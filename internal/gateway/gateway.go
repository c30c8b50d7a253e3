// Package gateway is the HTTP surface: the inbound webhook, health and
// metrics, the admin queue API and the live event stream.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/channels"
	"github.com/basket/go-concierge/internal/engine"
	"github.com/basket/go-concierge/internal/otel"
	"github.com/basket/go-concierge/internal/persistence"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxBodyBytes = 25 << 20

// QueueAdmin exposes queue state for operators.
type QueueAdmin interface {
	ListQueues(ctx context.Context) ([]persistence.QueueStat, error)
	ListDeadLetters(ctx context.Context, limit int) ([]persistence.DeadLetter, error)
}

// Drainer runs an on-demand drain and reports engine status.
type Drainer interface {
	Drain(ctx context.Context, identity string) (engine.DrainResult, error)
	Status() engine.Status
}

type Config struct {
	Submitter channels.Submitter
	Queues    QueueAdmin
	Drainer   Drainer
	Bus       *bus.Bus
	Limiter   *RateLimiter

	AuthToken    string
	MaxBodyBytes int64
	// AllowOrigins lists accepted Origin patterns for cross-origin websockets.
	AllowOrigins      []string
	ConfigFingerprint string

	Logger    *slog.Logger
	Telemetry *otel.Provider
	Metrics   *otel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  otel.Noop().Tracer,
		metrics: cfg.Metrics,
		started: time.Now(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.Telemetry != nil {
		s.tracer = cfg.Telemetry.Tracer
	}
	if s.metrics == nil {
		s.metrics = otel.NoopMetrics()
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/inbound", s.handleInbound)
	mux.HandleFunc("/webhook/orquestador", s.handleInbound)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	mux.Handle("GET /api/queues", RequireToken(s.cfg.AuthToken, http.HandlerFunc(s.handleListQueues)))
	mux.Handle("POST /api/queues/{identity}/drain", RequireToken(s.cfg.AuthToken, http.HandlerFunc(s.handleDrain)))
	mux.Handle("GET /api/dead-letters", RequireToken(s.cfg.AuthToken, http.HandlerFunc(s.handleDeadLetters)))
	mux.Handle("GET /api/status", RequireToken(s.cfg.AuthToken, http.HandlerFunc(s.handleStatus)))
	mux.Handle("GET /ws/events", RequireToken(s.cfg.AuthToken, http.HandlerFunc(s.handleEvents)))
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeOK := true
	if s.cfg.Queues != nil {
		if _, err := s.cfg.Queues.ListQueues(ctx); err != nil {
			storeOK = false
			s.logger.Warn("health check: store unavailable", "error", err)
		}
	}
	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":        storeOK,
		"store_ok":       storeOK,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
