// Package audit keeps an append-only JSONL trail of external actions
// executed on behalf of an identity.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-concierge/internal/shared"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Entry is one executed action.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	TraceID    string `json:"trace_id"`
	Identity   string `json:"identity"`
	Service    string `json:"service"`
	Function   string `json:"function"`
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Trail appends entries to <home>/logs/actions.jsonl.
type Trail struct {
	mu       sync.Mutex
	file     *os.File
	failures atomic.Int64
	now      func() time.Time
}

func Open(homeDir string) (*Trail, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "actions.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit trail: %w", err)
	}
	return &Trail{file: f, now: time.Now}, nil
}

func (t *Trail) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// Failures returns the number of error outcomes recorded since Open.
func (t *Trail) Failures() int64 {
	if t == nil {
		return 0
	}
	return t.failures.Load()
}

// Record appends e. A nil Trail discards it. Detail is redacted before it
// reaches disk.
func (t *Trail) Record(ctx context.Context, e Entry) {
	if t == nil {
		return
	}
	if e.Outcome == OutcomeError {
		t.failures.Add(1)
	}
	if e.Timestamp == "" {
		e.Timestamp = t.now().UTC().Format(time.RFC3339Nano)
	}
	if e.TraceID == "" {
		e.TraceID = shared.TraceID(ctx)
	}
	if e.Identity == "" {
		e.Identity = shared.Identity(ctx)
	}
	e.Detail = shared.Redact(e.Detail)

	b, err := json.Marshal(e)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		_, _ = t.file.Write(append(b, '\n'))
	}
}
