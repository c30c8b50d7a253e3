package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-concierge/internal/shared"
)

func readEntries(t *testing.T, home string) []Entry {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "actions.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecord_AppendsEntriesWithContext(t *testing.T) {
	home := t.TempDir()
	trail, err := Open(home)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = trail.Close() })

	ctx := shared.WithIdentity(shared.WithTraceID(context.Background(), "trace-1"), "5215550001")
	trail.Record(ctx, Entry{Service: "BILLING", Function: "query_invoices", Outcome: OutcomeOK, DurationMS: 12})
	trail.Record(ctx, Entry{Service: "BILLING", Function: "create_invoice", Outcome: OutcomeError, Detail: "auth password=hunter2 rejected"})

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].TraceID != "trace-1" || entries[0].Identity != "5215550001" || entries[0].Timestamp == "" {
		t.Fatalf("context fields missing: %+v", entries[0])
	}
	if strings.Contains(entries[1].Detail, "hunter2") {
		t.Fatalf("detail not redacted: %q", entries[1].Detail)
	}
	if trail.Failures() != 1 {
		t.Fatalf("failures = %d, want 1", trail.Failures())
	}
}

func TestRecord_ReopenAppends(t *testing.T) {
	home := t.TempDir()
	for i := 0; i < 2; i++ {
		trail, err := Open(home)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		trail.Record(context.Background(), Entry{Service: "REPLY", Outcome: OutcomeOK})
		if err := trail.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	if got := len(readEntries(t, home)); got != 2 {
		t.Fatalf("entries = %d, want 2 after reopen", got)
	}
}

func TestNilTrailIsSafe(t *testing.T) {
	var trail *Trail
	trail.Record(context.Background(), Entry{Outcome: OutcomeError})
	if trail.Failures() != 0 || trail.Close() != nil {
		t.Fatal("nil trail should be inert")
	}
}
