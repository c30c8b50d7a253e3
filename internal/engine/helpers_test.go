package engine_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-concierge/internal/billing"
	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/channels"
	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/history"
	"github.com/basket/go-concierge/internal/oracle"
	"github.com/basket/go-concierge/internal/persistence"
)

func openStoreForEngineTest(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "concierge.db"), bus.New())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func enqueueTexts(t *testing.T, store *persistence.Store, identity string, texts ...string) {
	t.Helper()
	for _, text := range texts {
		if _, err := store.EnqueueEvent(context.Background(), identity, event.NewText(text)); err != nil {
			t.Fatalf("enqueue %q: %v", text, err)
		}
	}
}

// scriptedOracle returns steps in order, then keeps returning the last one.
type scriptedOracle struct {
	mu      sync.Mutex
	steps   []*oracle.PlanStep
	errs    []error
	calls   int
	renders int
	reply   string
}

func (o *scriptedOracle) Decide(_ context.Context, _ history.Conversation) (*oracle.PlanStep, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	i := o.calls
	o.calls++
	if i < len(o.errs) && o.errs[i] != nil {
		return nil, o.errs[i]
	}
	if len(o.steps) == 0 {
		return nil, nil
	}
	if i >= len(o.steps) {
		i = len(o.steps) - 1
	}
	return o.steps[i], nil
}

func (o *scriptedOracle) Render(_ context.Context, _ history.Conversation) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.renders++
	if o.reply == "" {
		return "Here is your answer.", nil
	}
	return o.reply, nil
}

func step(service, function string, params map[string]any) *oracle.PlanStep {
	return &oracle.PlanStep{Service: service, Function: function, Params: params}
}

type fakeBilling struct {
	mu        sync.Mutex
	queries   int
	downloads int
	queryErr  error
}

func (b *fakeBilling) QueryInvoices(_ context.Context, params map[string]any) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries++
	if b.queryErr != nil {
		return nil, b.queryErr
	}
	return []any{map[string]any{"id": 42, "total": 1160.0}}, nil
}

func (b *fakeBilling) DownloadDocument(_ context.Context, id, format, _ string) (*billing.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.downloads++
	if format == "" {
		format = "pdf"
	}
	return &billing.Document{Filename: id + "." + format, ContentType: "application/pdf", Data: []byte("%PDF-1.4")}, nil
}

func (b *fakeBilling) CreateInvoice(_ context.Context, invoice map[string]any) (any, error) {
	return map[string]any{"id": 99}, nil
}

type recordingDeliverer struct {
	mu      sync.Mutex
	replies []channels.Reply
	err     error
}

func (d *recordingDeliverer) Deliver(_ context.Context, r channels.Reply) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.replies = append(d.replies, r)
	return nil
}

func (d *recordingDeliverer) all() []channels.Reply {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]channels.Reply(nil), d.replies...)
}

// recordingProcessor remembers the text of every event it sees, failing or
// panicking on configured contents.
type recordingProcessor struct {
	mu      sync.Mutex
	seen    []string
	failOn  string
	panicOn string
	delay   time.Duration

	active    int
	maxActive int
}

func (p *recordingProcessor) Process(_ context.Context, _ string, ev event.Event) error {
	p.mu.Lock()
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	p.seen = append(p.seen, ev.Text)
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.panicOn != "" && ev.Text == p.panicOn {
		panic("boom")
	}
	if p.failOn != "" && ev.Text == p.failOn {
		return errors.New("history store unavailable")
	}
	return nil
}

func (p *recordingProcessor) texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.seen...)
}

type fakeDocuments struct {
	err error
}

func (d fakeDocuments) Process(_ context.Context, filename string, data []byte) (any, error) {
	if d.err != nil {
		return nil, d.err
	}
	return map[string]any{"pages": 1, "bytes": len(data)}, nil
}
