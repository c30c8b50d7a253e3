package engine_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-concierge/internal/engine"
	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/persistence"
)

func TestWorker_DrainsInEnqueueOrder(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	enqueueTexts(t, store, "u1", "a", "b", "c")

	proc := &recordingProcessor{}
	w := engine.NewWorker(store, proc, engine.WorkerConfig{MaxEventsPerDrain: 3, LockTTL: time.Minute})
	res, err := w.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got := proc.texts(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("order = %v, want [a b c]", got)
	}
	if res.Processed != 3 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	n, err := store.QueueLength(ctx, "u1")
	if err != nil || n != 0 {
		t.Fatalf("queue length = %d, %v; want 0", n, err)
	}
}

func TestWorker_StopsAtMaxEventsAndResumesInOrder(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	enqueueTexts(t, store, "u1", "1", "2", "3", "4", "5")

	proc := &recordingProcessor{}
	w := engine.NewWorker(store, proc, engine.WorkerConfig{MaxEventsPerDrain: 2, LockTTL: time.Minute})

	res, err := w.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Processed != 2 || res.Reason != engine.DrainReasonLimit {
		t.Fatalf("first drain = %+v", res)
	}
	for i := 0; i < 3; i++ {
		if _, err := w.Drain(ctx, "u1"); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}
	if got := proc.texts(); !reflect.DeepEqual(got, []string{"1", "2", "3", "4", "5"}) {
		t.Fatalf("order across drains = %v", got)
	}
}

func TestWorker_ReturnsBusyWhenLockIsHeld(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	enqueueTexts(t, store, "u1", "a")

	token, ok, err := store.AcquireLock(ctx, "u1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	proc := &recordingProcessor{}
	w := engine.NewWorker(store, proc, engine.WorkerConfig{})
	res, err := w.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Reason != engine.DrainReasonBusy || len(proc.texts()) != 0 {
		t.Fatalf("busy drain touched the queue: %+v seen=%v", res, proc.texts())
	}
	if n, _ := store.QueueLength(ctx, "u1"); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}

	// The held lock is untouched by the busy worker.
	released, err := store.ReleaseLock(ctx, "u1", token)
	if err != nil || !released {
		t.Fatalf("release original lock: %v %v", released, err)
	}
}

func TestWorker_ReleasesLockWhenDone(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	enqueueTexts(t, store, "u1", "a")

	w := engine.NewWorker(store, &recordingProcessor{}, engine.WorkerConfig{})
	if _, err := w.Drain(ctx, "u1"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if _, ok, err := store.AcquireLock(ctx, "u1", time.Minute); err != nil || !ok {
		t.Fatalf("lock should be free after drain: ok=%v err=%v", ok, err)
	}
}

func TestWorker_FailedEventIsDeadLetteredAndDrainContinues(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	enqueueTexts(t, store, "u1", "a", "b", "c")

	proc := &recordingProcessor{failOn: "b"}
	w := engine.NewWorker(store, proc, engine.WorkerConfig{})
	res, err := w.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Processed != 2 || res.Failed != 1 || res.Reason != engine.DrainReasonEmpty {
		t.Fatalf("result = %+v", res)
	}
	if got := proc.texts(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("seen = %v", got)
	}

	letters, err := store.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].Identity != "u1" || !strings.Contains(letters[0].Reason, "history store unavailable") {
		t.Fatalf("dead letters = %+v", letters)
	}
	if !strings.Contains(string(letters[0].Payload), `"content":"b"`) {
		t.Fatalf("dead letter payload = %s", letters[0].Payload)
	}
}

func TestWorker_PanicIsContained(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	enqueueTexts(t, store, "u1", "a", "b")

	proc := &recordingProcessor{panicOn: "a"}
	w := engine.NewWorker(store, proc, engine.WorkerConfig{})
	res, err := w.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Processed != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if _, ok, _ := store.AcquireLock(ctx, "u1", time.Minute); !ok {
		t.Fatal("lock should be released after a panic")
	}
}

func TestWorker_CorruptPayloadIsDeadLettered(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	if _, err := store.DB().ExecContext(ctx,
		`INSERT INTO queue_items (identity, payload, enqueued_at) VALUES (?, ?, ?);`,
		"u1", []byte(`{"type":"video"}`), time.Now().UnixMilli()); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}
	enqueueTexts(t, store, "u1", "after")

	proc := &recordingProcessor{}
	w := engine.NewWorker(store, proc, engine.WorkerConfig{})
	res, err := w.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Failed != 1 || res.Processed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if got := proc.texts(); !reflect.DeepEqual(got, []string{"after"}) {
		t.Fatalf("seen = %v", got)
	}
	letters, _ := store.ListDeadLetters(ctx, 10)
	if len(letters) != 1 || string(letters[0].Payload) != `{"type":"video"}` {
		t.Fatalf("dead letters = %+v", letters)
	}
}

func TestWorker_CanceledContextConsumesNothing(t *testing.T) {
	store := openStoreForEngineTest(t)
	enqueueTexts(t, store, "u1", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	proc := &recordingProcessor{}
	_, _ = engine.NewWorker(store, proc, engine.WorkerConfig{}).Drain(ctx, "u1")
	if n, _ := store.QueueLength(context.Background(), "u1"); n != 1 || len(proc.texts()) != 0 {
		t.Fatalf("queue length = %d seen = %v", n, proc.texts())
	}
}

// refreshGate wraps a store and lets a test decide which lock refreshes
// succeed. allow receives the 1-based refresh count.
type refreshGate struct {
	*persistence.Store
	calls atomic.Int32
	allow func(n int32) bool
}

func (g *refreshGate) RefreshLock(ctx context.Context, identity, token string, ttl time.Duration) (bool, error) {
	if !g.allow(g.calls.Add(1)) {
		return false, nil
	}
	return g.Store.RefreshLock(ctx, identity, token, ttl)
}

// ctxProcessor blocks until its context is canceled.
type ctxProcessor struct{}

func (ctxProcessor) Process(ctx context.Context, _ string, _ event.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.New("context was never canceled")
	}
}

func TestWorker_HeartbeatKeepsLockDuringSlowEvent(t *testing.T) {
	store := openStoreForEngineTest(t)
	ctx := context.Background()
	enqueueTexts(t, store, "u1", "a", "b")

	proc := &recordingProcessor{delay: 600 * time.Millisecond}
	cfg := engine.WorkerConfig{LockTTL: 200 * time.Millisecond}
	first := engine.NewWorker(store, proc, cfg)
	second := engine.NewWorker(store, proc, cfg)

	done := make(chan engine.DrainResult, 1)
	go func() {
		res, err := first.Drain(ctx, "u1")
		if err != nil {
			t.Errorf("first drain: %v", err)
		}
		done <- res
	}()

	time.Sleep(350 * time.Millisecond)
	res, err := second.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if res.Reason != engine.DrainReasonBusy {
		t.Fatalf("second drain ran while first was processing: %+v", res)
	}

	firstRes := <-done
	if firstRes.Processed != 2 || firstRes.Reason != engine.DrainReasonEmpty {
		t.Fatalf("first drain = %+v", firstRes)
	}
	proc.mu.Lock()
	maxActive := proc.maxActive
	proc.mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("max concurrent processors = %d, want 1", maxActive)
	}
	if got := proc.texts(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("order = %v", got)
	}
}

func TestWorker_RejectedHeartbeatCancelsEventAndStopsDrain(t *testing.T) {
	base := openStoreForEngineTest(t)
	ctx := context.Background()
	enqueueTexts(t, base, "u1", "a", "b")

	// The refresh before processing succeeds; the first heartbeat is refused.
	store := &refreshGate{Store: base, allow: func(n int32) bool { return n == 1 }}
	w := engine.NewWorker(store, ctxProcessor{}, engine.WorkerConfig{LockTTL: 300 * time.Millisecond})

	res, err := w.Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Reason != engine.DrainReasonLockLost || res.Failed != 1 || res.Processed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if n, _ := base.QueueLength(ctx, "u1"); n != 1 {
		t.Fatalf("queue length = %d, want 1 (b untouched)", n)
	}
	letters, _ := base.ListDeadLetters(ctx, 10)
	if len(letters) != 1 || !strings.Contains(letters[0].Reason, "context canceled") {
		t.Fatalf("dead letters = %+v", letters)
	}
}

func TestWorker_LockLostBeforeProcessingParksEvent(t *testing.T) {
	base := openStoreForEngineTest(t)
	ctx := context.Background()
	enqueueTexts(t, base, "u1", "a", "b")

	store := &refreshGate{Store: base, allow: func(int32) bool { return false }}
	proc := &recordingProcessor{}
	res, err := engine.NewWorker(store, proc, engine.WorkerConfig{}).Drain(ctx, "u1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if res.Reason != engine.DrainReasonLockLost || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if seen := proc.texts(); len(seen) != 0 {
		t.Fatalf("processor ran without the lock: %v", seen)
	}
	letters, err := base.ListDeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != "lock lost before processing" ||
		!strings.Contains(string(letters[0].Payload), `"content":"a"`) {
		t.Fatalf("dead letters = %+v", letters)
	}
	if n, _ := base.QueueLength(ctx, "u1"); n != 1 {
		t.Fatalf("queue length = %d, want 1", n)
	}
}
