package cron_test

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-concierge/internal/cron"
	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T, opts ...persistence.Option) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "concierge.db"), nil, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type recordingKicker struct {
	mu     sync.Mutex
	kicked []string
	refuse bool
}

func (k *recordingKicker) Kick(_ context.Context, identity string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kicked = append(k.kicked, identity)
	return !k.refuse
}

func (k *recordingKicker) ids() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := append([]string(nil), k.kicked...)
	sort.Strings(out)
	return out
}

func TestSweep_KicksPendingIdentities(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"u2", "u1", "u2"} {
		if _, err := store.EnqueueEvent(ctx, id, event.NewText("hi")); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	kicker := &recordingKicker{}
	sw, err := cron.NewSweeper(cron.Config{Source: store, Kicker: kicker})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	res, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Pending != 2 || res.Kicked != 2 {
		t.Fatalf("result = %+v, want 2 pending and 2 kicked", res)
	}
	got := kicker.ids()
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("kicked = %v", got)
	}
}

func TestSweep_EmptyStoreKicksNothing(t *testing.T) {
	store := openTestStore(t)
	kicker := &recordingKicker{}
	sw, err := cron.NewSweeper(cron.Config{Source: store, Kicker: kicker})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	res, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Pending != 0 || len(kicker.ids()) != 0 {
		t.Fatalf("unexpected kicks: %+v %v", res, kicker.ids())
	}
}

func TestSweep_RefusedKickIsNotCounted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.EnqueueEvent(ctx, "u1", event.NewText("hi")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	sw, err := cron.NewSweeper(cron.Config{Source: store, Kicker: &recordingKicker{refuse: true}})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	res, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Pending != 1 || res.Kicked != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSweep_PurgesExpiredLocks(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := openTestStore(t, persistence.WithClock(clock))
	ctx := context.Background()
	if _, ok, err := store.AcquireLock(ctx, "u1", time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	sw, err := cron.NewSweeper(cron.Config{Source: store, Kicker: &recordingKicker{}})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	res, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Purged.Locks != 1 {
		t.Fatalf("purged locks = %d, want 1", res.Purged.Locks)
	}
}

func TestNewSweeper_Validation(t *testing.T) {
	store := openTestStore(t)
	if _, err := cron.NewSweeper(cron.Config{Source: store}); err == nil {
		t.Fatal("expected error without kicker")
	}
	if _, err := cron.NewSweeper(cron.Config{Source: store, Kicker: &recordingKicker{}, Schedule: "not a schedule"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	for _, schedule := range []string{"@every 30s", "*/5 * * * *", "@hourly"} {
		if _, err := cron.NewSweeper(cron.Config{Source: store, Kicker: &recordingKicker{}, Schedule: schedule}); err != nil {
			t.Fatalf("schedule %q rejected: %v", schedule, err)
		}
	}
}

func TestSweeper_StartSweepsImmediately(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.EnqueueEvent(ctx, "stranded", event.NewText("hi")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	kicker := &recordingKicker{}
	sw, err := cron.NewSweeper(cron.Config{Source: store, Kicker: kicker, Schedule: "@every 1h"})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if err := sw.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sw.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(kicker.ids()) == 1 })
	if got := kicker.ids(); got[0] != "stranded" {
		t.Fatalf("kicked = %v", got)
	}
}

func TestSweeper_StopIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	sw, err := cron.NewSweeper(cron.Config{Source: store, Kicker: &recordingKicker{}})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	sw.Stop()
	if err := sw.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sw.Stop()
	sw.Stop()
}
