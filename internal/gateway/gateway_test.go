package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-concierge/internal/bus"
	"github.com/basket/go-concierge/internal/config"
	"github.com/basket/go-concierge/internal/engine"
	"github.com/basket/go-concierge/internal/event"
	"github.com/basket/go-concierge/internal/gateway"
	"github.com/basket/go-concierge/internal/persistence"
	"github.com/coder/websocket"
)

const gatewayTestAuthToken = "gateway-test-token"

type submitted struct {
	identity string
	ev       event.Event
}

type fakeSubmitter struct {
	mu    sync.Mutex
	got   []submitted
	err   error
	depth int
}

func (f *fakeSubmitter) Submit(_ context.Context, identity string, ev event.Event) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.got = append(f.got, submitted{identity, ev})
	f.depth++
	return f.depth, nil
}

type fakeDrainer struct {
	identities []string
}

func (d *fakeDrainer) Drain(_ context.Context, identity string) (engine.DrainResult, error) {
	d.identities = append(d.identities, identity)
	return engine.DrainResult{Processed: 2, Reason: engine.DrainReasonEmpty}, nil
}

func (d *fakeDrainer) Status() engine.Status { return engine.Status{ActiveDrains: 1} }

func openStoreForGatewayTest(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "concierge.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestServer(t *testing.T, cfg gateway.Config) *httptest.Server {
	t.Helper()
	if cfg.AuthToken == "" {
		cfg.AuthToken = gatewayTestAuthToken
	}
	srv := httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postInbound(t *testing.T, url string, headers map[string]string, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/webhook/inbound", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	return resp, payload
}

func TestInbound_TextIsQueued(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(t, gateway.Config{Submitter: sub})

	resp, payload := postInbound(t, srv.URL, map[string]string{
		"X-From":       "5215550001",
		"Content-Type": "text/plain; charset=utf-8",
	}, "  hola, mis facturas  ")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d payload=%v", resp.StatusCode, payload)
	}
	if payload["status"] != "accepted" || payload["queued_items"] != float64(1) {
		t.Fatalf("payload = %v", payload)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Fatal("missing trace id header")
	}
	if len(sub.got) != 1 || sub.got[0].identity != "5215550001" || sub.got[0].ev.Text != "hola, mis facturas" {
		t.Fatalf("submitted = %+v", sub.got)
	}
}

func TestInbound_BinaryBodyIsFileEvent(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(t, gateway.Config{Submitter: sub})

	resp, _ := postInbound(t, srv.URL, map[string]string{
		"X-From":       "u1",
		"Content-Type": "application/pdf",
		"X-Filename":   "factura.pdf",
	}, "%PDF-1.4")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ev := sub.got[0].ev
	if ev.Kind != event.KindFile || ev.File.Filename != "factura.pdf" || string(ev.File.Data) != "%PDF-1.4" {
		t.Fatalf("event = %+v", ev)
	}

	postInbound(t, srv.URL, map[string]string{"X-From": "u1", "Content-Type": "image/png"}, "png")
	if got := sub.got[1].ev.File.Filename; got != "unknown_file" {
		t.Fatalf("default filename = %q", got)
	}
}

func TestInbound_RejectsMalformedRequests(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := newTestServer(t, gateway.Config{Submitter: sub, MaxBodyBytes: 16})

	cases := []struct {
		name    string
		headers map[string]string
		body    string
		want    int
	}{
		{"missing sender", map[string]string{"Content-Type": "text/plain"}, "hi", http.StatusBadRequest},
		{"empty text", map[string]string{"X-From": "u1", "Content-Type": "text/plain"}, "   ", http.StatusBadRequest},
		{"invalid utf8", map[string]string{"X-From": "u1", "Content-Type": "text/plain"}, "\xff\xfe", http.StatusBadRequest},
		{"empty file", map[string]string{"X-From": "u1", "Content-Type": "application/pdf"}, "", http.StatusBadRequest},
		{"too large", map[string]string{"X-From": "u1", "Content-Type": "text/plain"}, strings.Repeat("x", 64), http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, payload := postInbound(t, srv.URL, tc.headers, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d want %d payload=%v", resp.StatusCode, tc.want, payload)
			}
			if payload["error"] == nil {
				t.Fatalf("missing error body: %v", payload)
			}
		})
	}
	if len(sub.got) != 0 {
		t.Fatalf("malformed requests must not be queued: %+v", sub.got)
	}
}

func TestInbound_MethodAndShutdown(t *testing.T) {
	sub := &fakeSubmitter{err: engine.ErrShuttingDown}
	srv := newTestServer(t, gateway.Config{Submitter: sub})

	resp, err := http.Get(srv.URL + "/webhook/inbound")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}

	resp, _ = postInbound(t, srv.URL, map[string]string{"X-From": "u1", "Content-Type": "text/plain"}, "hi")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("shutdown status = %d", resp.StatusCode)
	}
}

func TestInbound_RateLimitedPerIdentity(t *testing.T) {
	sub := &fakeSubmitter{}
	limiter := gateway.NewRateLimiter(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 1})
	srv := newTestServer(t, gateway.Config{Submitter: sub, Limiter: limiter})

	headers := map[string]string{"X-From": "u1", "Content-Type": "text/plain"}
	if resp, _ := postInbound(t, srv.URL, headers, "one"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp, _ := postInbound(t, srv.URL, headers, "two")
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("second status = %d", resp.StatusCode)
	}
	if resp, _ := postInbound(t, srv.URL, map[string]string{"X-From": "u2", "Content-Type": "text/plain"}, "x"); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("other identity status = %d", resp.StatusCode)
	}
}

func authedGet(t *testing.T, url string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	return resp
}

func TestAdmin_QueuesDeadLettersAndMetrics(t *testing.T) {
	store := openStoreForGatewayTest(t)
	ctx := context.Background()
	for _, text := range []string{"a", "b"} {
		if _, err := store.EnqueueEvent(ctx, "u1", event.NewText(text)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	if err := store.RecordDeadLetter(ctx, "u2", []byte(`{}`), "corrupt"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	srv := newTestServer(t, gateway.Config{Queues: store, Drainer: &fakeDrainer{}})

	resp := authedGet(t, srv.URL+"/api/queues")
	var queues struct {
		Queues []persistence.QueueStat `json:"queues"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&queues)
	resp.Body.Close()
	if len(queues.Queues) != 1 || queues.Queues[0].Identity != "u1" || queues.Queues[0].Depth != 2 {
		t.Fatalf("queues = %+v", queues)
	}

	resp = authedGet(t, srv.URL+"/api/dead-letters?limit=5")
	var letters struct {
		Count int `json:"count"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&letters)
	resp.Body.Close()
	if letters.Count != 1 {
		t.Fatalf("dead letters = %+v", letters)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`concierge_queue_depth{identity="u1"} 2`,
		"concierge_queue_depth_total 2",
		"concierge_dead_letters 1",
		"concierge_active_drains 1",
	} {
		if !strings.Contains(string(raw), want) {
			t.Fatalf("metrics missing %q:\n%s", want, raw)
		}
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	srv := newTestServer(t, gateway.Config{Queues: openStoreForGatewayTest(t)})
	resp, err := http.Get(srv.URL + "/api/queues")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestAdmin_DrainTriggersEngine(t *testing.T) {
	drainer := &fakeDrainer{}
	srv := newTestServer(t, gateway.Config{Drainer: drainer})

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/queues/5215550001/drain", nil)
	req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	if resp.StatusCode != http.StatusOK || payload["processed"] != float64(2) || payload["reason"] != "empty" {
		t.Fatalf("status=%d payload=%v", resp.StatusCode, payload)
	}
	if len(drainer.identities) != 1 || drainer.identities[0] != "5215550001" {
		t.Fatalf("drained = %v", drainer.identities)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, gateway.Config{Queues: openStoreForGatewayTest(t)})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestEventsStreamForwardsBusEvents(t *testing.T) {
	b := bus.New()
	srv := newTestServer(t, gateway.Config{Bus: b})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?topic=loop.&identity=u1"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + gatewayTestAuthToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription is registered after the upgrade; publish until a
	// frame arrives.
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.Publish(bus.TopicDrainStarted, "u1", nil)
				b.Publish(bus.TopicLoopStarted, "u2", nil)
				b.Publish(bus.TopicLoopStarted, "u1", bus.LoopStepEvent{LoopID: "l-1"})
			}
		}
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got bus.Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Topic != bus.TopicLoopStarted || got.Identity != "u1" {
		t.Fatalf("event = %+v", got)
	}
}
