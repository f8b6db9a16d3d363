package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ysmood/gson"

	"github.com/hbridge/hbridge-go/internal/adapter"
	"github.com/hbridge/hbridge-go/internal/config"
	"github.com/hbridge/hbridge-go/internal/frame"
	"github.com/hbridge/hbridge-go/internal/hub"
	"github.com/hbridge/hbridge-go/internal/middleware"
	"github.com/hbridge/hbridge-go/internal/renderer"
	"github.com/hbridge/hbridge-go/internal/types"
	"github.com/hbridge/hbridge-go/internal/view"
)

// fakePage produces a stable screenshot and reports dirty on first read.
type fakePage struct {
	mu    sync.Mutex
	url   string
	dirty bool
}

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) Navigate(u string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = u
	return nil
}

func (p *fakePage) Reload(_ time.Duration) error { return nil }

func (p *fakePage) Eval(js string) (gson.JSON, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.dirty
	p.dirty = false
	return gson.New(was), nil
}

func (p *fakePage) Screenshot() ([]byte, error) { return []byte("png-pixels"), nil }

func (p *fakePage) Close() error { return nil }

type fakeDriver struct {
	mu      sync.Mutex
	running bool
}

func (d *fakeDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
	return nil
}

func (d *fakeDriver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *fakeDriver) NewPage() (view.Page, error) {
	return &fakePage{dirty: true}, nil
}

func (d *fakeDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	return nil
}

type testEnv struct {
	server *httptest.Server
	pool   *renderer.Pool
	store  *frame.Store
	hub    *hub.Hub
	state  *adapter.State
}

func newTestEnv(t *testing.T, maxActive int, token string) *testEnv {
	t.Helper()

	cfg := config.Defaults()
	cfg.MaxActiveViews = maxActive
	cfg.AuthToken = token
	cfg.Views = []types.View{
		{ID: "A", URL: "http://dash.local/a", Enabled: true, BusyFPS: 10},
		{ID: "B", URL: "http://dash.local/b", Enabled: true, BusyFPS: 10},
		{ID: "C", URL: "http://dash.local/c", Enabled: true, BusyFPS: 10},
	}

	store := frame.NewStore()
	h := hub.New()

	onFrame := func(f *frame.Frame, viewID string) {
		store.Put(viewID, f)
		if msg := FrameMessage(viewID, f); msg != nil {
			h.Broadcast(viewID, msg)
		}
	}

	pool := renderer.NewPool(renderer.Options{
		MaxActiveViews: maxActive,
		Session: view.Options{
			MaxInterval:    2 * time.Second,
			InactiveGrace:  5 * time.Second,
			ClosePageAfter: 15 * time.Second,
		},
	}, &fakeDriver{}, cfg.Views, onFrame)

	state := adapter.New(adapter.NopSink{}, pool, "A", nil)
	handler := New(cfg, pool, store, h, state)

	chained := middleware.Chain(
		middleware.Recovery,
		middleware.Token(token),
	)(handler)

	server := httptest.NewServer(chained)
	t.Cleanup(func() {
		server.Close()
		_ = pool.Close()
	})

	return &testEnv{server: server, pool: pool, store: store, hub: h, state: state}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 2, "")

	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["ok"] != true {
		t.Errorf("Expected ok:true, got %v", body)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, 2, "")

	resp, err := http.Get(env.server.URL + "/status.json")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	status, ok := body["status"].(map[string]any)
	if !ok {
		t.Fatalf("Expected status object, got %v", body)
	}
	if status["activeViewId"] != "A" {
		t.Errorf("Expected activeViewId A, got %v", status["activeViewId"])
	}
	if _, ok := status["pool"]; !ok {
		t.Error("Expected pool snapshot in status")
	}
}

func TestFrameUnknownView(t *testing.T) {
	env := newTestEnv(t, 2, "")

	resp, err := http.Get(env.server.URL + "/frame/ghost.png")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] != types.CodeUnknownView {
		t.Errorf("Expected unknown_view, got %v", body["error"])
	}
}

func TestFrameColdStartServesPNGAndRevalidates(t *testing.T) {
	env := newTestEnv(t, 2, "")

	// Cold start: the request admits the view, waits for the first
	// capture, and serves it.
	resp, err := http.Get(env.server.URL + "/frame/A.png")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Expected Cache-Control no-cache, got %q", cc)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("Expected an ETag header")
	}
	if string(body) != "png-pixels" {
		t.Errorf("Expected screenshot bytes, got %q", body)
	}

	// Revalidation with the same ETag returns 304 with no body.
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/frame/A.png", nil)
	req.Header.Set("If-None-Match", etag)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotModified {
		t.Errorf("Expected 304, got %d", resp2.StatusCode)
	}
	if got := resp2.Header.Get("ETag"); got != etag {
		t.Errorf("Expected ETag %q on 304, got %q", etag, got)
	}
}

func TestFrameLegacyRouteFallsBackToActiveView(t *testing.T) {
	env := newTestEnv(t, 2, "")

	resp, err := http.Get(env.server.URL + "/frame.png")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected legacy route to serve the active view, got %d", resp.StatusCode)
	}
}

func TestFrameTooManyActiveViews(t *testing.T) {
	env := newTestEnv(t, 1, "")

	resp, err := http.Get(env.server.URL + "/frame/A.png")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 for first view, got %d", resp.StatusCode)
	}

	resp2, err := http.Get(env.server.URL + "/frame/B.png")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp2.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", resp2.StatusCode)
	}
	body := decodeBody(t, resp2)
	if body["error"] != types.CodeTooManyViews {
		t.Errorf("Expected too_many_active_views, got %v", body["error"])
	}
	if body["limit"] != float64(1) {
		t.Errorf("Expected limit 1, got %v", body["limit"])
	}
	if body["requested"] != "B" {
		t.Errorf("Expected requested B, got %v", body["requested"])
	}
	active, ok := body["activeViews"].([]any)
	if !ok || len(active) != 1 || active[0] != "A" {
		t.Errorf("Expected activeViews [A], got %v", body["activeViews"])
	}
}

func TestFrameMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, 2, "")

	resp, err := http.Post(env.server.URL+"/frame/A.png", "application/json", nil)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] != types.CodeMethodNotAllowed {
		t.Errorf("Expected method_not_allowed, got %v", body["error"])
	}
}

func TestUnknownPath(t *testing.T) {
	env := newTestEnv(t, 2, "")

	resp, err := http.Get(env.server.URL + "/nope")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["error"] != types.CodeNotFound {
		t.Errorf("Expected not_found, got %v", body["error"])
	}
}

func TestTokenAuth(t *testing.T) {
	env := newTestEnv(t, 2, "s3cret")

	// Missing token is rejected.
	resp, err := http.Get(env.server.URL + "/status.json")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", resp.StatusCode)
	}

	// healthz stays reachable for probes.
	resp, err = http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected healthz to be exempt, got %d", resp.StatusCode)
	}

	// Bearer header is accepted.
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/status.json", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with bearer token, got %d", resp.StatusCode)
	}

	// Query token is accepted.
	resp, err = http.Get(env.server.URL + "/status.json?token=s3cret")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 with query token, got %d", resp.StatusCode)
	}
}

func TestFrameURLEncodedViewID(t *testing.T) {
	env := newTestEnv(t, 2, "")
	env.pool.SetView(types.View{ID: "my view", URL: "http://dash.local/mv", Enabled: true, BusyFPS: 10})

	resp, err := http.Get(env.server.URL + "/frame/my%20view.png")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200 for url-encoded view id, got %d", resp.StatusCode)
	}
}
