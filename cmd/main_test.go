package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/filipc77/cowrite/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:               7345,
		Root:               t.TempDir(),
		DataFile:           filepath.Join(t.TempDir(), "comments.json"),
		ReloadGuard:        200 * time.Millisecond,
		WatchDebounce:      20 * time.Millisecond,
		DefaultWaitTimeout: time.Second,
		LogLevel:           "info",
	}
}

func TestNewApp_Commands(t *testing.T) {
	app := newApp()
	if app.Command("serve") == nil {
		t.Error("expected serve command to be registered")
	}
	if app.Command("mcp") == nil {
		t.Error("expected mcp command to be registered")
	}
}

func TestRunServe_StartsServerWithValidConfig(t *testing.T) {
	cfg := testConfig(t)

	capturedCh := make(chan *http.Server, 1)
	listen := func(srv *http.Server) error {
		capturedCh <- srv
		return http.ErrServerClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := runServe(ctx, cfg, listen); err != nil {
		t.Fatalf("runServe() returned error: %v", err)
	}

	var captured *http.Server
	select {
	case captured = <-capturedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("listen was not called")
	}
	if captured.Addr != ":7345" {
		t.Fatalf("serve addr = %q, want :7345", captured.Addr)
	}

	// Smoke test a couple of routes to ensure router wiring is intact.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/comments", nil)
	captured.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/comments status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	captured.Handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("/ status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body == "" {
		t.Fatal("root body should not be empty")
	}
}

func TestRunServe_ReturnsErrorWhenListenFails(t *testing.T) {
	cfg := testConfig(t)

	expected := errors.New("listen failed")
	err := runServe(context.Background(), cfg, func(*http.Server) error {
		return expected
	})

	if err == nil {
		t.Fatalf("runServe() error = nil, want %v", expected)
	}
	if !errors.Is(err, expected) {
		t.Fatalf("runServe() error = %v, want to wrap %v", err, expected)
	}
}

func TestRunServe_BadRoot(t *testing.T) {
	cfg := testConfig(t)
	cfg.Root = filepath.Join(cfg.Root, "does-not-exist")

	called := make(chan struct{}, 1)
	err := runServe(context.Background(), cfg, func(*http.Server) error {
		called <- struct{}{}
		return http.ErrServerClosed
	})
	if err == nil {
		t.Fatal("runServe() error = nil, want engine build failure")
	}
	select {
	case <-called:
		t.Fatal("listen should not be called when the engine fails to build")
	default:
	}
}

func TestBuildEngine_WatcherStartFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Root = filepath.Join(cfg.Root, "does-not-exist")

	// The watcher exists by the time Start fails; the error path closes it
	// along with the store rather than leaking its descriptor.
	eng, err := buildEngine(cfg)
	if err == nil {
		eng.shutdown()
		t.Fatal("buildEngine() error = nil, want watcher start failure")
	}
	if !strings.Contains(err.Error(), "failed to start watcher") {
		t.Fatalf("buildEngine() error = %v, want watcher start failure", err)
	}
}

func TestBuildEngine_Shutdown(t *testing.T) {
	cfg := testConfig(t)

	eng, err := buildEngine(cfg)
	if err != nil {
		t.Fatalf("buildEngine() returned error: %v", err)
	}
	if eng.router == nil {
		t.Error("expected engine router to be set")
	}

	c := eng.store.Add("main.go", 0, 5, "hello", "check")
	if _, err := eng.store.Get(c.ID); err != nil {
		t.Errorf("Get failed: %v", err)
	}

	eng.shutdown()
	// Shutting down twice must not panic.
	eng.shutdown()
}
