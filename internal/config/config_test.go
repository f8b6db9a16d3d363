package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hbridge/hbridge-go/internal/types"
)

func clearEnv() {
	envVars := []string{
		"LISTEN_HOST", "LISTEN_PORT", "AUTH_TOKEN", "CORS_ALLOWED_ORIGINS",
		"MAX_ACTIVE_VIEWS", "HEADLESS", "BROWSER_PATH", "LOG_LEVEL",
		"METRICS_ENABLED", "METRICS_PORT",
		"PPROF_ENABLED", "PPROF_PORT", "PPROF_BIND_ADDR",
	}
	for _, env := range envVars {
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Validate()

	if cfg.ListenHost != "0.0.0.0" {
		t.Errorf("Expected default host '0.0.0.0', got %q", cfg.ListenHost)
	}
	if cfg.ListenPort != 8787 {
		t.Errorf("Expected default port 8787, got %d", cfg.ListenPort)
	}
	if cfg.CanvasWidth != 384 || cfg.CanvasHeight != 64 {
		t.Errorf("Expected default canvas 384x64, got %dx%d", cfg.CanvasWidth, cfg.CanvasHeight)
	}
	if cfg.CaptureMinIntervalMs != 200 || cfg.CaptureMaxIntervalMs != 2000 {
		t.Errorf("Expected default capture intervals 200/2000, got %d/%d",
			cfg.CaptureMinIntervalMs, cfg.CaptureMaxIntervalMs)
	}
	if cfg.MaxActiveViews != 2 {
		t.Errorf("Expected default maxActiveViews 2, got %d", cfg.MaxActiveViews)
	}
	if cfg.InactiveGraceMs != 5000 || cfg.ClosePageAfterInactiveMs != 15000 || cfg.CloseBrowserAfterInactiveMs != 30000 {
		t.Errorf("Expected default teardown timings 5000/15000/30000, got %d/%d/%d",
			cfg.InactiveGraceMs, cfg.ClosePageAfterInactiveMs, cfg.CloseBrowserAfterInactiveMs)
	}
	if cfg.AutoReloadMs != 0 {
		t.Errorf("Expected auto-reload disabled by default, got %d", cfg.AutoReloadMs)
	}
	if !cfg.Headless {
		t.Error("Expected headless by default")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level info, got %q", cfg.LogLevel)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hbridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	clearEnv()

	path := writeConfig(t, `
listenPort: 9000
authToken: secret
canvasWidth: 128
canvasHeight: 32
captureMinIntervalMs: 100
captureMaxIntervalMs: 1000
maxActiveViews: 3
inactiveGraceMs: 0
cacheBustOnReload: true
activeView: second
views:
  - id: first
    url: http://dash.local/1
    busyFps: 5
  - id: second
    url: http://dash.local/2
    enabled: false
  - id: broken
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Validate()

	if cfg.ListenPort != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.ListenPort)
	}
	if cfg.AuthToken != "secret" {
		t.Errorf("Expected auth token from file, got %q", cfg.AuthToken)
	}
	if cfg.InactiveGraceMs != 0 {
		t.Errorf("Expected explicit zero grace to survive, got %d", cfg.InactiveGraceMs)
	}
	if !cfg.CacheBustOnReload {
		t.Error("Expected cacheBustOnReload true")
	}

	// The entry missing a url is dropped.
	if len(cfg.Views) != 2 {
		t.Fatalf("Expected 2 valid views, got %d", len(cfg.Views))
	}
	first, ok := cfg.ViewByID("first")
	if !ok {
		t.Fatal("Expected view first to exist")
	}
	if !first.Enabled {
		t.Error("Expected enabled to default to true")
	}
	if first.BusyFPS != 5 {
		t.Errorf("Expected busyFps 5, got %d", first.BusyFPS)
	}
	second, _ := cfg.ViewByID("second")
	if second.Enabled {
		t.Error("Expected explicit enabled:false to survive")
	}
	if second.BusyFPS != 10 {
		t.Errorf("Expected absent busyFps to default to 10, got %d", second.BusyFPS)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv()
	t.Setenv("LISTEN_PORT", "9999")
	t.Setenv("AUTH_TOKEN", "env-token")
	t.Setenv("MAX_ACTIVE_VIEWS", "4")
	t.Setenv("HEADLESS", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Validate()

	if cfg.ListenPort != 9999 {
		t.Errorf("Expected env port 9999, got %d", cfg.ListenPort)
	}
	if cfg.AuthToken != "env-token" {
		t.Errorf("Expected env auth token, got %q", cfg.AuthToken)
	}
	if cfg.MaxActiveViews != 4 {
		t.Errorf("Expected env maxActiveViews 4, got %d", cfg.MaxActiveViews)
	}
	if cfg.Headless {
		t.Error("Expected HEADLESS=false to apply")
	}
}

func TestValidateClamps(t *testing.T) {
	clearEnv()

	cfg := Defaults()
	cfg.ListenPort = -1
	cfg.MaxActiveViews = 99
	cfg.CaptureMinIntervalMs = 10
	cfg.CaptureMaxIntervalMs = 5
	cfg.CanvasWidth = 100000
	cfg.LogLevel = "loud"
	cfg.BrowserPath = "../../etc/passwd"
	cfg.Validate()

	if cfg.ListenPort != 8787 {
		t.Errorf("Expected invalid port to fall back to 8787, got %d", cfg.ListenPort)
	}
	if cfg.MaxActiveViews != 10 {
		t.Errorf("Expected maxActiveViews clamped to 10, got %d", cfg.MaxActiveViews)
	}
	if cfg.CaptureMinIntervalMs != 50 {
		t.Errorf("Expected min interval clamped to 50, got %d", cfg.CaptureMinIntervalMs)
	}
	if cfg.CaptureMaxIntervalMs != 50 {
		t.Errorf("Expected max interval clamped up to min, got %d", cfg.CaptureMaxIntervalMs)
	}
	if cfg.CanvasWidth != 8192 {
		t.Errorf("Expected canvas width clamped to 8192, got %d", cfg.CanvasWidth)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected invalid log level to fall back to info, got %q", cfg.LogLevel)
	}
	if cfg.BrowserPath != "" {
		t.Errorf("Expected traversal browser path to be discarded, got %q", cfg.BrowserPath)
	}
}

func TestDefaultViewID(t *testing.T) {
	cfg := Defaults()
	if cfg.DefaultViewID() != "" {
		t.Errorf("Expected empty default with no views, got %q", cfg.DefaultViewID())
	}

	cfg.Views = []types.View{
		{ID: "a", URL: "http://dash.local/a", Enabled: false},
		{ID: "b", URL: "http://dash.local/b", Enabled: true},
		{ID: "c", URL: "http://dash.local/c", Enabled: true},
	}
	if cfg.DefaultViewID() != "b" {
		t.Errorf("Expected first enabled view b, got %q", cfg.DefaultViewID())
	}

	cfg.DefaultView = "c"
	if cfg.DefaultViewID() != "c" {
		t.Errorf("Expected defaultView to win, got %q", cfg.DefaultViewID())
	}

	cfg.ActiveView = "a"
	if cfg.DefaultViewID() != "a" {
		t.Errorf("Expected activeView to win over defaultView, got %q", cfg.DefaultViewID())
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Defaults()
	if cfg.CaptureMinInterval() != 200*time.Millisecond {
		t.Errorf("Expected 200ms, got %v", cfg.CaptureMinInterval())
	}
	if cfg.CloseBrowserAfter() != 30*time.Second {
		t.Errorf("Expected 30s, got %v", cfg.CloseBrowserAfter())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/hbridge.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}
