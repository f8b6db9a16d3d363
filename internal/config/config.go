// Package config provides application configuration management: a YAML
// config file, environment variable overrides, and range validation that
// clamps out-of-range values instead of failing startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/hbridge/hbridge-go/internal/types"
)

// Configuration bounds. Out-of-range values clamp into range.
const (
	minCaptureIntervalMs = 50
	maxCaptureMinMs      = 60000
	maxCaptureMaxMs      = 600000
	maxAutoReloadMs      = 3600000
	maxInactiveGraceMs   = 600000
	maxCloseAfterMs      = 3600000
	maxActiveViewsCap    = 10
	maxCanvasDim         = 8192
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	ListenHost         string
	ListenPort         int
	AuthToken          string
	CORSAllowedOrigins []string

	// Canvas geometry rendered for the matrix
	CanvasWidth  int
	CanvasHeight int

	// Capture timing
	CaptureMinIntervalMs int
	CaptureMaxIntervalMs int
	AutoReloadMs         int
	CacheBustOnReload    bool

	// Pool limits and idle teardown
	MaxActiveViews              int
	InactiveGraceMs             int
	ClosePageAfterInactiveMs    int
	CloseBrowserAfterInactiveMs int

	// Views
	DefaultView string
	ActiveView  string
	Views       []types.View

	// Browser
	Headless    bool
	BrowserPath string

	// Logging
	LogLevel string

	// Metrics
	MetricsEnabled bool
	MetricsPort    int

	// Profiling
	PProfEnabled  bool
	PProfPort     int
	PProfBindAddr string
}

// fileConfig is the YAML shape. Pointers distinguish absent keys from
// explicit zero values so defaults and clamping behave per option.
type fileConfig struct {
	ListenHost         string   `yaml:"listenHost"`
	ListenPort         *int     `yaml:"listenPort"`
	AuthToken          string   `yaml:"authToken"`
	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`

	CanvasWidth  *int `yaml:"canvasWidth"`
	CanvasHeight *int `yaml:"canvasHeight"`

	CaptureMinIntervalMs *int `yaml:"captureMinIntervalMs"`
	CaptureMaxIntervalMs *int `yaml:"captureMaxIntervalMs"`
	AutoReloadMs         *int `yaml:"autoReloadMs"`
	CacheBustOnReload    bool `yaml:"cacheBustOnReload"`

	MaxActiveViews              *int `yaml:"maxActiveViews"`
	InactiveGraceMs             *int `yaml:"inactiveGraceMs"`
	ClosePageAfterInactiveMs    *int `yaml:"closePageAfterInactiveMs"`
	CloseBrowserAfterInactiveMs *int `yaml:"closeBrowserAfterInactiveMs"`

	DefaultView string      `yaml:"defaultView"`
	ActiveView  string      `yaml:"activeView"`
	Views       []viewEntry `yaml:"views"`

	Headless    *bool  `yaml:"headless"`
	BrowserPath string `yaml:"browserPath"`

	LogLevel string `yaml:"logLevel"`

	MetricsEnabled bool `yaml:"metricsEnabled"`
	MetricsPort    *int `yaml:"metricsPort"`

	PProfEnabled  bool   `yaml:"pprofEnabled"`
	PProfPort     *int   `yaml:"pprofPort"`
	PProfBindAddr string `yaml:"pprofBindAddr"`
}

// viewEntry is the YAML shape of one view. Enabled defaults to true when
// the key is absent.
type viewEntry struct {
	ID      string `yaml:"id"`
	URL     string `yaml:"url"`
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled"`
	BusyFPS int    `yaml:"busyFps"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenHost:                  "0.0.0.0",
		ListenPort:                  8787,
		CanvasWidth:                 384,
		CanvasHeight:                64,
		CaptureMinIntervalMs:        200,
		CaptureMaxIntervalMs:        2000,
		AutoReloadMs:                0,
		MaxActiveViews:              2,
		InactiveGraceMs:             5000,
		ClosePageAfterInactiveMs:    15000,
		CloseBrowserAfterInactiveMs: 30000,
		Headless:                    true,
		LogLevel:                    "info",
		MetricsPort:                 8788,
		PProfPort:                   6060,
		PProfBindAddr:               "127.0.0.1",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment variable overrides. Call Validate afterwards.
func Load(path string) (*Config, error) {
	c := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		c.applyFile(&fc)
		log.Info().Str("path", path).Int("views", len(c.Views)).Msg("Configuration file loaded")
	}

	c.applyEnv()
	return c, nil
}

func (c *Config) applyFile(fc *fileConfig) {
	if fc.ListenHost != "" {
		c.ListenHost = fc.ListenHost
	}
	setInt(&c.ListenPort, fc.ListenPort)
	if fc.AuthToken != "" {
		c.AuthToken = fc.AuthToken
	}
	if len(fc.CORSAllowedOrigins) > 0 {
		c.CORSAllowedOrigins = fc.CORSAllowedOrigins
	}

	setInt(&c.CanvasWidth, fc.CanvasWidth)
	setInt(&c.CanvasHeight, fc.CanvasHeight)
	setInt(&c.CaptureMinIntervalMs, fc.CaptureMinIntervalMs)
	setInt(&c.CaptureMaxIntervalMs, fc.CaptureMaxIntervalMs)
	setInt(&c.AutoReloadMs, fc.AutoReloadMs)
	c.CacheBustOnReload = fc.CacheBustOnReload

	setInt(&c.MaxActiveViews, fc.MaxActiveViews)
	setInt(&c.InactiveGraceMs, fc.InactiveGraceMs)
	setInt(&c.ClosePageAfterInactiveMs, fc.ClosePageAfterInactiveMs)
	setInt(&c.CloseBrowserAfterInactiveMs, fc.CloseBrowserAfterInactiveMs)

	c.DefaultView = fc.DefaultView
	c.ActiveView = fc.ActiveView
	c.Views = make([]types.View, 0, len(fc.Views))
	for _, e := range fc.Views {
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		c.Views = append(c.Views, types.View{
			ID:      e.ID,
			URL:     e.URL,
			Name:    e.Name,
			Enabled: enabled,
			BusyFPS: e.BusyFPS,
		})
	}

	if fc.Headless != nil {
		c.Headless = *fc.Headless
	}
	if fc.BrowserPath != "" {
		c.BrowserPath = fc.BrowserPath
	}
	if fc.LogLevel != "" {
		c.LogLevel = fc.LogLevel
	}

	c.MetricsEnabled = fc.MetricsEnabled
	setInt(&c.MetricsPort, fc.MetricsPort)
	c.PProfEnabled = fc.PProfEnabled
	setInt(&c.PProfPort, fc.PProfPort)
	if fc.PProfBindAddr != "" {
		c.PProfBindAddr = fc.PProfBindAddr
	}
}

func (c *Config) applyEnv() {
	c.ListenHost = getEnvString("LISTEN_HOST", c.ListenHost)
	c.ListenPort = getEnvInt("LISTEN_PORT", c.ListenPort)
	c.AuthToken = getEnvString("AUTH_TOKEN", c.AuthToken)
	c.CORSAllowedOrigins = getEnvStringSlice("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)
	c.MaxActiveViews = getEnvInt("MAX_ACTIVE_VIEWS", c.MaxActiveViews)
	c.Headless = getEnvBool("HEADLESS", c.Headless)
	c.BrowserPath = getEnvString("BROWSER_PATH", c.BrowserPath)
	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)
	c.MetricsEnabled = getEnvBool("METRICS_ENABLED", c.MetricsEnabled)
	c.MetricsPort = getEnvInt("METRICS_PORT", c.MetricsPort)
	c.PProfEnabled = getEnvBool("PPROF_ENABLED", c.PProfEnabled)
	c.PProfPort = getEnvInt("PPROF_PORT", c.PProfPort)
	c.PProfBindAddr = getEnvString("PPROF_BIND_ADDR", c.PProfBindAddr)
}

// Validate clamps out-of-range values into range, logging each adjustment,
// and drops view entries missing an id or url.
func (c *Config) Validate() {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		log.Warn().Int("port", c.ListenPort).Msg("Invalid listen port, using default 8787")
		c.ListenPort = 8787
	}

	c.CanvasWidth = clampInt("canvasWidth", c.CanvasWidth, 1, maxCanvasDim)
	c.CanvasHeight = clampInt("canvasHeight", c.CanvasHeight, 1, maxCanvasDim)

	c.CaptureMinIntervalMs = clampInt("captureMinIntervalMs", c.CaptureMinIntervalMs, minCaptureIntervalMs, maxCaptureMinMs)
	c.CaptureMaxIntervalMs = clampInt("captureMaxIntervalMs", c.CaptureMaxIntervalMs, c.CaptureMinIntervalMs, maxCaptureMaxMs)
	c.AutoReloadMs = clampInt("autoReloadMs", c.AutoReloadMs, 0, maxAutoReloadMs)

	c.MaxActiveViews = clampInt("maxActiveViews", c.MaxActiveViews, 1, maxActiveViewsCap)
	c.InactiveGraceMs = clampInt("inactiveGraceMs", c.InactiveGraceMs, 0, maxInactiveGraceMs)
	c.ClosePageAfterInactiveMs = clampInt("closePageAfterInactiveMs", c.ClosePageAfterInactiveMs, 0, maxCloseAfterMs)
	c.CloseBrowserAfterInactiveMs = clampInt("closeBrowserAfterInactiveMs", c.CloseBrowserAfterInactiveMs, 0, maxCloseAfterMs)

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().Str("path", c.BrowserPath).Msg("browserPath contains path traversal sequence, ignoring")
		c.BrowserPath = ""
	}

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using info")
		c.LogLevel = "info"
	}

	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		log.Warn().Int("port", c.MetricsPort).Msg("Invalid metrics port, using default 8788")
		c.MetricsPort = 8788
	}
	if c.PProfPort < 1 || c.PProfPort > 65535 {
		log.Warn().Int("port", c.PProfPort).Msg("Invalid pprof port, using default 6060")
		c.PProfPort = 6060
	}

	valid := c.Views[:0]
	for _, v := range c.Views {
		if v.ID == "" || v.URL == "" {
			log.Warn().Str("id", v.ID).Str("url", v.URL).Msg("Dropping view entry missing id or url")
			continue
		}
		if v.BusyFPS == 0 {
			v.BusyFPS = types.DefaultBusyFPS
		} else if v.BusyFPS < types.MinBusyFPS {
			log.Warn().Str("view", v.ID).Int("busyFps", v.BusyFPS).Msg("busyFps too low, clamping")
			v.BusyFPS = types.MinBusyFPS
		} else if v.BusyFPS > types.MaxBusyFPS {
			log.Warn().Str("view", v.ID).Int("busyFps", v.BusyFPS).Msg("busyFps too high, clamping")
			v.BusyFPS = types.MaxBusyFPS
		}
		valid = append(valid, v)
	}
	c.Views = valid
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// ViewByID returns the view configuration for an id.
func (c *Config) ViewByID(id string) (types.View, bool) {
	for _, v := range c.Views {
		if v.ID == id {
			return v, true
		}
	}
	return types.View{}, false
}

// DefaultViewID resolves the default view: activeView, then defaultView,
// then the first enabled view. Empty when no view qualifies.
func (c *Config) DefaultViewID() string {
	if c.ActiveView != "" {
		return c.ActiveView
	}
	if c.DefaultView != "" {
		return c.DefaultView
	}
	for _, v := range c.Views {
		if v.Enabled {
			return v.ID
		}
	}
	return ""
}

// Duration accessors for the millisecond options.

func (c *Config) CaptureMinInterval() time.Duration {
	return time.Duration(c.CaptureMinIntervalMs) * time.Millisecond
}

func (c *Config) CaptureMaxInterval() time.Duration {
	return time.Duration(c.CaptureMaxIntervalMs) * time.Millisecond
}

func (c *Config) AutoReload() time.Duration {
	return time.Duration(c.AutoReloadMs) * time.Millisecond
}

func (c *Config) InactiveGrace() time.Duration {
	return time.Duration(c.InactiveGraceMs) * time.Millisecond
}

func (c *Config) ClosePageAfter() time.Duration {
	return time.Duration(c.ClosePageAfterInactiveMs) * time.Millisecond
}

func (c *Config) CloseBrowserAfter() time.Duration {
	return time.Duration(c.CloseBrowserAfterInactiveMs) * time.Millisecond
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func clampInt(name string, v, min, max int) int {
	if v < min {
		log.Warn().Str("option", name).Int("value", v).Int("min", min).Msg("Value too low, clamping")
		return min
	}
	if v > max {
		log.Warn().Str("option", name).Int("value", v).Int("max", max).Msg("Value too high, clamping")
		return max
	}
	return v
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
