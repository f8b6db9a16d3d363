package types

import "time"

// BusyFPS bounds. The per-view busy frame rate derives the effective minimum
// capture interval for that view's session.
const (
	MinBusyFPS     = 1
	MaxBusyFPS     = 20
	DefaultBusyFPS = 10
)

// View is a named dashboard configuration to render. It is immutable for a
// session lifetime; the session replaces its copy wholesale on updates.
type View struct {
	ID      string `yaml:"id" json:"id"`
	URL     string `yaml:"url" json:"url"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
	BusyFPS int    `yaml:"busyFps" json:"busyFps"`
}

// MinCaptureInterval returns the per-view minimum capture interval derived
// from BusyFPS: max(50ms, floor(1000/busyFps) ms).
func (v View) MinCaptureInterval() time.Duration {
	fps := v.BusyFPS
	if fps < MinBusyFPS {
		fps = DefaultBusyFPS
	}
	if fps > MaxBusyFPS {
		fps = MaxBusyFPS
	}
	ms := 1000 / fps
	if ms < 50 {
		ms = 50
	}
	return time.Duration(ms) * time.Millisecond
}
