// Package adapter bridges the host runtime's key-value state surface: the
// bridge publishes frame and lifecycle info under info.* keys and accepts
// commands on control.* keys.
package adapter

import (
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

// State keys consumed from and published to the host.
const (
	KeyConnection    = "info.connection"
	KeyLastCaptureTs = "info.lastCaptureTs"
	KeyLastETag      = "info.lastEtag"
	KeyLastError     = "info.lastError"
	KeyActiveView    = "control.activeView"
	KeyCaptureNow    = "control.captureNow"
	KeyReloadNow     = "control.reloadNow"
)

// Sink persists state keys on the host side. Implementations must be safe
// for concurrent use; a no-op sink is substituted when no host is attached.
type Sink interface {
	Set(key, value string)
}

// NopSink discards all writes.
type NopSink struct{}

func (NopSink) Set(string, string) {}

// Controller is the slice of pool behavior the command path needs.
type Controller interface {
	CaptureNow(viewID string)
	ReloadNow(viewID string)
}

// State publishes bridge status to the host and routes host commands to the
// pool. The active view is the target of the deprecated one-shot commands
// and the default for view-less frame requests.
type State struct {
	mu         sync.Mutex
	sink       Sink
	ctrl       Controller
	activeView string
	onActive   func(viewID string)
}

// New creates the adapter state surface. onActive is invoked whenever the
// host switches the active view; it may be nil.
func New(sink Sink, ctrl Controller, activeView string, onActive func(viewID string)) *State {
	if sink == nil {
		sink = NopSink{}
	}
	return &State{
		sink:       sink,
		ctrl:       ctrl,
		activeView: activeView,
		onActive:   onActive,
	}
}

// ActiveView returns the current default view id.
func (s *State) ActiveView() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeView
}

// SetConnected publishes the connection state.
func (s *State) SetConnected(up bool) {
	if up {
		s.sink.Set(KeyConnection, "connected")
	} else {
		s.sink.Set(KeyConnection, "disconnected")
	}
}

// FramePublished records a published frame for the host.
func (s *State) FramePublished(ts int64, etag string) {
	s.sink.Set(KeyLastCaptureTs, strconv.FormatInt(ts, 10))
	s.sink.Set(KeyLastETag, etag)
}

// SetLastError publishes the most recent absorbed error, or clears it.
func (s *State) SetLastError(msg string) {
	s.sink.Set(KeyLastError, msg)
}

// Command routes a host command to the pool. Unknown keys are ignored with
// a log line so a misconfigured host surface is visible.
func (s *State) Command(key, value string) {
	switch key {
	case KeyActiveView:
		s.mu.Lock()
		s.activeView = value
		onActive := s.onActive
		s.mu.Unlock()
		s.sink.Set(KeyActiveView, value)
		log.Info().Str("view", value).Msg("Active view switched by host")
		if onActive != nil {
			onActive(value)
		}
	case KeyCaptureNow:
		// Deprecated single-view command; applies to the active view.
		if s.ctrl != nil {
			s.ctrl.CaptureNow(s.ActiveView())
		}
	case KeyReloadNow:
		// Deprecated single-view command; applies to the active view.
		if s.ctrl != nil {
			s.ctrl.ReloadNow(s.ActiveView())
		}
	default:
		log.Debug().Str("key", key).Msg("Ignoring unknown host command")
	}
}
