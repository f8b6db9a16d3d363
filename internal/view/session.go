package view

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hbridge/hbridge-go/internal/frame"
	"github.com/hbridge/hbridge-go/internal/metrics"
	"github.com/hbridge/hbridge-go/internal/types"
)

// Loop timing constants. The 2 second burst window and the double-RAF paint
// debounce are tuned for LED-matrix rendering and are part of the contract.
const (
	quietSleep  = 200 * time.Millisecond
	errorSleep  = time.Second
	burstWindow = 2 * time.Second

	// NavTimeout bounds navigations and reloads.
	NavTimeout = 45 * time.Second
)

// cacheBustParam is the query parameter appended to reload URLs to defeat
// the dashboard server's cached resources.
const cacheBustParam = "hb_ts"

// cacheBustExcludeSuffix marks URLs whose query string is a project
// selector; those are reloaded unchanged.
const cacheBustExcludeSuffix = "/vis/index.html"

// Options are the session-level knobs resolved from global config.
// MaxInterval is clamped to be >= the view's derived minimum.
type Options struct {
	MaxInterval    time.Duration
	AutoReload     time.Duration
	CacheBust      bool
	InactiveGrace  time.Duration
	ClosePageAfter time.Duration
}

// FrameFunc receives every newly published frame.
type FrameFunc func(f *frame.Frame, viewID string)

// Session owns one view's page and capture loop. Its mutable state is
// written by its own loop and by the pool's activation paths; one mutex
// serializes those writers, while the one-shot flags are atomics observed
// at the loop's suspension points.
type Session struct {
	mu sync.Mutex

	view    types.View
	page    Page
	newPage NewPageFunc

	subscribers  int
	lastHTTPSeen time.Time
	lastInactive time.Time

	wantCapture atomic.Bool
	wantReload  atomic.Bool
	enabled     atomic.Bool
	running     atomic.Bool

	opts        Options
	minInterval time.Duration
	maxInterval time.Duration
	probe       time.Duration

	lastReload  time.Time
	lastCapture time.Time
	lastChange  time.Time
	lastErr     string
	lastFrame   *frame.Frame

	onFrame FrameFunc
	now     func() time.Time

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	done        chan struct{}
}

// NewSession creates a session shell for a view. The loop is not started;
// the pool starts it on first activation.
func NewSession(v types.View, opts Options, newPage NewPageFunc, onFrame FrameFunc) *Session {
	min := v.MinCaptureInterval()
	max := opts.MaxInterval
	if max < min {
		max = min
	}
	return &Session{
		view:        v,
		newPage:     newPage,
		opts:        opts,
		minInterval: min,
		maxInterval: max,
		probe:       min,
		onFrame:     onFrame,
		now:         time.Now,
	}
}

// Start launches the capture loop. It is idempotent.
func (s *Session) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.running.Load() {
		return
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running.Store(true)
	go s.run(s.stopCh, s.done)
	log.Debug().Str("view", s.ViewID()).Msg("Session loop started")
}

// Stop signals the loop, waits for it to exit, and closes the page.
// The session shell survives and can be restarted.
func (s *Session) Stop() {
	s.lifecycleMu.Lock()
	if !s.running.Load() {
		s.lifecycleMu.Unlock()
		s.closePage()
		return
	}
	s.running.Store(false)
	close(s.stopCh)
	done := s.done
	s.lifecycleMu.Unlock()

	<-done
	s.closePage()
	log.Debug().Str("view", s.ViewID()).Msg("Session stopped")
}

// Running reports whether the capture loop is live.
func (s *Session) Running() bool {
	return s.running.Load()
}

// ViewID returns the id of the session's current view.
func (s *Session) ViewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.ID
}

// View returns a copy of the session's current view configuration.
func (s *Session) View() types.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// LastFrame returns the latest published frame, or nil.
func (s *Session) LastFrame() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}

// Subscribe registers one more subscriber and primes an immediate capture.
func (s *Session) Subscribe() {
	s.mu.Lock()
	s.subscribers++
	s.lastInactive = time.Time{}
	s.mu.Unlock()
	s.wantCapture.Store(true)
	s.enabled.Store(true)
}

// Unsubscribe drops one subscriber; when the count reaches zero the
// inactivity clock starts. Teardown is governed by the grace timeouts.
func (s *Session) Unsubscribe(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers > 0 {
		s.subscribers--
	}
	if s.subscribers == 0 {
		s.lastInactive = now
	}
}

// TouchHTTP records an HTTP frame request and primes an immediate capture.
func (s *Session) TouchHTTP(now time.Time) {
	s.mu.Lock()
	s.lastHTTPSeen = now
	s.lastInactive = time.Time{}
	s.mu.Unlock()
	s.wantCapture.Store(true)
	s.enabled.Store(true)
}

// Wanted reports whether the view is active: it has subscribers, or HTTP or
// inactivity activity within the grace window.
func (s *Session) Wanted(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wantedLocked(now)
}

func (s *Session) wantedLocked(now time.Time) bool {
	if s.subscribers > 0 {
		return true
	}
	last := laterOf(s.lastHTTPSeen, s.lastInactive)
	if last.IsZero() {
		return false
	}
	return now.Sub(last) <= s.opts.InactiveGrace
}

// CaptureNow raises the one-shot capture flag.
func (s *Session) CaptureNow() {
	s.wantCapture.Store(true)
}

// ReloadNow raises the one-shot reload flag.
func (s *Session) ReloadNow() {
	s.wantReload.Store(true)
}

// SetView replaces the session's view configuration, re-deriving the
// capture interval bounds from the new busy frame rate and navigating the
// open page if the URL changed.
func (s *Session) SetView(v types.View) {
	s.mu.Lock()
	old := s.view
	s.view = v
	if v.BusyFPS != old.BusyFPS {
		s.minInterval = v.MinCaptureInterval()
		if s.maxInterval < s.minInterval {
			s.maxInterval = s.minInterval
		}
	}
	s.probe = s.minInterval
	page := s.page
	s.mu.Unlock()
	s.wantCapture.Store(true)

	if page != nil && page.URL() != v.URL {
		if err := page.Navigate(v.URL, NavTimeout); err != nil {
			s.recordError(fmt.Errorf("navigate to %s: %w", v.URL, err))
		}
	}
}

// Tick runs the session's activation gating: wanted sessions get a page,
// unwanted sessions lose their page once inactivity outlasts the combined
// grace and page-close windows.
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	wanted := s.wantedLocked(now)
	page := s.page
	activity := laterOf(s.lastHTTPSeen, s.lastInactive)
	viewURL := s.view.URL
	s.mu.Unlock()

	if !wanted {
		s.enabled.Store(false)
		if page != nil && now.Sub(activity) >= s.opts.InactiveGrace+s.opts.ClosePageAfter {
			log.Info().Str("view", s.ViewID()).Msg("Closing idle page")
			s.closePage()
		}
		return
	}

	s.enabled.Store(true)
	if page == nil {
		p, err := s.newPage()
		if err != nil {
			s.recordError(fmt.Errorf("open page: %w", err))
			return
		}
		s.mu.Lock()
		s.page = p
		s.mu.Unlock()
		page = p
	}
	if page.URL() != viewURL {
		if err := page.Navigate(viewURL, NavTimeout); err != nil {
			s.recordError(fmt.Errorf("navigate to %s: %w", viewURL, err))
		}
	}
}

// DropPage clears the page reference without closing it. Used when the
// browser owning the page is already gone.
func (s *Session) DropPage() {
	s.mu.Lock()
	s.page = nil
	s.mu.Unlock()
}

// HasPage reports whether the session currently holds an open page.
func (s *Session) HasPage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.page != nil
}

func (s *Session) closePage() {
	s.mu.Lock()
	page := s.page
	s.page = nil
	s.mu.Unlock()
	if page != nil {
		if err := page.Close(); err != nil {
			log.Debug().Err(err).Str("view", s.ViewID()).Msg("Error closing page")
		}
	}
}

// run is the capture loop. All external state (flags, view reassignment,
// stop signal) is observed at the sleep, eval, screenshot, and navigation
// suspension points.
func (s *Session) run(stopCh chan struct{}, done chan struct{}) {
	defer close(done)

	for s.running.Load() {
		s.mu.Lock()
		page := s.page
		v := s.view
		autoReload := s.opts.AutoReload
		lastReload := s.lastReload
		s.mu.Unlock()

		if !s.enabled.Load() || page == nil || v.ID == "" {
			if !sleepOr(stopCh, quietSleep) {
				return
			}
			continue
		}

		now := s.now()

		if s.wantReload.Swap(false) || (autoReload > 0 && now.Sub(lastReload) >= autoReload) {
			s.reload(page, now)
			if !sleepOr(stopCh, quietSleep) {
				return
			}
			continue
		}

		capture := false
		if s.wantCapture.Swap(false) {
			capture = true
		} else {
			dirty, err := s.consumeDirty(page)
			if err != nil {
				s.recordError(fmt.Errorf("dirty check: %w", err))
				if !sleepOr(stopCh, errorSleep) {
					return
				}
				continue
			}
			s.mu.Lock()
			if dirty {
				capture = true
				s.lastChange = now
				s.probe = s.minInterval
			} else if now.Sub(s.lastCapture) >= s.probe {
				// Silent probe: pick up pixel changes the DOM observer
				// cannot see, e.g. canvas animations.
				capture = true
			}
			s.mu.Unlock()
		}

		s.mu.Lock()
		throttle := capture &&
			now.Sub(s.lastChange) <= burstWindow &&
			now.Sub(s.lastCapture) < s.minInterval
		minInterval := s.minInterval
		s.mu.Unlock()

		if throttle {
			if !sleepOr(stopCh, minInterval) {
				return
			}
			continue
		}
		if !capture {
			if !sleepOr(stopCh, quietSleep) {
				return
			}
			continue
		}

		if err := s.capture(page, now); err != nil {
			s.recordError(err)
			if !sleepOr(stopCh, errorSleep) {
				return
			}
		}
	}
}

// capture debounces paint, screenshots the page, and publishes the frame if
// its pixels changed. Identical back-to-back screenshots back the probe off
// instead of re-publishing.
func (s *Session) capture(page Page, now time.Time) error {
	if _, err := page.Eval(paintDebounceScript); err != nil {
		return fmt.Errorf("paint debounce: %w", err)
	}

	png, err := page.Screenshot()
	if err != nil {
		return fmt.Errorf("screenshot: %w", err)
	}

	f := frame.New(png, now)

	s.mu.Lock()
	s.lastCapture = now
	changed := s.lastFrame == nil || s.lastFrame.ETag != f.ETag
	if changed {
		s.lastFrame = f
		s.probe = s.minInterval
		s.lastChange = now
		s.lastErr = ""
	} else {
		s.probe = s.probe * 3 / 2
		if s.probe > s.maxInterval {
			s.probe = s.maxInterval
		}
	}
	viewID := s.view.ID
	onFrame := s.onFrame
	probe := s.probe
	s.mu.Unlock()

	if changed {
		log.Debug().
			Str("view", viewID).
			Str("etag", f.ETag).
			Int("bytes", len(f.PNG)).
			Msg("Frame changed")
		if onFrame != nil {
			onFrame(f, viewID)
		}
	} else {
		log.Trace().
			Str("view", viewID).
			Dur("probe", probe).
			Msg("Frame unchanged, backing off")
	}
	return nil
}

// consumeDirty reads-and-clears the in-page dirty flag.
func (s *Session) consumeDirty(page Page) (bool, error) {
	v, err := page.Eval(consumeDirtyScript)
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

// reload navigates to the cache-busted URL (or reloads in place), marks the
// page dirty, and primes a capture. Navigation failures are absorbed.
func (s *Session) reload(page Page, now time.Time) {
	s.mu.Lock()
	rawURL := s.view.URL
	cacheBust := s.opts.CacheBust
	s.mu.Unlock()

	target := CacheBustURL(rawURL, cacheBust, now)
	var err error
	if target != page.URL() {
		err = page.Navigate(target, NavTimeout)
	} else {
		err = page.Reload(NavTimeout)
	}
	if err != nil {
		s.recordError(fmt.Errorf("reload %s: %w", target, err))
	}

	if _, everr := page.Eval(markDirtyScript); everr != nil {
		log.Debug().Err(everr).Str("view", s.ViewID()).Msg("Could not mark page dirty after reload")
	}

	s.mu.Lock()
	s.lastReload = now
	s.probe = s.minInterval
	s.mu.Unlock()
	s.wantCapture.Store(true)

	metrics.Reloads.WithLabelValues(s.ViewID()).Inc()
	log.Debug().Str("view", s.ViewID()).Str("url", target).Msg("Page reloaded")
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	viewID := s.view.ID
	s.mu.Unlock()
	metrics.CaptureErrors.WithLabelValues(viewID).Inc()
	log.Warn().Err(err).Str("view", viewID).Msg("Session error")
}

// LastError returns the most recent absorbed error message, if any.
func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Status is a point-in-time snapshot of session state for status reporting.
type Status struct {
	ViewID        string `json:"viewId"`
	URL           string `json:"url"`
	Subscribers   int    `json:"subscribers"`
	PageOpen      bool   `json:"pageOpen"`
	LoopRunning   bool   `json:"loopRunning"`
	Enabled       bool   `json:"enabled"`
	ProbeMs       int64  `json:"probeMs"`
	LastCaptureTs int64  `json:"lastCaptureTs,omitempty"`
	LastReloadTs  int64  `json:"lastReloadTs,omitempty"`
	LastChangeTs  int64  `json:"lastChangeTs,omitempty"`
	LastETag      string `json:"lastEtag,omitempty"`
	LastError     string `json:"lastError,omitempty"`
}

// Snapshot returns the session's current status.
func (s *Session) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ViewID:      s.view.ID,
		URL:         s.view.URL,
		Subscribers: s.subscribers,
		PageOpen:    s.page != nil,
		LoopRunning: s.running.Load(),
		Enabled:     s.enabled.Load(),
		ProbeMs:     s.probe.Milliseconds(),
		LastError:   s.lastErr,
	}
	if !s.lastCapture.IsZero() {
		st.LastCaptureTs = s.lastCapture.UnixMilli()
	}
	if !s.lastReload.IsZero() {
		st.LastReloadTs = s.lastReload.UnixMilli()
	}
	if !s.lastChange.IsZero() {
		st.LastChangeTs = s.lastChange.UnixMilli()
	}
	if s.lastFrame != nil {
		st.LastETag = s.lastFrame.ETag
	}
	return st
}

// CacheBustURL appends (or replaces) the hb_ts query parameter when cache
// busting is enabled. URLs whose path ends in /vis/index.html are returned
// unchanged: their query string is a project selector, not a cache key.
// Unparseable URLs are returned unchanged.
func CacheBustURL(raw string, enabled bool, now time.Time) string {
	if !enabled {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		log.Warn().Err(err).Str("url", raw).Msg("Cannot cache-bust unparseable URL")
		return raw
	}
	if strings.HasSuffix(strings.ToLower(u.Path), cacheBustExcludeSuffix) {
		return raw
	}
	q := u.Query()
	q.Set(cacheBustParam, strconv.FormatInt(now.UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// sleepOr sleeps for d, returning false if the stop channel fired first.
func sleepOr(stopCh <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
