package renderer

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/hbridge/hbridge-go/internal/metrics"
	"github.com/hbridge/hbridge-go/internal/types"
	"github.com/hbridge/hbridge-go/internal/view"
)

// Pool defaults.
const (
	defaultReservationTTL = 5 * time.Second
	defaultTickInterval   = time.Second
)

// Options configure the pool: the active-view cap, the browser idle
// timeout, and the per-session knobs handed to every created session.
type Options struct {
	MaxActiveViews    int
	ReservationTTL    time.Duration
	TickInterval      time.Duration
	CloseBrowserAfter time.Duration
	Session           view.Options
}

// Pool owns the browser driver and the per-view sessions. It enforces the
// active-view cap with race-safe reservations, revives torn-down resources
// on demand, and reclaims idle pages and the browser on a periodic tick.
type Pool struct {
	mu           sync.Mutex
	opts         Options
	driver       Driver
	views        map[string]types.View
	sessions     map[string]*view.Session
	reservations map[string]time.Time

	lastAnyActive time.Time

	onFrame view.FrameFunc
	now     func() time.Time

	lifecycleMu sync.Mutex
	running     bool
	stopCh      chan struct{}
	done        chan struct{}
}

// NewPool creates a pool over the given driver and view set. The cap is
// clamped to [1, 10]. The maintenance tick does not run until Run is called.
func NewPool(opts Options, driver Driver, views []types.View, onFrame view.FrameFunc) *Pool {
	if opts.MaxActiveViews < 1 {
		opts.MaxActiveViews = 1
	}
	if opts.MaxActiveViews > 10 {
		opts.MaxActiveViews = 10
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = defaultReservationTTL
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = defaultTickInterval
	}

	p := &Pool{
		opts:         opts,
		driver:       driver,
		views:        make(map[string]types.View, len(views)),
		sessions:     make(map[string]*view.Session),
		reservations: make(map[string]time.Time),
		onFrame:      onFrame,
		now:          time.Now,
	}
	for _, v := range views {
		p.views[v.ID] = v
	}
	return p
}

// Run starts the maintenance tick. It is idempotent.
func (p *Pool) Run() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(p.stopCh, p.done)
	log.Info().
		Int("max_active_views", p.opts.MaxActiveViews).
		Dur("tick", p.opts.TickInterval).
		Msg("Renderer pool started")
}

func (p *Pool) loop(stopCh chan struct{}, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			p.Tick(p.now())
		}
	}
}

// ViewByID returns the current configuration for a view id.
func (p *Pool) ViewByID(id string) (types.View, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.views[id]
	return v, ok
}

// Views returns the current view set, sorted by id.
func (p *Pool) Views() []types.View {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.View, 0, len(p.views))
	for _, v := range p.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetView replaces a view's configuration, updating the live session if one
// exists. New views become available for activation immediately.
func (p *Pool) SetView(v types.View) {
	p.mu.Lock()
	p.views[v.ID] = v
	s := p.sessions[v.ID]
	p.mu.Unlock()
	if s != nil {
		s.SetView(v)
	}
	log.Info().Str("view", v.ID).Str("url", v.URL).Bool("enabled", v.Enabled).Msg("View configuration updated")
}

// lookupView resolves a view id to an enabled view.
func (p *Pool) lookupView(id string) (types.View, error) {
	p.mu.Lock()
	v, ok := p.views[id]
	p.mu.Unlock()
	if !ok || !v.Enabled {
		return types.View{}, &types.UnknownViewError{ViewID: id}
	}
	return v, nil
}

// activeSetLocked prunes expired reservations and returns the union of
// wanted view-ids and unexpired reservations. Callers hold p.mu.
func (p *Pool) activeSetLocked(now time.Time) map[string]struct{} {
	for id, exp := range p.reservations {
		if now.After(exp) {
			delete(p.reservations, id)
		}
	}
	set := make(map[string]struct{}, len(p.sessions)+len(p.reservations))
	for id, s := range p.sessions {
		if s.Wanted(now) {
			set[id] = struct{}{}
		}
	}
	for id := range p.reservations {
		set[id] = struct{}{}
	}
	return set
}

// Reserve runs admission control and, if admitted, places a short-lived
// reservation so parallel requests cannot overshoot the cap. Admission and
// reservation placement are atomic.
func (p *Pool) Reserve(viewID string) error {
	if _, err := p.lookupView(viewID); err != nil {
		return err
	}
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.activeSetLocked(now)
	if _, ok := set[viewID]; !ok && len(set) >= p.opts.MaxActiveViews {
		active := make([]string, 0, len(set))
		for id := range set {
			active = append(active, id)
		}
		sort.Strings(active)
		return &types.TooManyActiveViewsError{
			Limit:       p.opts.MaxActiveViews,
			ActiveViews: active,
			Requested:   viewID,
		}
	}
	p.reservations[viewID] = now.Add(p.opts.ReservationTTL)
	return nil
}

// Subscribe admits a view, ensures its browser resources, and registers one
// subscriber on its session.
func (p *Pool) Subscribe(viewID string) error {
	if err := p.Reserve(viewID); err != nil {
		return err
	}
	s, err := p.ensure(viewID)
	if err != nil {
		return err
	}
	s.Subscribe()
	s.Tick(p.now())
	return nil
}

// Unsubscribe drops one subscriber from the view's session, if one exists.
// Teardown is left to the inactivity timeouts.
func (p *Pool) Unsubscribe(viewID string) {
	p.mu.Lock()
	s := p.sessions[viewID]
	p.mu.Unlock()
	if s != nil {
		s.Unsubscribe(p.now())
	}
}

// OnFrameRequest is the HTTP request path: admission plus reservation, then
// ensure-started plus touch-HTTP.
func (p *Pool) OnFrameRequest(viewID string) error {
	if err := p.Reserve(viewID); err != nil {
		return err
	}
	s, err := p.ensure(viewID)
	if err != nil {
		return err
	}
	s.TouchHTTP(p.now())
	s.Tick(p.now())
	return nil
}

// CaptureNow raises the view's one-shot capture flag, if a session exists.
func (p *Pool) CaptureNow(viewID string) {
	p.mu.Lock()
	s := p.sessions[viewID]
	p.mu.Unlock()
	if s != nil {
		s.CaptureNow()
	}
}

// ReloadNow raises the view's one-shot reload flag, if a session exists.
func (p *Pool) ReloadNow(viewID string) {
	p.mu.Lock()
	s := p.sessions[viewID]
	p.mu.Unlock()
	if s != nil {
		s.ReloadNow()
	}
}

// ensure brings up the browser, the view's session, and its loop. Browser
// launch failures are absorbed: the session records them and the request
// resolves through the cold-start wait instead.
func (p *Pool) ensure(viewID string) (*view.Session, error) {
	v, err := p.lookupView(viewID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	s, ok := p.sessions[viewID]
	if !ok {
		s = view.NewSession(v, p.opts.Session, p.driver.NewPage, p.onFrame)
		p.sessions[viewID] = s
	}
	p.mu.Unlock()

	// Launch outside p.mu; the driver serializes itself and Start is
	// idempotent.
	if err := p.driver.Start(); err != nil {
		log.Error().Err(err).Str("view", viewID).Msg("Browser launch failed")
	}
	s.Start()
	return s, nil
}

// Tick is one maintenance pass: refresh the activity clock, reclaim an idle
// browser, and gate every session's page lifecycle.
func (p *Pool) Tick(now time.Time) {
	p.mu.Lock()
	sessions := make([]*view.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	set := p.activeSetLocked(now)
	anyActive := len(set) > 0
	if anyActive || p.lastAnyActive.IsZero() {
		p.lastAnyActive = now
	}
	browserIdle := p.opts.CloseBrowserAfter > 0 &&
		now.Sub(p.lastAnyActive) >= p.opts.CloseBrowserAfter
	p.mu.Unlock()

	metrics.ActiveViews.Set(float64(len(set)))
	defer func() { setBrowserUp(p.driver.Running()) }()

	if p.driver.Running() && browserIdle {
		p.closeBrowser(sessions)
		return
	}
	if !p.driver.Running() && !anyActive {
		return
	}
	for _, s := range sessions {
		s.Tick(now)
	}
}

func setBrowserUp(up bool) {
	if up {
		metrics.BrowserUp.Set(1)
	} else {
		metrics.BrowserUp.Set(0)
	}
}

// closeBrowser stops every session loop, drops their page references, and
// closes the browser. Session shells survive for transparent revival.
func (p *Pool) closeBrowser(sessions []*view.Session) {
	log.Info().Msg("Closing idle browser")
	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.Stop()
			s.DropPage()
			return nil
		})
	}
	_ = g.Wait()
	if err := p.driver.Stop(); err != nil {
		log.Warn().Err(err).Msg("Error closing browser")
	}
}

// Status is a point-in-time snapshot of the pool for status reporting.
type Status struct {
	BrowserRunning  bool          `json:"browserRunning"`
	MaxActiveViews  int           `json:"maxActiveViews"`
	ActiveViews     []string      `json:"activeViews"`
	Reservations    []string      `json:"reservations,omitempty"`
	LastAnyActiveTs int64         `json:"lastAnyActiveTs,omitempty"`
	Sessions        []view.Status `json:"sessions"`
}

// Snapshot returns the pool's current status.
func (p *Pool) Snapshot() Status {
	now := p.now()

	p.mu.Lock()
	set := p.activeSetLocked(now)
	active := make([]string, 0, len(set))
	for id := range set {
		active = append(active, id)
	}
	reserved := make([]string, 0, len(p.reservations))
	for id := range p.reservations {
		reserved = append(reserved, id)
	}
	sessions := make([]*view.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	var lastActive int64
	if !p.lastAnyActive.IsZero() {
		lastActive = p.lastAnyActive.UnixMilli()
	}
	p.mu.Unlock()

	sort.Strings(active)
	sort.Strings(reserved)

	st := Status{
		BrowserRunning:  p.driver.Running(),
		MaxActiveViews:  p.opts.MaxActiveViews,
		ActiveViews:     active,
		Reservations:    reserved,
		LastAnyActiveTs: lastActive,
		Sessions:        make([]view.Status, 0, len(sessions)),
	}
	for _, s := range sessions {
		st.Sessions = append(st.Sessions, s.Snapshot())
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].ViewID < st.Sessions[j].ViewID })
	return st
}

// Close stops the tick, tears down every session in parallel, and closes
// the browser. Errors during teardown are swallowed.
func (p *Pool) Close() error {
	p.lifecycleMu.Lock()
	if p.running {
		p.running = false
		close(p.stopCh)
		done := p.done
		p.lifecycleMu.Unlock()
		<-done
	} else {
		p.lifecycleMu.Unlock()
	}

	p.mu.Lock()
	sessions := make([]*view.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	var g errgroup.Group
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.Stop()
			return nil
		})
	}
	_ = g.Wait()

	err := p.driver.Stop()
	log.Info().Msg("Renderer pool closed")
	return err
}
