// Package renderer owns the headless browser and schedules view sessions:
// lazy browser launch, per-view page creation, admission control against the
// active-view cap, and the maintenance tick that reclaims idle resources.
package renderer

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/hbridge/hbridge-go/internal/types"
	"github.com/hbridge/hbridge-go/internal/view"
)

// Driver is the browser capability the pool schedules against. The rod
// implementation below is the production driver; tests substitute fakes.
type Driver interface {
	// Start launches the browser and browsing context. Idempotent.
	Start() error
	// Running reports whether the browser is up.
	Running() bool
	// NewPage opens a page with the configured viewport and init script.
	NewPage() (view.Page, error)
	// Stop closes the browser and releases the context.
	Stop() error
}

// BrowserOptions configure the rod driver.
type BrowserOptions struct {
	Width       int
	Height      int
	Headless    bool
	BrowserPath string
}

// noCachePattern matches the dashboard resources whose responses the
// upstream serves from a legacy offline-manifest cache. Requests for them
// are forwarded with caching disabled.
var noCachePattern = regexp.MustCompile(`(?i)/vis\.0/.*vis-(views\.json|user\.css)$`)

// rodDriver is the production Driver backed by go-rod.
type rodDriver struct {
	mu      sync.Mutex
	opts    BrowserOptions
	browser *rod.Browser
	ctx     *rod.Browser
	router  *rod.HijackRouter
}

// NewBrowserDriver creates a rod driver. The browser is not launched until
// Start is called.
func NewBrowserDriver(opts BrowserOptions) Driver {
	return &rodDriver{opts: opts}
}

// Start launches headless Chromium and creates the browsing context with
// the no-cache interceptors installed.
func (d *rodDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return nil
	}

	log.Info().
		Int("width", d.opts.Width).
		Int("height", d.opts.Height).
		Bool("headless", d.opts.Headless).
		Msg("Launching browser")

	l := launcher.New()
	if d.opts.BrowserPath != "" {
		l = l.Bin(d.opts.BrowserPath)
	}
	if d.opts.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}
	// disable-application-cache defeats the dashboard's legacy
	// offline-manifest cache.
	l = l.Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-application-cache")

	u, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	ctx, err := browser.Incognito()
	if err != nil {
		if closeErr := browser.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Error closing browser after context failure")
		}
		return fmt.Errorf("failed to create browsing context: %w", err)
	}

	router := ctx.HijackRequests()
	if err := router.Add("*", "", hijackNoCache); err != nil {
		if closeErr := browser.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Error closing browser after hijack failure")
		}
		return fmt.Errorf("failed to install request interceptor: %w", err)
	}
	go router.Run()

	d.browser = browser
	d.ctx = ctx
	d.router = router

	log.Info().Str("url", u).Msg("Browser launched")
	return nil
}

// hijackNoCache forwards every request, augmenting the headers of the
// matched dashboard resources with cache-control: no-cache.
func hijackNoCache(h *rod.Hijack) {
	req := h.Request.Req()
	if !noCachePattern.MatchString(h.Request.URL().Path) {
		h.ContinueRequest(&proto.FetchContinueRequest{})
		return
	}

	entries := make([]*proto.FetchHeaderEntry, 0, len(req.Header)+2)
	for name, values := range req.Header {
		for _, v := range values {
			entries = append(entries, &proto.FetchHeaderEntry{Name: name, Value: v})
		}
	}
	entries = append(entries,
		&proto.FetchHeaderEntry{Name: "Cache-Control", Value: "no-cache"},
		&proto.FetchHeaderEntry{Name: "Pragma", Value: "no-cache"},
	)
	h.ContinueRequest(&proto.FetchContinueRequest{Headers: entries})
}

// Running reports whether the browser is up.
func (d *rodDriver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.browser != nil
}

// NewPage opens a blank page in the browsing context, applies the viewport
// at pixel ratio 1, and installs the init script.
func (d *rodDriver) NewPage() (view.Page, error) {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx == nil {
		return nil, types.ErrBrowserClosed
	}

	p, err := ctx.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             d.opts.Width,
		Height:            d.opts.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}
	if _, err := p.EvalOnNewDocument(view.InitScript); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to install init script: %w", err)
	}
	return &rodPage{page: p}, nil
}

// Stop closes the browser and clears the context.
func (d *rodDriver) Stop() error {
	d.mu.Lock()
	browser := d.browser
	router := d.router
	d.browser = nil
	d.ctx = nil
	d.router = nil
	d.mu.Unlock()

	if browser == nil {
		return nil
	}
	if router != nil {
		if err := router.Stop(); err != nil {
			log.Debug().Err(err).Msg("Error stopping hijack router")
		}
	}
	log.Info().Msg("Closing browser")
	return browser.Close()
}

// rodPage adapts a rod page to the view.Page capability.
type rodPage struct {
	page *rod.Page
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Navigate(url string, timeout time.Duration) error {
	pt := p.page.Timeout(timeout)
	wait := pt.WaitEvent(&proto.PageDomContentEventFired{})
	if err := pt.Navigate(url); err != nil {
		return err
	}
	wait()
	if err := pt.GetContext().Err(); err != nil {
		return fmt.Errorf("waiting for dom content: %w", err)
	}
	return nil
}

func (p *rodPage) Reload(timeout time.Duration) error {
	pt := p.page.Timeout(timeout)
	wait := pt.WaitEvent(&proto.PageDomContentEventFired{})
	if err := pt.Reload(); err != nil {
		return err
	}
	wait()
	if err := pt.GetContext().Err(); err != nil {
		return fmt.Errorf("waiting for dom content: %w", err)
	}
	return nil
}

func (p *rodPage) Eval(js string) (gson.JSON, error) {
	obj, err := p.page.Eval(js)
	if err != nil {
		return gson.New(nil), err
	}
	return obj.Value, nil
}

// Screenshot prefers capture options that reduce flicker; some browser
// builds reject them, in which case a plain screenshot is taken.
func (p *rodPage) Screenshot() ([]byte, error) {
	png, err := p.page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:           proto.PageCaptureScreenshotFormatPng,
		FromSurface:      true,
		OptimizeForSpeed: true,
	})
	if err == nil {
		return png, nil
	}
	return p.page.Screenshot(false, nil)
}

func (p *rodPage) Close() error {
	return p.page.Close()
}
