// Package view drives the rendering pipeline for exactly one dashboard view:
// a page handle, a cooperative capture loop, change-detection flags, and the
// latest published frame.
package view

import (
	"time"

	"github.com/ysmood/gson"
)

// Page is the capability a session needs from an open browser page. The
// concrete implementation lives in the renderer package; tests substitute
// fakes. Sessions hold no page between activations — they re-request one
// from the pool on every activation, so a page may be invalidated
// asynchronously at any suspension point.
type Page interface {
	// URL returns the page's current document URL.
	URL() string
	// Navigate loads the given URL with DOM-content-loaded semantics.
	Navigate(url string, timeout time.Duration) error
	// Reload reloads the current document with DOM-content-loaded semantics.
	Reload(timeout time.Duration) error
	// Eval runs a script in the page and returns its JSON value.
	Eval(js string) (gson.JSON, error)
	// Screenshot captures the viewport as PNG bytes.
	Screenshot() ([]byte, error)
	// Close closes the page.
	Close() error
}

// NewPageFunc requests a fresh page for a view from the pool. The returned
// page has the configured viewport and the init script installed.
type NewPageFunc func() (Page, error)
