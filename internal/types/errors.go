// Package types provides shared types, interfaces, and errors for the application.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// View and pool errors
	ErrUnknownView        = errors.New("unknown or disabled view")
	ErrRendererNotReady   = errors.New("renderer pool is not ready")
	ErrTooManyActiveViews = errors.New("maximum number of active views reached")
	ErrNoFrame            = errors.New("no frame available for view")

	// Browser errors
	ErrBrowserClosed = errors.New("browser is closed")
	ErrPageClosed    = errors.New("page is closed")

	// Transport errors
	ErrUnauthorized = errors.New("unauthorized")
)

// Error codes surfaced to HTTP and WebSocket clients.
const (
	CodeUnknownView      = "unknown_view"
	CodeRendererNotReady = "renderer_not_ready"
	CodeTooManyViews     = "too_many_active_views"
	CodeNoFrame          = "no_frame"
	CodeUnauthorized     = "unauthorized"
	CodeMethodNotAllowed = "method_not_allowed"
	CodeNotFound         = "not_found"
	CodeInternalError    = "internal_error"
)

// TooManyActiveViewsError is returned when admission control rejects an
// activation request. It carries the data the transports expose to clients.
type TooManyActiveViewsError struct {
	Limit       int
	ActiveViews []string
	Requested   string
}

// Error implements the error interface.
func (e *TooManyActiveViewsError) Error() string {
	return fmt.Sprintf("too many active views: limit %d, active [%s], requested %q",
		e.Limit, strings.Join(e.ActiveViews, ", "), e.Requested)
}

// Unwrap returns the sentinel for errors.Is support.
func (e *TooManyActiveViewsError) Unwrap() error {
	return ErrTooManyActiveViews
}

// UnknownViewError is returned when a view id does not resolve to an
// enabled view configuration.
type UnknownViewError struct {
	ViewID string
}

// Error implements the error interface.
func (e *UnknownViewError) Error() string {
	return fmt.Sprintf("unknown or disabled view %q", e.ViewID)
}

// Unwrap returns the sentinel for errors.Is support.
func (e *UnknownViewError) Unwrap() error {
	return ErrUnknownView
}
