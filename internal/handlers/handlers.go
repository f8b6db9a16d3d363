// Package handlers implements the HTTP frame endpoints and the WebSocket
// control protocol.
package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hbridge/hbridge-go/internal/adapter"
	"github.com/hbridge/hbridge-go/internal/config"
	"github.com/hbridge/hbridge-go/internal/frame"
	"github.com/hbridge/hbridge-go/internal/hub"
	"github.com/hbridge/hbridge-go/internal/metrics"
	"github.com/hbridge/hbridge-go/internal/renderer"
	"github.com/hbridge/hbridge-go/internal/types"
)

// coldStartWait bounds how long a frame request blocks waiting for the
// first capture of a freshly activated view.
const coldStartWait = 900 * time.Millisecond

// Handler serves the frame endpoints and status surface.
type Handler struct {
	cfg   *config.Config
	pool  *renderer.Pool
	store *frame.Store
	hub   *hub.Hub
	state *adapter.State
}

// New creates the handler.
func New(cfg *config.Config, pool *renderer.Pool, store *frame.Store, h *hub.Hub, state *adapter.State) *Handler {
	return &Handler{
		cfg:   cfg,
		pool:  pool,
		store: store,
		hub:   h,
		state: state,
	}
}

// HandleHealth serves the liveness probe.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// statusConfig is the config summary exposed on the status surface. The
// auth token is deliberately not part of it.
type statusConfig struct {
	ListenAddr     string `json:"listenAddr"`
	CanvasWidth    int    `json:"canvasWidth"`
	CanvasHeight   int    `json:"canvasHeight"`
	MaxActiveViews int    `json:"maxActiveViews"`
	Views          int    `json:"views"`
}

// HandleStatus serves the introspection snapshot.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w)
		return
	}

	status := map[string]any{
		"config": statusConfig{
			ListenAddr:     h.cfg.ListenAddr(),
			CanvasWidth:    h.cfg.CanvasWidth,
			CanvasHeight:   h.cfg.CanvasHeight,
			MaxActiveViews: h.cfg.MaxActiveViews,
			Views:          len(h.cfg.Views),
		},
		"activeViewId": h.state.ActiveView(),
	}
	if h.pool != nil {
		status["pool"] = h.pool.Snapshot()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": status})
}

// HandleFrame serves GET /frame/<urlencoded viewId>.png and the legacy
// GET /frame.png?viewId=… which falls back to the active view.
func (h *Handler) HandleFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w)
		return
	}

	viewID, ok := h.frameViewID(r)
	if !ok {
		metrics.RecordHTTPRequest("frame", "400")
		h.writeJSON(w, http.StatusBadRequest, errorPayload{Error: types.CodeUnknownView})
		return
	}

	if h.pool == nil {
		metrics.RecordHTTPRequest("frame", "503")
		h.writeJSON(w, http.StatusServiceUnavailable, errorPayload{Error: types.CodeRendererNotReady})
		return
	}

	if _, ok := h.pool.ViewByID(viewID); !ok {
		metrics.RecordHTTPRequest("frame", "404")
		h.writeJSON(w, http.StatusNotFound, errorPayload{Error: types.CodeUnknownView})
		return
	}

	if err := h.pool.OnFrameRequest(viewID); err != nil {
		h.writeFrameRequestError(w, viewID, err)
		return
	}

	f := h.store.Get(viewID)
	if f == nil {
		h.store.Wait(viewID, coldStartWait)
		f = h.store.Get(viewID)
	}
	if f == nil {
		metrics.RecordHTTPRequest("frame", "503")
		h.writeJSON(w, http.StatusServiceUnavailable, errorPayload{
			Error:  types.CodeNoFrame,
			ViewID: viewID,
		})
		return
	}

	w.Header().Set("ETag", f.ETag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == f.ETag {
		metrics.RecordHTTPRequest("frame", "304")
		w.WriteHeader(http.StatusNotModified)
		return
	}

	metrics.RecordHTTPRequest("frame", "200")
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(f.PNG)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(f.PNG); err != nil {
		log.Debug().Err(err).Str("view", viewID).Msg("Error writing frame body")
	}
}

// frameViewID resolves the requested view id from the path or, for the
// legacy route, the viewId query parameter with active-view fallback.
func (h *Handler) frameViewID(r *http.Request) (string, bool) {
	path := r.URL.Path
	if path == "/frame.png" {
		if id := r.URL.Query().Get("viewId"); id != "" {
			return id, true
		}
		if id := h.state.ActiveView(); id != "" {
			return id, true
		}
		return "", false
	}

	trimmed := strings.TrimPrefix(path, "/frame/")
	trimmed = strings.TrimSuffix(trimmed, ".png")
	if trimmed == "" || trimmed == path {
		return "", false
	}
	id, err := url.PathUnescape(trimmed)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// writeFrameRequestError maps pool admission errors onto HTTP statuses.
func (h *Handler) writeFrameRequestError(w http.ResponseWriter, viewID string, err error) {
	var tooMany *types.TooManyActiveViewsError
	if errors.As(err, &tooMany) {
		metrics.RecordAdmissionRejected(viewID)
		metrics.RecordHTTPRequest("frame", "429")
		h.writeJSON(w, http.StatusTooManyRequests, errorPayload{
			Error:       types.CodeTooManyViews,
			Limit:       tooMany.Limit,
			ActiveViews: tooMany.ActiveViews,
			Requested:   tooMany.Requested,
		})
		return
	}
	if errors.Is(err, types.ErrUnknownView) {
		metrics.RecordHTTPRequest("frame", "404")
		h.writeJSON(w, http.StatusNotFound, errorPayload{Error: types.CodeUnknownView})
		return
	}
	metrics.RecordHTTPRequest("frame", "500")
	h.writeJSON(w, http.StatusInternalServerError, errorPayload{Error: types.CodeInternalError})
}

// HandleNotFound serves the routing fallback.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusNotFound, errorPayload{Error: types.CodeNotFound})
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusMethodNotAllowed, errorPayload{Error: types.CodeMethodNotAllowed})
}

// errorPayload is the JSON error shape. Optional fields are only populated
// for the errors that carry them.
type errorPayload struct {
	Error       string   `json:"error"`
	ViewID      string   `json:"viewId,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	ActiveViews []string `json:"activeViews,omitempty"`
	Requested   string   `json:"requested,omitempty"`
}

// writeJSON buffers the body before writing so encoding errors surface as a
// clean 500 instead of a torn response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(buf.Bytes()); err != nil {
		log.Debug().Err(err).Msg("Error writing JSON response")
	}
}
