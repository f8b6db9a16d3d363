package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/hbridge/hbridge-go/internal/frame"
	"github.com/hbridge/hbridge-go/internal/hub"
	"github.com/hbridge/hbridge-go/internal/metrics"
	"github.com/hbridge/hbridge-go/internal/middleware"
	"github.com/hbridge/hbridge-go/internal/types"
)

// WebSocket tuning.
const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendQueue  = 16
)

// Close codes beyond the RFC set.
const (
	wsCloseUnauthorized = 4001
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth is the access control; cross-origin pages may connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClientMessage is what clients send: hello, subscribe, or the legacy
// setView alias.
type wsClientMessage struct {
	Type   string `json:"type"`
	ViewID string `json:"viewId"`
}

type wsHelloAck struct {
	Type             string          `json:"type"`
	ActiveViewID     string          `json:"activeViewId"`
	SubscribedViewID string          `json:"subscribedViewId,omitempty"`
	Pool             any             `json:"pool"`
	Frame            json.RawMessage `json:"frame,omitempty"`
}

type wsSubscribed struct {
	Type   string `json:"type"`
	ViewID string `json:"viewId"`
}

type wsError struct {
	Type        string   `json:"type"`
	Error       string   `json:"error"`
	ViewID      string   `json:"viewId,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	ActiveViews []string `json:"activeViews,omitempty"`
	Requested   string   `json:"requested,omitempty"`
}

type wsFrame struct {
	Type   string `json:"type"`
	ViewID string `json:"viewId"`
	ETag   string `json:"etag"`
	TS     int64  `json:"ts"`
	URL    string `json:"url"`
}

// FrameMessage marshals the push notification for a published frame.
func FrameMessage(viewID string, f *frame.Frame) []byte {
	msg, err := json.Marshal(wsFrame{
		Type:   "frame",
		ViewID: viewID,
		ETag:   f.ETag,
		TS:     f.TS,
		URL:    "/frame/" + url.PathEscape(viewID) + ".png",
	})
	if err != nil {
		log.Error().Err(err).Str("view", viewID).Msg("Failed to marshal frame message")
		return nil
	}
	return msg
}

// HandleWS upgrades the connection and runs the control protocol. The
// upgrade is performed before auth so an invalid token can be answered with
// the protocol's own close code.
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if !middleware.TokenOK(r, h.cfg.AuthToken) {
		msg := websocket.FormatCloseMessage(wsCloseUnauthorized, types.CodeUnauthorized)
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		_ = conn.Close()
		return
	}

	c := &wsClient{
		h:    h,
		conn: conn,
		sub:  hub.NewSubscriber(wsSendQueue),
	}
	metrics.WSClients.Inc()
	log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("WebSocket client connected")

	go c.writePump()
	c.readPump()
}

// wsClient is one connected control socket.
type wsClient struct {
	h    *Handler
	conn *websocket.Conn
	sub  *hub.Subscriber
}

// readPump processes client messages until the connection dies, then
// releases the subscription.
func (c *wsClient) readPump() {
	defer func() {
		if viewID, ok := c.h.hub.Unsubscribe(c.sub); ok {
			c.h.pool.Unsubscribe(viewID)
		}
		_ = c.conn.Close()
		metrics.WSClients.Dec()
		log.Debug().Str("remote", c.conn.RemoteAddr().String()).Msg("WebSocket client disconnected")
	}()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("Panic in WebSocket handler")
			msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, types.CodeInternalError)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
		}
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.send(wsError{Type: "error", Error: types.CodeInternalError})
			continue
		}

		switch msg.Type {
		case "hello":
			c.handleHello()
		case "subscribe", "setView":
			c.handleSubscribe(msg.ViewID)
		default:
			log.Debug().Str("type", msg.Type).Msg("Ignoring unknown WebSocket message type")
		}
	}
}

func (c *wsClient) handleHello() {
	ack := wsHelloAck{
		Type:         "hello_ack",
		ActiveViewID: c.h.state.ActiveView(),
		Pool:         c.h.pool.Snapshot(),
	}
	if viewID, ok := c.h.hub.ViewOf(c.sub); ok {
		ack.SubscribedViewID = viewID
	}

	frameViewID := ack.SubscribedViewID
	if frameViewID == "" {
		frameViewID = ack.ActiveViewID
	}
	if frameViewID != "" {
		if f := c.h.store.Get(frameViewID); f != nil {
			ack.Frame = FrameMessage(frameViewID, f)
		}
	}
	c.send(ack)
}

func (c *wsClient) handleSubscribe(viewID string) {
	if _, ok := c.h.pool.ViewByID(viewID); !ok {
		c.send(wsError{Type: "error", Error: types.CodeUnknownView, ViewID: viewID})
		return
	}

	// Drop any prior subscription; re-subscribing to the same view also
	// releases the counter that Subscribe below re-increments.
	if prior, ok := c.h.hub.Unsubscribe(c.sub); ok {
		c.h.pool.Unsubscribe(prior)
	}

	if err := c.h.pool.Subscribe(viewID); err != nil {
		var tooMany *types.TooManyActiveViewsError
		if errors.As(err, &tooMany) {
			metrics.RecordAdmissionRejected(viewID)
			c.send(wsError{
				Type:        "error",
				Error:       types.CodeTooManyViews,
				Limit:       tooMany.Limit,
				ActiveViews: tooMany.ActiveViews,
				Requested:   tooMany.Requested,
			})
			return
		}
		if errors.Is(err, types.ErrUnknownView) {
			c.send(wsError{Type: "error", Error: types.CodeUnknownView, ViewID: viewID})
			return
		}
		c.send(wsError{Type: "error", Error: types.CodeInternalError, ViewID: viewID})
		return
	}

	c.h.hub.Subscribe(c.sub, viewID)
	c.send(wsSubscribed{Type: "subscribed", ViewID: viewID})
}

// send marshals and queues a message on the client's own channel so all
// writes flow through the write pump.
func (c *wsClient) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal WebSocket message")
		return
	}
	c.sub.Enqueue(data)
}

// writePump drains the subscriber channel onto the socket and keeps the
// connection alive with pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.sub.Send():
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
