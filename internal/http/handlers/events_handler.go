// Event stream handlers.
//
//   - GET /events/stream  (Server-Sent Events)
//   - GET /events/ws      (WebSocket)
//
// Both transports subscribe the caller to the broker and hand the
// subscription to Stream, which emits a "connected" event, every queued
// event, and keepalives while idle. The token may be passed as the `token`
// query parameter since EventSource cannot set headers.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tbourn/go-messenger-bridge/internal/events"
	"github.com/tbourn/go-messenger-bridge/internal/http/middleware"
)

const (
	wsWriteWait    = 10 * time.Second
	wsMaxReadBytes = 512
)

// EventStream godoc
// @ID          eventStream
// @Summary     Live events (SSE)
// @Description Streams events for the caller as Server-Sent Events: a connected event, queued events and keepalives while idle.
// @Tags        Events
// @Produce     text/event-stream
//
// @Param       Authorization  header  string  false  "Bearer access token"
// @Param       token          query   string  false  "Access token (EventSource cannot set headers)"
//
// @Success     200  {string}  string  "event stream"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /events/stream [get]
func (h *Handlers) EventStream(c *gin.Context) {
	flusher, canFlush := c.Writer.(http.Flusher)
	if !canFlush {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "streaming unsupported")
		return
	}
	me := caller(c)

	hdr := c.Writer.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sub := h.Events.Subscribe(me.ExternalID)
	err := h.Events.Stream(c.Request.Context(), sub, h.Keepalive, func(ev events.Event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := c.Writer.Write(append(append([]byte("data: "), b...), '\n', '\n')); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		middleware.LoggerFrom(c).Debug().Err(err).Msg("event stream closed")
	}
}

// upgrader returns a WebSocket upgrader bound to the allowed origins.
func (h *Handlers) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
}

// checkOrigin accepts requests without Origin (non-browser clients still
// authenticate with a token), any origin when none are configured, and
// otherwise only listed origins.
func (h *Handlers) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowed) == 0 {
		return true
	}
	if _, ok := h.allowed["*"]; ok {
		return true
	}
	_, ok := h.allowed[origin]
	return ok
}

// EventSocket godoc
// @ID          eventSocket
// @Summary     Live events (WebSocket)
// @Description Upgrades to a WebSocket and sends the same events as the SSE stream, one JSON message each.
// @Tags        Events
// @Produce     json
//
// @Param       token  query  string  false  "Access token"
//
// @Success     101  {string}  string  "Switching Protocols"
// @Failure     400  {object}  handlers.ErrorResponse  "Upgrade failed"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Origin not allowed"
// @Router      /events/ws [get]
func (h *Handlers) EventSocket(c *gin.Context) {
	me := caller(c)
	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		middleware.LoggerFrom(c).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Read pump: the client sends nothing we act on; a read error means it
	// went away.
	conn.SetReadLimit(wsMaxReadBytes)
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	sub := h.Events.Subscribe(me.ExternalID)
	err = h.Events.Stream(ctx, sub, h.Keepalive, func(ev events.Event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, b)
	})
	if err != nil {
		middleware.LoggerFrom(c).Debug().Err(err).Msg("event socket closed")
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
}
