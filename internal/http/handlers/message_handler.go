// Message HTTP handlers.
//
// This file exposes the message endpoints:
//   - POST /messages/send                     (send a text message)
//   - GET  /messages/history/:room_id         (paginated room history)
//   - POST /messages/upload                   (multipart attachment upload)
//   - GET  /messages/media/:server/:media_id  (content repository proxy)
//   - GET  /messages/sync                     (long-poll passthrough)
//
// Handlers are transport-thin: they normalize input and delegate to
// MessageService, which publishes live updates to room members.
package handlers

import (
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-messenger-bridge/internal/matrix"
	"github.com/tbourn/go-messenger-bridge/internal/services"
	"github.com/tbourn/go-messenger-bridge/internal/utils"
)

//
// DTOs
//

// SendMessageRequest is the JSON payload of POST /messages/send.
type SendMessageRequest struct {
	RoomID  string `json:"room_id" binding:"required"`
	Body    string `json:"body"`
	MsgType string `json:"msg_type"`
}

//
// Helpers
//

// Sync timeouts are given in milliseconds.
const (
	defaultSyncTimeout = 0
	maxSyncTimeout     = 30 * time.Second
)

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeBody converts CRLF/CR to LF, collapses runs of blank lines and
// trims surrounding whitespace.
func sanitizeBody(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

//
// Handlers
//

// SendMessage godoc
// @ID          sendMessage
// @Summary     Send a message
// @Description Sends a text message to a room as the caller and publishes it to connected room members.
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       Idempotency-Key  header  string  false  "Replay key for retried requests"
// @Param       body  body  handlers.SendMessageRequest  true  "Message payload"
//
// @Success     200  {object}  services.Message
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Not provisioned or not allowed"
// @Failure     502  {object}  handlers.ErrorResponse  "Chat backend error"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /messages/send [post]
func (h *Handlers) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "room_id and body required")
		return
	}
	body := sanitizeBody(req.Body)
	if body == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "body required")
		return
	}
	msgType := req.MsgType
	if msgType == "" {
		msgType = matrix.MsgText
	}
	msg, err := h.Messages.Send(c.Request.Context(), caller(c), req.RoomID, body, msgType)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, msg)
}

// History godoc
// @ID          messageHistory
// @Summary     Room history
// @Description Returns a page of room messages, newest first.
// @Tags        Messages
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       room_id     path   string  true   "Room ID"
// @Param       limit       query  int     false  "Page size"  minimum(1) maximum(200) default(50)
// @Param       from_token  query  string  false  "Pagination token from a previous page"
//
// @Success     200  {object}  services.History
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Not provisioned or not allowed"
// @Failure     502  {object}  handlers.ErrorResponse  "Chat backend error"
// @Router      /messages/history/{room_id} [get]
func (h *Handlers) History(c *gin.Context) {
	limit := utils.IntParam(c.Query("limit"), services.DefaultHistoryLimit, 1, services.MaxHistoryLimit)
	from := c.Query("from_token")
	if from == "" {
		from = c.Query("from")
	}
	hist, err := h.Messages.History(c.Request.Context(), caller(c), c.Param("room_id"), limit, from)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, hist)
}

// Upload godoc
// @ID          uploadMedia
// @Summary     Upload an attachment
// @Description Uploads a file to the content repository and posts it to the room.
// @Tags        Messages
// @Accept      multipart/form-data
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       Idempotency-Key  header  string  false  "Replay key for retried requests"
// @Param       room_id  formData  string  true   "Room ID"
// @Param       file     formData  file    true   "Attachment"
// @Param       body     formData  string  false  "Caption"
//
// @Success     200  {object}  services.Message
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Not provisioned or not allowed"
// @Failure     413  {object}  handlers.ErrorResponse  "File too large"
// @Failure     502  {object}  handlers.ErrorResponse  "Chat backend error"
// @Router      /messages/upload [post]
func (h *Handlers) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes+1<<20)

	roomID := strings.TrimSpace(c.PostForm("room_id"))
	if roomID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "room_id required")
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "file required")
		return
	}
	if fh.Size > h.MaxUploadBytes {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "file too large")
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, h.MaxUploadBytes+1))
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable file")
		return
	}
	if int64(len(data)) > h.MaxUploadBytes {
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "file too large")
		return
	}

	msg, err := h.Messages.Upload(c.Request.Context(), caller(c), services.Upload{
		RoomID:      roomID,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Caption:     strings.TrimSpace(c.PostForm("body")),
		Data:        data,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, msg)
}

// Media godoc
// @ID          getMedia
// @Summary     Download media
// @Description Proxies a content repository download. The token may be passed as a query parameter for use in img tags.
// @Tags        Messages
// @Produce     octet-stream
//
// @Param       Authorization  header  string  false  "Bearer access token"
// @Param       token          query   string  false  "Access token"
// @Param       server         path    string  true   "Media server name"
// @Param       media_id       path    string  true   "Media ID"
//
// @Success     200  {file}    binary
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Not provisioned or not allowed"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Chat backend error"
// @Router      /messages/media/{server}/{media_id} [get]
func (h *Handlers) Media(c *gin.Context) {
	m, err := h.Messages.Media(c.Request.Context(), caller(c), c.Param("server"), c.Param("media_id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ct := m.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Header("Content-Disposition", "inline")
	c.Header("Cache-Control", "private, max-age=86400")
	c.Data(http.StatusOK, ct, m.Body)
}

// Sync godoc
// @ID          sync
// @Summary     Long-poll sync
// @Description Passes a sync request through to the chat backend as the caller.
// @Tags        Messages
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       since    query  string  false  "Sync token"
// @Param       timeout  query  int     false  "Long-poll timeout in milliseconds"  minimum(0) maximum(30000)
//
// @Success     200  {object}  matrix.SyncResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Not provisioned or not allowed"
// @Failure     502  {object}  handlers.ErrorResponse  "Chat backend error"
// @Router      /messages/sync [get]
func (h *Handlers) Sync(c *gin.Context) {
	ms := utils.IntParam(c.Query("timeout"), defaultSyncTimeout, 0, int(maxSyncTimeout/time.Millisecond))
	timeout := time.Duration(ms) * time.Millisecond

	resp, err := h.Messages.Sync(c.Request.Context(), caller(c), c.Query("since"), timeout)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, resp)
}
