// Notification ingress handler.
//
// POST /notifications/send is called by other applications with a service
// token. The notification is routed through the bot, every live stream
// receives a "notification" event, and the delivery log is returned.
//
// Idempotency:
// If the caller supplies an Idempotency-Key header and a previous result
// exists for the key, the stored log is returned with
// `Idempotency-Replayed: true` and nothing is routed again.
package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/events"
	"github.com/tbourn/go-messenger-bridge/internal/http/middleware"
	"github.com/tbourn/go-messenger-bridge/internal/services"
)

// flexID accepts a JSON string or number and keeps its text form.
type flexID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("entity_id must be a string or a number")
	}
	*f = flexID(n.String())
	return nil
}

// SendNotificationRequest is the JSON payload of POST /notifications/send.
type SendNotificationRequest struct {
	SourceApp  string `json:"source_app"  binding:"required"`
	EventType  string `json:"event_type"  binding:"required"`
	Title      string `json:"title"       binding:"required"`
	Body       string `json:"body"`
	TargetType string `json:"target_type"`
	EntityType string `json:"entity_type"`
	EntityID   flexID `json:"entity_id"`
	TargetUser string `json:"target_user"`
	TenantID   *int64 `json:"tenant_id"`
	Priority   string `json:"priority"`
}

func (r SendNotificationRequest) notification() services.Notification {
	return services.Notification{
		SourceApp:  r.SourceApp,
		EventType:  r.EventType,
		Title:      r.Title,
		Body:       r.Body,
		TargetType: r.TargetType,
		EntityType: r.EntityType,
		EntityID:   string(r.EntityID),
		TargetUser: r.TargetUser,
		TenantID:   r.TenantID,
		Priority:   r.Priority,
	}
}

// SendNotification godoc
// @ID          sendNotification
// @Summary     Send a service notification
// @Description Routes a notification through the bot to its target room and broadcasts it to live streams. Answers 200 with the log even when delivery failed; the log status says which.
// @Tags        Notifications
// @Accept      json
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer service token"
// @Param       Idempotency-Key  header  string  false  "Replay key for retried requests"
// @Param       body  body  handlers.SendNotificationRequest  true  "Notification"
//
// @Success     200  {object}  domain.NotificationLog
// @Header      200  {string}  Idempotency-Replayed  "true when a stored result was returned"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Invalid service token"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     502  {object}  handlers.ErrorResponse  "Chat backend error"
// @Failure     503  {object}  handlers.ErrorResponse  "Bot unavailable"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /notifications/send [post]
func (h *Handlers) SendNotification(c *gin.Context) {
	ctx := c.Request.Context()

	if id, found := middleware.ReplayResult(c); found {
		if prev := h.replayedLog(c, id); prev != nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, prev)
			return
		}
	}

	var req SendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "source_app, event_type and title required")
		return
	}
	n := req.notification()

	entry, err := h.Notifications.Send(ctx, n)
	if entry == nil {
		failErr(c, err)
		return
	}
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Uint("log_id", entry.ID).Msg("notification not delivered")
	}

	if h.Events != nil {
		h.Events.Broadcast(events.Event{
			"type":       events.TypeNotification,
			"source_app": entry.SourceApp,
			"event_type": entry.EventType,
			"title":      entry.Title,
			"body":       entry.Body,
			"priority":   entry.Priority,
			"room_id":    entry.RoomID,
		})
	}
	h.record(c, strconv.FormatUint(uint64(entry.ID), 10), http.StatusOK)
	ok(c, http.StatusOK, entry)
}

// replayedLog loads the log stored for an idempotent replay, or nil when it
// cannot be served and the request should be processed afresh.
func (h *Handlers) replayedLog(c *gin.Context, resultID string) *domain.NotificationLog {
	id, err := strconv.ParseUint(resultID, 10, 64)
	if err != nil {
		return nil
	}
	l, err := h.Notifications.Log(c.Request.Context(), uint(id))
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Str("result_id", resultID).Msg("idempotent replay unavailable")
		return nil
	}
	return l
}
