// Admin HTTP handlers. All routes require the admin role.
//
//   - GET    /admin/users
//   - PATCH  /admin/users/:id                  (display name)
//   - POST   /admin/users/:id/external-access  (toggle third-party clients)
//   - GET    /admin/rooms
//   - DELETE /admin/rooms/:room_id             (mapping only)
//   - GET    /admin/stats
//   - GET    /admin/notifications             (?status=pending|sent|failed&limit=)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/http/middleware"
	"github.com/tbourn/go-messenger-bridge/internal/services"
	"github.com/tbourn/go-messenger-bridge/internal/utils"
)

// UpdateUserRequest is the payload of PATCH /admin/users/:id.
type UpdateUserRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
}

// ExternalAccessRequest is the payload of POST /admin/users/:id/external-access.
type ExternalAccessRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// AdminUsers godoc
// @ID          adminListUsers
// @Summary     List all users
// @Description Lists every identity mapping with provisioning state.
// @Tags        Admin
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
//
// @Success     200  {array}   services.AdminUser
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Admin role required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/users [get]
func (h *Handlers) AdminUsers(c *gin.Context) {
	users, err := h.Directory.AdminUsers(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	if users == nil {
		users = []services.AdminUser{}
	}
	ok(c, http.StatusOK, users)
}

// UpdateUser godoc
// @ID          adminUpdateUser
// @Summary     Change a display name
// @Description Updates the display name locally and on the chat backend.
// @Tags        Admin
// @Accept      json
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       Idempotency-Key  header  string  false  "Replay key for retried requests"
// @Param       id    path  string                       true  "External ID"
// @Param       body  body  handlers.UpdateUserRequest  true  "New display name"
//
// @Success     200  {object}  map[string]any
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Admin role required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Chat backend error"
// @Router      /admin/users/{id} [patch]
func (h *Handlers) UpdateUser(c *gin.Context) {
	var req UpdateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.DisplayName) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "display_name required")
		return
	}
	m, err := h.Directory.UpdateDisplayName(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.DisplayName))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true, "display_name": m.DisplayName})
}

// SetExternalAccess godoc
// @ID          adminSetExternalAccess
// @Summary     Toggle external client access
// @Description Enables or disables third-party client access for a user. Enabling ensures a login password exists.
// @Tags        Admin
// @Accept      json
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       Idempotency-Key  header  string  false  "Replay key for retried requests"
// @Param       id    path  string                           true  "External ID"
// @Param       body  body  handlers.ExternalAccessRequest  true  "Toggle"
//
// @Success     200  {object}  map[string]any
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Admin role required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Chat backend error"
// @Router      /admin/users/{id}/external-access [post]
func (h *Handlers) SetExternalAccess(c *gin.Context) {
	var req ExternalAccessRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "enabled required")
		return
	}
	m, err := h.Access.SetExternalAccess(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		failErr(c, err)
		return
	}
	middleware.LoggerFrom(c).Info().
		Str("admin", middleware.CallerID(c)).
		Str("external_id", m.ExternalID).
		Bool("enabled", m.ExternalClientEnabled).
		Msg("external access changed")
	ok(c, http.StatusOK, gin.H{"ok": true, "external_client_enabled": m.ExternalClientEnabled})
}

// AdminRooms godoc
// @ID          adminListRooms
// @Summary     List all rooms
// @Description Lists every room mapping with the member count seen by the bot (-1 when unknown).
// @Tags        Admin
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
//
// @Success     200  {array}   services.AdminRoom
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Admin role required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/rooms [get]
func (h *Handlers) AdminRooms(c *gin.Context) {
	rooms, err := h.Directory.AdminRooms(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	if rooms == nil {
		rooms = []services.AdminRoom{}
	}
	ok(c, http.StatusOK, rooms)
}

// DeleteRoom godoc
// @ID          adminDeleteRoom
// @Summary     Delete a room mapping
// @Description Removes the room mapping. The chat room itself is left alone.
// @Tags        Admin
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       Idempotency-Key  header  string  false  "Replay key for retried requests"
// @Param       room_id  path  string  true  "Room ID"
//
// @Success     200  {object}  map[string]any
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Admin role required"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/rooms/{room_id} [delete]
func (h *Handlers) DeleteRoom(c *gin.Context) {
	roomID := c.Param("room_id")
	if err := h.Directory.DeleteRoom(c.Request.Context(), roomID); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"ok": true, "deleted": roomID})
}

// Stats godoc
// @ID          adminStats
// @Summary     System statistics
// @Description Returns user, room and notification counts plus stream and backend status.
// @Tags        Admin
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
//
// @Success     200  {object}  services.SystemStats
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Admin role required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/stats [get]
func (h *Handlers) Stats(c *gin.Context) {
	st, err := h.Directory.Stats(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// NotificationLogs godoc
// @ID          adminNotificationLogs
// @Summary     List notification logs
// @Description Returns recent notification delivery logs, newest first.
// @Tags        Admin
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       status  query  string  false  "Filter by status"  Enums(pending, sent, failed)
// @Param       limit   query  int     false  "Max entries"       minimum(1) maximum(200) default(50)
//
// @Success     200  {array}   domain.NotificationLog
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Admin role required"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /admin/notifications [get]
func (h *Handlers) NotificationLogs(c *gin.Context) {
	status := domain.NotificationStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	switch status {
	case "", domain.NotificationPending, domain.NotificationSent, domain.NotificationFailed:
	default:
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "status must be pending, sent or failed")
		return
	}
	limit := utils.IntParam(c.Query("limit"), 50, 1, 200)

	logs, err := h.Directory.NotificationLogs(c.Request.Context(), status, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	if logs == nil {
		logs = []domain.NotificationLog{}
	}
	ok(c, http.StatusOK, logs)
}
