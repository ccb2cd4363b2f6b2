// Room HTTP handlers.
//
//   - GET  /rooms                 (rooms the caller has joined)
//   - POST /rooms                 (create a custom room)
//   - POST /rooms/:room_id/join   (join a room)
//   - POST /rooms/dm/:target      (open the direct room with another user)
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/services"
)

// CreateRoomRequest is the payload of POST /rooms.
type CreateRoomRequest struct {
	Name        string   `json:"name" binding:"required"`
	Topic       string   `json:"topic"`
	InviteUsers []string `json:"invite_users"`
}

// RoomsResponse wraps a room listing.
type RoomsResponse struct {
	Rooms []services.RoomView `json:"rooms"`
}

// JoinResponse acknowledges a join.
type JoinResponse struct {
	Status string `json:"status"`
	RoomID string `json:"room_id"`
}

func roomView(r *domain.RoomMapping) services.RoomView {
	return services.RoomView{
		RoomID:     r.RoomID,
		Name:       r.Name,
		Kind:       r.Kind,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
	}
}

// ListRooms godoc
// @ID          listRooms
// @Summary     List joined rooms
// @Description Lists the rooms the caller has joined, enriched with room kind and entity data.
// @Tags        Rooms
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
//
// @Success     200  {object}  handlers.RoomsResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms [get]
func (h *Handlers) ListRooms(c *gin.Context) {
	rooms, err := h.Directory.JoinedRooms(c.Request.Context(), caller(c))
	if err != nil {
		failErr(c, err)
		return
	}
	if rooms == nil {
		rooms = []services.RoomView{}
	}
	ok(c, http.StatusOK, RoomsResponse{Rooms: rooms})
}

// CreateRoom godoc
// @ID          createRoom
// @Summary     Create a custom room
// @Description Creates a private room owned by the caller and joins the invited users.
// @Tags        Rooms
// @Accept      json
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       Idempotency-Key  header  string  false  "Replay key for retried requests"
// @Param       body  body  handlers.CreateRoomRequest  true  "Room payload"
//
// @Success     201  {object}  services.RoomView
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Not provisioned or not allowed"
// @Failure     502  {object}  handlers.ErrorResponse  "Chat backend error"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /rooms [post]
func (h *Handlers) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "name required")
		return
	}
	room, err := h.Directory.CreateRoom(c.Request.Context(), caller(c), strings.TrimSpace(req.Name), req.Topic, req.InviteUsers)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, roomView(room))
}

// JoinRoom godoc
// @ID          joinRoom
// @Summary     Join a room
// @Description Joins the caller to the given room.
// @Tags        Rooms
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       Idempotency-Key  header  string  false  "Replay key for retried requests"
// @Param       room_id  path  string  true  "Room ID"
//
// @Success     200  {object}  handlers.JoinResponse
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Not provisioned or not allowed"
// @Failure     502  {object}  handlers.ErrorResponse  "Chat backend error"
// @Router      /rooms/{room_id}/join [post]
func (h *Handlers) JoinRoom(c *gin.Context) {
	roomID := c.Param("room_id")
	if err := h.Directory.Join(c.Request.Context(), caller(c), roomID); err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, JoinResponse{Status: "joined", RoomID: roomID})
}

// OpenDirect godoc
// @ID          openDirect
// @Summary     Open a direct room
// @Description Returns the direct room between the caller and the target, creating it on first use. The room is named after the other participant.
// @Tags        Rooms
// @Produce     json
//
// @Param       Authorization    header  string  true   "Bearer access token"
// @Param       Idempotency-Key  header  string  false  "Replay key for retried requests"
// @Param       target  path  string  true  "External ID or account ID of the other user"
//
// @Success     200  {object}  services.RoomView
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Failure     403  {object}  handlers.ErrorResponse  "Not provisioned or not allowed"
// @Failure     404  {object}  handlers.ErrorResponse  "Not found"
// @Failure     502  {object}  handlers.ErrorResponse  "Chat backend error"
// @Router      /rooms/dm/{target} [post]
func (h *Handlers) OpenDirect(c *gin.Context) {
	targetID := c.Param("target")
	room, target, err := h.Directory.OpenDirect(c.Request.Context(), caller(c), targetID)
	if err != nil {
		failErr(c, err)
		return
	}
	v := roomView(room)
	v.Kind = domain.RoomDirect
	v.Name = targetID
	if target != nil && target.DisplayName != "" {
		v.Name = target.DisplayName
	}
	ok(c, http.StatusOK, v)
}
