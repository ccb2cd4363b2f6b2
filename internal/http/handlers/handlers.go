// Package handlers provides HTTP handler implementations for the public API.
//
// Handlers are transport-thin: they bind and validate input, call the
// services through the interfaces below, and translate results and errors
// into HTTP responses.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/events"
	"github.com/tbourn/go-messenger-bridge/internal/http/middleware"
	"github.com/tbourn/go-messenger-bridge/internal/matrix"
	"github.com/tbourn/go-messenger-bridge/internal/services"
)

//
// Service contracts (context-aware)
//

// LoginService exchanges provider tokens for local ones.
type LoginService interface {
	Login(ctx context.Context, providerToken string) (*services.LoginResult, error)
}

// MessageService sends and reads room messages on behalf of an identity.
type MessageService interface {
	Send(ctx context.Context, sender *domain.IdentityMapping, roomID, body, msgType string) (*services.Message, error)
	Upload(ctx context.Context, sender *domain.IdentityMapping, up services.Upload) (*services.Message, error)
	History(ctx context.Context, reader *domain.IdentityMapping, roomID string, limit int, from string) (*services.History, error)
	Media(ctx context.Context, reader *domain.IdentityMapping, server, mediaID string) (*matrix.Media, error)
	Sync(ctx context.Context, reader *domain.IdentityMapping, since string, timeout time.Duration) (*matrix.SyncResponse, error)
}

// DirectoryService serves user, room and admin views.
type DirectoryService interface {
	ListUsers(ctx context.Context, caller *domain.IdentityMapping, search string) ([]domain.IdentityMapping, error)
	ExternalClient(ctx context.Context, m *domain.IdentityMapping, host string) (*services.ExternalClientInfo, error)
	JoinedRooms(ctx context.Context, m *domain.IdentityMapping) ([]services.RoomView, error)
	Join(ctx context.Context, m *domain.IdentityMapping, roomID string) error
	CreateRoom(ctx context.Context, m *domain.IdentityMapping, name, topic string, inviteExternalIDs []string) (*domain.RoomMapping, error)
	OpenDirect(ctx context.Context, m *domain.IdentityMapping, target string) (*domain.RoomMapping, *domain.IdentityMapping, error)

	AdminUsers(ctx context.Context) ([]services.AdminUser, error)
	UpdateDisplayName(ctx context.Context, externalID, name string) (*domain.IdentityMapping, error)
	AdminRooms(ctx context.Context) ([]services.AdminRoom, error)
	DeleteRoom(ctx context.Context, roomID string) error
	Stats(ctx context.Context) (*services.SystemStats, error)
	NotificationLogs(ctx context.Context, status domain.NotificationStatus, limit int) ([]domain.NotificationLog, error)
	BackendStatus(ctx context.Context) string
}

// AccessService toggles third-party client access.
type AccessService interface {
	SetExternalAccess(ctx context.Context, externalID string, enabled bool) (*domain.IdentityMapping, error)
}

// NotificationService routes service notifications through the bot.
type NotificationService interface {
	Send(ctx context.Context, n services.Notification) (*domain.NotificationLog, error)
	Log(ctx context.Context, id uint) (*domain.NotificationLog, error)
}

// EventStreamer is the live event fan-out. *events.Broker implements it.
type EventStreamer interface {
	Subscribe(userID string) *events.Subscription
	Stream(ctx context.Context, sub *events.Subscription, keepalive time.Duration, emit events.EmitFunc) error
	Broadcast(ev events.Event) int
}

// IdempotencyRecorder stores the result id of a completed keyed request.
type IdempotencyRecorder interface {
	Record(ctx context.Context, userID, scope, key, resultID string, status int) error
}

//
// Handler wiring
//

// Deps lists the collaborators of Handlers. Idempotency may be nil.
type Deps struct {
	Login         LoginService
	Messages      MessageService
	Directory     DirectoryService
	Access        AccessService
	Notifications NotificationService
	Events        EventStreamer
	Idempotency   IdempotencyRecorder

	// Keepalive is the idle interval of event streams.
	Keepalive time.Duration
	// AllowedOrigins gates WebSocket upgrades; empty allows any origin.
	AllowedOrigins []string
	// MaxUploadBytes caps uploaded files.
	MaxUploadBytes int64
}

// Handlers groups all HTTP endpoints.
type Handlers struct {
	Deps
	allowed map[string]struct{}
}

// New constructs Handlers, filling defaults for unset tunables.
func New(d Deps) *Handlers {
	if d.Keepalive <= 0 {
		d.Keepalive = events.DefaultKeepalive
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 20 << 20
	}
	h := &Handlers{Deps: d, allowed: make(map[string]struct{}, len(d.AllowedOrigins))}
	for _, o := range d.AllowedOrigins {
		h.allowed[o] = struct{}{}
	}
	return h
}

// caller returns the authenticated identity. Routes using it sit behind
// middleware.Authenticate.
func caller(c *gin.Context) *domain.IdentityMapping {
	return middleware.Identity(c)
}

// record stores an idempotency result best-effort.
func (h *Handlers) record(c *gin.Context, resultID string, status int) {
	key, ok := middleware.GetIdempotencyKey(c)
	if !ok || h.Idempotency == nil {
		return
	}
	if err := h.Idempotency.Record(c.Request.Context(), middleware.CallerID(c), middleware.IdempotencyScope(c), key, resultID, status); err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Str("key", key).Msg("idempotency record failed")
	}
}
