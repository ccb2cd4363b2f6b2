// Package services – NotificationRouter
//
// NotificationRouter delivers notifications from other applications into
// chat rooms through the notification bot. Every accepted notification is
// first logged as pending, then resolved to a room, sent, and the log is
// moved exactly once to sent or failed.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/matrix"
	"github.com/tbourn/go-messenger-bridge/internal/observability"
	"github.com/tbourn/go-messenger-bridge/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Notification is an inbound notification request.
type Notification struct {
	SourceApp  string `json:"source_app"`
	EventType  string `json:"event_type"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	TargetType string `json:"target_type"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	TargetUser string `json:"target_user"`
	TenantID   *int64 `json:"tenant_id"`
	Priority   string `json:"priority"`
}

// Validate checks required fields and normalizes defaults.
func (n *Notification) Validate() error {
	n.SourceApp = strings.TrimSpace(n.SourceApp)
	n.EventType = strings.TrimSpace(n.EventType)
	n.Title = strings.TrimSpace(n.Title)
	if n.SourceApp == "" || n.EventType == "" || n.Title == "" {
		return fmt.Errorf("%w: source_app, event_type and title are required", ErrInvalidInput)
	}
	switch n.TargetType {
	case "":
		n.TargetType = domain.TargetGeneral
	case domain.TargetGeneral, domain.TargetEntityRoom, domain.TargetDM, domain.TargetServiceRoom:
	default:
		return fmt.Errorf("%w: unknown target_type %q", ErrInvalidInput, n.TargetType)
	}
	switch n.Priority {
	case "":
		n.Priority = domain.PriorityNormal
	case domain.PriorityNormal, domain.PriorityUrgent:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, n.Priority)
	}
	return nil
}

// FormatBody renders the message text of a notification.
func FormatBody(n Notification) string {
	var b strings.Builder
	if n.Priority == domain.PriorityUrgent {
		b.WriteString("🔴 ")
	}
	b.WriteString("**[")
	b.WriteString(n.SourceApp)
	b.WriteString("]** ")
	b.WriteString(n.Title)
	if n.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(n.Body)
	}
	return b.String()
}

// RoomResolver is the part of RoomTopologyManager used for routing.
type RoomResolver interface {
	General(ctx context.Context, tenantID *int64, actor Actor) (*domain.RoomMapping, error)
	Entity(ctx context.Context, entityType, entityID string, tenantID *int64, actor Actor) (*domain.RoomMapping, error)
	Service(ctx context.Context, service string, actor Actor) (*domain.RoomMapping, error)
	FindDirectFor(ctx context.Context, accountID, prefer string) (*domain.RoomMapping, error)
	Reconcile(ctx context.Context, r *domain.RoomMapping, actors ...Actor)
}

// NotificationRouter routes notifications to rooms.
type NotificationRouter struct {
	DB          *gorm.DB
	Matrix      MatrixAPI
	Rooms       RoomResolver
	Credentials CredentialSource

	// BotName is the external id of the notification bot.
	BotName string
	// DefaultTenantID is used for general-room delivery of notifications
	// that carry no tenant.
	DefaultTenantID int64
}

// Bot returns the notification bot's actor, or ErrBotUnavailable.
func (r *NotificationRouter) Bot(ctx context.Context) (Actor, error) {
	m, err := repo.GetIdentityByExternalID(ctx, r.DB, r.BotName)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Actor{}, ErrBotUnavailable
		}
		return Actor{}, err
	}
	if !m.IsBot || !m.Provisioned() {
		return Actor{}, ErrBotUnavailable
	}
	return r.Credentials.Actor(m)
}

// Send routes n through the notification bot.
func (r *NotificationRouter) Send(ctx context.Context, n Notification) (*domain.NotificationLog, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	bot, err := r.Bot(ctx)
	if err != nil {
		return nil, err
	}
	return r.Route(ctx, n, bot)
}

// Log returns a stored delivery log.
func (r *NotificationRouter) Log(ctx context.Context, id uint) (*domain.NotificationLog, error) {
	l, err := repo.GetNotificationLog(ctx, r.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: notification %d", ErrNotFound, id)
	}
	return l, err
}

// Route delivers n as bot. The returned log is in a terminal state whenever
// it is non-nil; on delivery failure it is returned together with the error.
func (r *NotificationRouter) Route(ctx context.Context, n Notification, bot Actor) (*domain.NotificationLog, error) {
	tr := otel.Tracer("services/NotificationRouter")
	ctx, span := tr.Start(ctx, "Route", trace.WithAttributes(
		attribute.String("notification.source_app", n.SourceApp),
		attribute.String("notification.target_type", n.TargetType),
		attribute.String("notification.priority", n.Priority),
	))
	defer span.End()

	if err := n.Validate(); err != nil {
		return nil, err
	}

	entry := &domain.NotificationLog{
		SourceApp:  n.SourceApp,
		EventType:  n.EventType,
		Title:      n.Title,
		Body:       n.Body,
		TargetType: n.TargetType,
		EntityType: n.EntityType,
		EntityID:   n.EntityID,
		TargetUser: n.TargetUser,
		TenantID:   n.TenantID,
		Priority:   n.Priority,
	}
	if err := repo.CreateNotificationLog(ctx, r.DB, entry); err != nil {
		return nil, err
	}

	target, room, err := r.resolve(ctx, n, bot)
	if err == nil {
		entry.RoomID = room.RoomID
		entry.EventID, err = r.Matrix.SendMessage(ctx, bot.Token, room.RoomID, map[string]any{
			"msgtype": matrix.MsgText,
			"body":    FormatBody(n),
		})
		err = upstream("send", err)
	}

	if err != nil {
		entry.Status = domain.NotificationFailed
		entry.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
	} else {
		entry.Status = domain.NotificationSent
	}
	// The terminal write must land even if the caller went away.
	if ferr := repo.FinishNotificationLog(context.WithoutCancel(ctx), r.DB, entry); ferr != nil {
		log.Error().Err(ferr).Uint("log_id", entry.ID).Msg("finish notification log failed")
		if err == nil {
			err = ferr
		}
	}
	observability.NotificationsRouted.WithLabelValues(target, string(entry.Status)).Inc()

	if err != nil {
		log.Warn().Err(err).Uint("log_id", entry.ID).Str("source_app", n.SourceApp).Msg("notification delivery failed")
		return entry, err
	}
	log.Info().Uint("log_id", entry.ID).Str("room", entry.RoomID).Str("target", target).Msg("notification delivered")
	return entry, nil
}

// resolve picks the destination room and reports the target kind actually used.
func (r *NotificationRouter) resolve(ctx context.Context, n Notification, bot Actor) (string, *domain.RoomMapping, error) {
	switch n.TargetType {
	case domain.TargetServiceRoom:
		room, err := r.Rooms.Service(ctx, n.SourceApp, bot)
		return domain.TargetServiceRoom, room, err

	case domain.TargetEntityRoom:
		if n.EntityType != "" && n.EntityID != "" {
			room, err := r.Rooms.Entity(ctx, n.EntityType, n.EntityID, n.TenantID, bot)
			return domain.TargetEntityRoom, room, err
		}

	case domain.TargetDM:
		if n.TargetUser != "" {
			room, err := r.directRoom(ctx, n.TargetUser, bot)
			if err == nil {
				return domain.TargetDM, room, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return domain.TargetDM, nil, err
			}
			log.Debug().Str("target_user", n.TargetUser).Msg("no direct room for target, using general room")
		}
	}

	tenant := n.TenantID
	if tenant == nil {
		def := r.DefaultTenantID
		tenant = &def
	}
	room, err := r.Rooms.General(ctx, tenant, bot)
	return domain.TargetGeneral, room, err
}

// directRoom finds an existing direct room of target, which may be an
// external id or a chat account id.
func (r *NotificationRouter) directRoom(ctx context.Context, target string, bot Actor) (*domain.RoomMapping, error) {
	accountID := target
	if !strings.HasPrefix(target, "@") {
		m, err := repo.GetIdentityByExternalID(ctx, r.DB, target)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		accountID = m.MatrixUserID
	}
	room, err := r.Rooms.FindDirectFor(ctx, accountID, bot.AccountID)
	if err != nil {
		return nil, err
	}
	r.Rooms.Reconcile(ctx, room, bot)
	return room, nil
}
