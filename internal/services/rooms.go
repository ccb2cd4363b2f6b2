// Package services – RoomTopologyManager
//
// RoomTopologyManager keeps exactly one chat room per logical key: a general
// room and a space per tenant, one room per entity, one per notifying
// service, and one direct room per identity pair. Lookups go through the
// (kind, dedup key) mapping; a concurrent first-time creation is settled by
// the mapping's unique constraint and the loser adopts the winner's room.
// On every hit, membership of the requesting identities is reconciled
// best-effort because it can drift outside the bridge.

package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/matrix"
	"github.com/tbourn/go-messenger-bridge/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	generalRoomName  = "Allgemein"
	generalRoomTopic = "Allgemeiner Chat-Kanal"
	spaceName        = "Arbeitsbereich"
	serviceTopicFmt  = "Benachrichtigungen von %s"

	spaceChildEvent = "m.space.child"
	roomTypeSpace   = "m.space"
)

// DefaultServiceNames maps well-known notifying services to display names.
var DefaultServiceNames = map[string]string{
	"machine-monitoring": "Maschinenüberwachung",
}

var title = cases.Title(language.German)

// RoomTopologyManager creates and finds bridge-managed rooms.
type RoomTopologyManager struct {
	DB           *gorm.DB
	Matrix       MatrixAPI
	Credentials  CredentialSource
	ServiceNames map[string]string
}

// ServiceDisplayName returns the configured name of service, or a title-cased
// rendition of the service id.
func (m *RoomTopologyManager) ServiceDisplayName(service string) string {
	names := m.ServiceNames
	if names == nil {
		names = DefaultServiceNames
	}
	if n, ok := names[service]; ok {
		return n
	}
	return title.String(strings.NewReplacer("-", " ", "_", " ").Replace(service))
}

// General returns the general room of tenantID, creating it publicly
// joinable on first use.
func (m *RoomTopologyManager) General(ctx context.Context, tenantID *int64, actor Actor) (*domain.RoomMapping, error) {
	ctx, span := m.span(ctx, "General", domain.RoomGeneral)
	defer span.End()

	key := domain.GeneralKey(tenantID)
	return m.ensure(ctx, domain.RoomGeneral, key, []Actor{actor}, func(ctx context.Context) (*domain.RoomMapping, error) {
		roomID, err := m.Matrix.CreateRoom(ctx, actor.Token, matrix.CreateRoomRequest{
			Name:   generalRoomName,
			Topic:  generalRoomTopic,
			Preset: matrix.PresetPublicChat,
		})
		if err != nil {
			return nil, err
		}
		return &domain.RoomMapping{RoomID: roomID, Kind: domain.RoomGeneral, DedupKey: key, Name: generalRoomName, TenantID: tenantID}, nil
	}, func(ctx context.Context, r *domain.RoomMapping) { m.linkToSpace(ctx, r, actor) })
}

// Entity returns the room of one business entity, creating it on first use.
func (m *RoomTopologyManager) Entity(ctx context.Context, entityType, entityID string, tenantID *int64, actor Actor) (*domain.RoomMapping, error) {
	ctx, span := m.span(ctx, "Entity", domain.RoomEntity)
	defer span.End()

	if strings.TrimSpace(entityType) == "" || strings.TrimSpace(entityID) == "" {
		return nil, fmt.Errorf("%w: entity type and id are required", ErrInvalidInput)
	}
	key := domain.EntityKey(entityType, entityID)
	name := entityType + " #" + entityID
	return m.ensure(ctx, domain.RoomEntity, key, []Actor{actor}, func(ctx context.Context) (*domain.RoomMapping, error) {
		roomID, err := m.Matrix.CreateRoom(ctx, actor.Token, matrix.CreateRoomRequest{
			Name:   name,
			Topic:  name,
			Preset: matrix.PresetPrivateChat,
		})
		if err != nil {
			return nil, err
		}
		return &domain.RoomMapping{
			RoomID: roomID, Kind: domain.RoomEntity, DedupKey: key, Name: name,
			TenantID: tenantID, EntityType: entityType, EntityID: entityID,
		}, nil
	}, func(ctx context.Context, r *domain.RoomMapping) { m.linkToSpace(ctx, r, actor) })
}

// Service returns the room of a notifying service. On creation every known
// non-bot identity is invited and then joined with its own credential;
// individual join failures are tolerated.
func (m *RoomTopologyManager) Service(ctx context.Context, service string, actor Actor) (*domain.RoomMapping, error) {
	ctx, span := m.span(ctx, "Service", domain.RoomService)
	defer span.End()

	service = strings.TrimSpace(service)
	if service == "" {
		return nil, fmt.Errorf("%w: service is required", ErrInvalidInput)
	}
	key := domain.ServiceKey(service)
	name := m.ServiceDisplayName(service)

	var members []domain.IdentityMapping
	return m.ensure(ctx, domain.RoomService, key, []Actor{actor}, func(ctx context.Context) (*domain.RoomMapping, error) {
		var err error
		members, err = repo.ListIdentities(ctx, m.DB, repo.IdentityFilter{ExcludeBots: true})
		if err != nil {
			return nil, err
		}
		invite := make([]string, 0, len(members))
		for _, u := range members {
			if u.MatrixUserID != actor.AccountID {
				invite = append(invite, u.MatrixUserID)
			}
		}
		roomID, err := m.Matrix.CreateRoom(ctx, actor.Token, matrix.CreateRoomRequest{
			Name:   name,
			Topic:  fmt.Sprintf(serviceTopicFmt, name),
			Preset: matrix.PresetPublicChat,
			Invite: invite,
		})
		if err != nil {
			return nil, err
		}
		return &domain.RoomMapping{RoomID: roomID, Kind: domain.RoomService, DedupKey: key, Name: name}, nil
	}, func(ctx context.Context, r *domain.RoomMapping) {
		for i := range members {
			m.autoJoin(ctx, r.RoomID, &members[i])
		}
	})
}

// Direct returns the direct room of a and b. The lookup is order-independent;
// on creation a creates the room and b is invited, then joined with its own
// credential when it has one.
func (m *RoomTopologyManager) Direct(ctx context.Context, a, b *domain.IdentityMapping) (*domain.RoomMapping, error) {
	ctx, span := m.span(ctx, "Direct", domain.RoomDirect)
	defer span.End()

	if a.MatrixUserID == b.MatrixUserID {
		return nil, fmt.Errorf("%w: direct room needs two different identities", ErrInvalidInput)
	}
	actorA, err := m.Credentials.Actor(a)
	if err != nil {
		return nil, err
	}
	actors := []Actor{actorA}
	actorB, err := m.Credentials.Actor(b)
	if err != nil {
		log.Warn().Err(err).Str("user", b.MatrixUserID).Msg("direct room peer has no credential; invite only")
	} else {
		actors = append(actors, actorB)
	}

	key := domain.DirectKey(a.MatrixUserID, b.MatrixUserID)
	pa, pb := domain.OrderPair(a.MatrixUserID, b.MatrixUserID)
	return m.ensure(ctx, domain.RoomDirect, key, actors, func(ctx context.Context) (*domain.RoomMapping, error) {
		roomID, err := m.Matrix.CreateRoom(ctx, actorA.Token, matrix.CreateRoomRequest{
			Preset:   matrix.PresetTrusted,
			IsDirect: true,
			Invite:   []string{b.MatrixUserID},
		})
		if err != nil {
			return nil, err
		}
		return &domain.RoomMapping{
			RoomID: roomID, Kind: domain.RoomDirect, DedupKey: key,
			Name:         displayOr(a) + " & " + displayOr(b),
			ParticipantA: pa, ParticipantB: pb,
		}, nil
	}, func(ctx context.Context, r *domain.RoomMapping) {
		if actorB.Token == "" {
			return
		}
		if err := m.Matrix.JoinRoom(ctx, actorB.Token, r.RoomID); err != nil {
			log.Warn().Err(err).Str("room", r.RoomID).Str("user", actorB.AccountID).Msg("direct room auto-join failed")
		}
	})
}

// Space returns the space of tenantID, creating it on first use.
func (m *RoomTopologyManager) Space(ctx context.Context, tenantID *int64, actor Actor) (*domain.RoomMapping, error) {
	ctx, span := m.span(ctx, "Space", domain.RoomSpace)
	defer span.End()

	key := domain.SpaceKey(tenantID)
	name := spaceName
	if tenantID != nil {
		name += " " + strconv.FormatInt(*tenantID, 10)
	}
	return m.ensure(ctx, domain.RoomSpace, key, []Actor{actor}, func(ctx context.Context) (*domain.RoomMapping, error) {
		roomID, err := m.Matrix.CreateRoom(ctx, actor.Token, matrix.CreateRoomRequest{
			Name:            name,
			Preset:          matrix.PresetPrivateChat,
			CreationContent: map[string]any{"type": roomTypeSpace},
		})
		if err != nil {
			return nil, err
		}
		return &domain.RoomMapping{RoomID: roomID, Kind: domain.RoomSpace, DedupKey: key, Name: name, TenantID: tenantID}, nil
	}, nil)
}

// CreateCustom creates an ad-hoc private room owned by owner and joins each
// invitee best-effort. Custom rooms are never deduplicated.
func (m *RoomTopologyManager) CreateCustom(ctx context.Context, owner *domain.IdentityMapping, name, topic string, invitees []domain.IdentityMapping) (*domain.RoomMapping, error) {
	ctx, span := m.span(ctx, "CreateCustom", domain.RoomGeneral)
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: room name is required", ErrInvalidInput)
	}
	actor, err := m.Credentials.Actor(owner)
	if err != nil {
		return nil, err
	}
	invite := make([]string, 0, len(invitees))
	for _, u := range invitees {
		if u.MatrixUserID != owner.MatrixUserID {
			invite = append(invite, u.MatrixUserID)
		}
	}
	roomID, err := m.Matrix.CreateRoom(ctx, actor.Token, matrix.CreateRoomRequest{
		Name:   name,
		Topic:  topic,
		Preset: matrix.PresetPrivateChat,
		Invite: invite,
	})
	if err != nil {
		return nil, upstream("create_room", err)
	}
	r := &domain.RoomMapping{RoomID: roomID, Kind: domain.RoomGeneral, DedupKey: domain.CustomKey(roomID), Name: name, TenantID: owner.TenantID}
	if err := m.DB.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	for i := range invitees {
		if invitees[i].MatrixUserID != owner.MatrixUserID {
			m.autoJoin(ctx, roomID, &invitees[i])
		}
	}
	return r, nil
}

// EnsureMember makes member a joined member of roomID, asking inviter for an
// invite when a plain join is refused.
func (m *RoomTopologyManager) EnsureMember(ctx context.Context, roomID string, inviter, member Actor) error {
	err := m.Matrix.JoinRoom(ctx, member.Token, roomID)
	if err == nil || !isForbidden(err) || inviter.Token == "" || inviter.AccountID == member.AccountID {
		return upstream("join", err)
	}
	if ierr := m.Matrix.InviteUser(ctx, inviter.Token, roomID, member.AccountID); ierr != nil {
		return upstream("invite", ierr)
	}
	return upstream("join", m.Matrix.JoinRoom(ctx, member.Token, roomID))
}

// FindDirectFor returns a direct room of which accountID is exactly one
// participant, preferring the one shared with prefer. Only the stored
// participant pair is compared.
func (m *RoomTopologyManager) FindDirectFor(ctx context.Context, accountID, prefer string) (*domain.RoomMapping, error) {
	rooms, err := repo.FindDirectRoomsFor(ctx, m.DB, accountID)
	if err != nil {
		return nil, err
	}
	if len(rooms) == 0 {
		return nil, ErrNotFound
	}
	for i := range rooms {
		if prefer != "" && rooms[i].HasParticipant(prefer) {
			return &rooms[i], nil
		}
	}
	return &rooms[0], nil
}

// Reconcile joins each actor to r best-effort.
func (m *RoomTopologyManager) Reconcile(ctx context.Context, r *domain.RoomMapping, actors ...Actor) {
	if r.Kind == domain.RoomDirect && len(actors) == 2 {
		// Each participant can re-invite the other.
		m.reconcileOne(ctx, r, actors[1], actors[0])
		m.reconcileOne(ctx, r, actors[0], actors[1])
		return
	}
	for _, a := range actors {
		m.reconcileOne(ctx, r, Actor{}, a)
	}
}

func (m *RoomTopologyManager) reconcileOne(ctx context.Context, r *domain.RoomMapping, inviter, member Actor) {
	if member.Token == "" {
		return
	}
	if err := m.EnsureMember(ctx, r.RoomID, inviter, member); err != nil {
		log.Debug().Err(err).Str("room", r.RoomID).Str("user", member.AccountID).Msg("membership reconcile failed")
	}
}

// ensure implements the lookup, create-on-miss, insert-or-fetch sequence
// shared by every deduplicated room kind. afterCreate runs only for the
// creator whose mapping won.
func (m *RoomTopologyManager) ensure(
	ctx context.Context,
	kind domain.RoomKind,
	key string,
	actors []Actor,
	create func(context.Context) (*domain.RoomMapping, error),
	afterCreate func(context.Context, *domain.RoomMapping),
) (*domain.RoomMapping, error) {
	existing, err := repo.FindRoom(ctx, m.DB, kind, key)
	if err == nil {
		m.Reconcile(ctx, existing, actors...)
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	candidate, err := create(ctx)
	if err != nil {
		return nil, upstream("create_room", err)
	}
	out, created, err := repo.InsertOrFetchRoom(ctx, m.DB, candidate)
	if err != nil {
		return nil, err
	}
	if !created {
		log.Info().Str("kind", string(kind)).Str("abandoned_room", candidate.RoomID).Str("room", out.RoomID).
			Msg("concurrent room creation lost, adopting existing room")
		m.Reconcile(ctx, out, actors...)
		return out, nil
	}
	log.Info().Str("kind", string(kind)).Str("room", out.RoomID).Msg("room created")
	if afterCreate != nil {
		afterCreate(ctx, out)
	}
	return out, nil
}

func (m *RoomTopologyManager) autoJoin(ctx context.Context, roomID string, u *domain.IdentityMapping) {
	if !u.Provisioned() {
		return
	}
	a, err := m.Credentials.Actor(u)
	if err == nil {
		err = m.Matrix.JoinRoom(ctx, a.Token, roomID)
	}
	if err != nil {
		log.Warn().Err(err).Str("room", roomID).Str("user", u.MatrixUserID).Msg("auto-join failed")
	}
}

// linkToSpace adds r as a child of its tenant's space, creating the space
// on first use. Failures are logged; the room itself stays usable.
func (m *RoomTopologyManager) linkToSpace(ctx context.Context, r *domain.RoomMapping, actor Actor) {
	if r.Kind == domain.RoomSpace {
		return
	}
	space, err := m.Space(ctx, r.TenantID, actor)
	if err != nil {
		log.Warn().Err(err).Str("room", r.RoomID).Msg("tenant space unavailable")
		return
	}
	_ = m.Matrix.JoinRoom(ctx, actor.Token, space.RoomID)
	content := map[string]any{"via": []string{m.Matrix.ServerName()}}
	if _, err := m.Matrix.SendStateEvent(ctx, actor.Token, space.RoomID, spaceChildEvent, r.RoomID, content); err != nil {
		log.Warn().Err(err).Str("space", space.RoomID).Str("room", r.RoomID).Msg("space link failed")
	}
}

func (m *RoomTopologyManager) span(ctx context.Context, name string, kind domain.RoomKind) (context.Context, trace.Span) {
	tr := otel.Tracer("services/RoomTopologyManager")
	return tr.Start(ctx, name, trace.WithAttributes(attribute.String("room.kind", string(kind))))
}

func displayOr(m *domain.IdentityMapping) string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.ExternalID
}
