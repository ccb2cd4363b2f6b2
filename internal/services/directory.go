// Package services – DirectoryService
//
// DirectoryService backs the user, room-listing, and admin endpoints: user
// discovery within a tenant, external client credentials, joined-room views,
// and administrative listings and statistics.

package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
	"github.com/tbourn/go-messenger-bridge/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultClientPort is the federation/client port advertised to external clients.
const DefaultClientPort = 8448

// ExternalClientInfo is what a third-party chat client needs to log in.
type ExternalClientInfo struct {
	Homeserver string `json:"homeserver"`
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

// RoomView is a room as listed to its members.
type RoomView struct {
	RoomID     string          `json:"matrix_room_id"`
	Name       string          `json:"display_name"`
	Kind       domain.RoomKind `json:"room_type"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
}

// AdminRoom is a room mapping with its current member count, or -1 when
// the count could not be fetched.
type AdminRoom struct {
	domain.RoomMapping
	MemberCount int `json:"member_count"`
}

// AdminUser is an identity as listed to administrators.
type AdminUser struct {
	domain.IdentityMapping
	Provisioned bool `json:"provisioned"`
}

// SystemStats is the admin overview.
type SystemStats struct {
	*repo.Stats
	StreamConnections int    `json:"sse_connections"`
	BackendStatus     string `json:"conduit_status"`
}

// StreamCounter reports live stream connections. *events.Broker implements it.
type StreamCounter interface {
	Total() int
}

// DirectoryService serves read-mostly views over identities and rooms.
type DirectoryService struct {
	DB          *gorm.DB
	Matrix      MatrixAPI
	Credentials CredentialSource
	Vault       Cipher
	Rooms       *RoomTopologyManager
	Streams     StreamCounter

	// BotName identifies the bot whose credential is used for admin member counts.
	BotName    string
	ClientPort int
}

// ListUsers returns identities the caller can start a conversation with:
// no bots, not the caller, same tenant when the caller has one.
func (s *DirectoryService) ListUsers(ctx context.Context, caller *domain.IdentityMapping, search string) ([]domain.IdentityMapping, error) {
	return repo.ListIdentities(ctx, s.DB, repo.IdentityFilter{
		ExcludeBots:       true,
		ExcludeExternalID: caller.ExternalID,
		TenantID:          caller.TenantID,
		Search:            search,
	})
}

// ExternalClient returns login details for a third-party client. host is
// the host the caller reached the bridge on; the chat backend is advertised
// on the same host name.
func (s *DirectoryService) ExternalClient(ctx context.Context, m *domain.IdentityMapping, host string) (*ExternalClientInfo, error) {
	if !m.ExternalClientEnabled {
		return nil, ErrExternalAccessDisabled
	}
	if m.Password == "" {
		return nil, fmt.Errorf("%w: no chat password stored, ask an administrator", ErrNotFound)
	}
	password, err := s.Vault.Decrypt(m.Password)
	if err != nil {
		return nil, err
	}
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	if hostname == "" {
		hostname = "localhost"
	}
	port := s.ClientPort
	if port <= 0 {
		port = DefaultClientPort
	}
	return &ExternalClientInfo{
		Homeserver: "https://" + net.JoinHostPort(hostname, strconv.Itoa(port)),
		UserID:     m.MatrixUserID,
		Username:   localpartOf(m.MatrixUserID, Localpart(m.ExternalID)),
		Password:   password,
	}, nil
}

// JoinedRooms lists the rooms m has joined, enriched with mapping data.
// An unprovisioned identity or an unreachable backend yields an empty list.
func (s *DirectoryService) JoinedRooms(ctx context.Context, m *domain.IdentityMapping) ([]RoomView, error) {
	tr := otel.Tracer("services/DirectoryService")
	ctx, span := tr.Start(ctx, "JoinedRooms")
	defer span.End()

	out := []RoomView{}
	actor, err := s.Credentials.Actor(m)
	if errors.Is(err, ErrNotProvisioned) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	ids, err := s.Matrix.JoinedRooms(ctx, actor.Token)
	if err != nil {
		log.Warn().Err(err).Str("user", m.MatrixUserID).Msg("joined rooms lookup failed")
		return out, nil
	}
	mapped, err := repo.RoomsByRoomIDs(ctx, s.DB, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		v := RoomView{RoomID: id, Name: id, Kind: domain.RoomGeneral}
		if r, ok := mapped[id]; ok {
			v.Name, v.Kind, v.EntityType, v.EntityID = r.Name, r.Kind, r.EntityType, r.EntityID
		}
		out = append(out, v)
	}
	return out, nil
}

// Join joins m to roomID.
func (s *DirectoryService) Join(ctx context.Context, m *domain.IdentityMapping, roomID string) error {
	actor, err := s.Credentials.Actor(m)
	if err != nil {
		return err
	}
	return upstream("join", s.Matrix.JoinRoom(ctx, actor.Token, roomID))
}

// CreateRoom creates a custom room owned by m and invites the given external ids.
func (s *DirectoryService) CreateRoom(ctx context.Context, m *domain.IdentityMapping, name, topic string, inviteExternalIDs []string) (*domain.RoomMapping, error) {
	invitees := make([]domain.IdentityMapping, 0, len(inviteExternalIDs))
	for _, id := range inviteExternalIDs {
		u, err := repo.GetIdentityByExternalID(ctx, s.DB, id)
		if errors.Is(err, repo.ErrNotFound) {
			log.Debug().Str("external_id", id).Msg("invitee unknown, skipped")
			continue
		}
		if err != nil {
			return nil, err
		}
		invitees = append(invitees, *u)
	}
	return s.Rooms.CreateCustom(ctx, m, name, topic, invitees)
}

// OpenDirect returns the direct room between m and target, given as an
// external id or a chat account id.
func (s *DirectoryService) OpenDirect(ctx context.Context, m *domain.IdentityMapping, target string) (*domain.RoomMapping, *domain.IdentityMapping, error) {
	lookup := repo.GetIdentityByExternalID
	if strings.HasPrefix(target, "@") {
		lookup = repo.GetIdentityByMatrixID
	}
	peer, err := lookup(ctx, s.DB, target)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: user %q", ErrNotFound, target)
	}
	if err != nil {
		return nil, nil, err
	}
	room, err := s.Rooms.Direct(ctx, m, peer)
	return room, peer, err
}

// --- admin ---

// AdminUsers lists every identity, newest first.
func (s *DirectoryService) AdminUsers(ctx context.Context) ([]AdminUser, error) {
	var rows []domain.IdentityMapping
	if err := s.DB.WithContext(ctx).Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]AdminUser, 0, len(rows))
	for _, r := range rows {
		out = append(out, AdminUser{IdentityMapping: r, Provisioned: r.Provisioned()})
	}
	return out, nil
}

// NotificationLogs returns the most recent notification logs, newest
// first, optionally filtered by status.
func (s *DirectoryService) NotificationLogs(ctx context.Context, status domain.NotificationStatus, limit int) ([]domain.NotificationLog, error) {
	return repo.ListNotificationLogs(ctx, s.DB, status, limit)
}

// UpdateDisplayName renames an identity. The chat profile is updated
// best-effort with the identity's own credential.
func (s *DirectoryService) UpdateDisplayName(ctx context.Context, externalID, name string) (*domain.IdentityMapping, error) {
	tr := otel.Tracer("services/DirectoryService")
	ctx, span := tr.Start(ctx, "UpdateDisplayName", trace.WithAttributes(attribute.String("identity.external_id", externalID)))
	defer span.End()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: display_name is required", ErrInvalidInput)
	}
	m, err := repo.GetIdentityByExternalID(ctx, s.DB, externalID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("%w: user %q", ErrNotFound, externalID)
	}
	if err != nil {
		return nil, err
	}
	if err := repo.UpdateIdentity(ctx, s.DB, m.ID, map[string]any{"display_name": name}); err != nil {
		return nil, err
	}
	m.DisplayName = name
	if actor, err := s.Credentials.Actor(m); err == nil {
		if err := s.Matrix.SetDisplayName(ctx, actor.Token, m.MatrixUserID, name); err != nil {
			log.Warn().Err(err).Str("user", m.MatrixUserID).Msg("chat display name update failed")
		}
	}
	return m, nil
}

// AdminRooms lists all room mappings with member counts seen by the bot.
func (s *DirectoryService) AdminRooms(ctx context.Context) ([]AdminRoom, error) {
	rooms, err := repo.ListRooms(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	var bot *Actor
	if m, err := repo.GetIdentityByExternalID(ctx, s.DB, s.BotName); err == nil {
		if a, err := s.Credentials.Actor(m); err == nil {
			bot = &a
		}
	}
	out := make([]AdminRoom, 0, len(rooms))
	for _, r := range rooms {
		ar := AdminRoom{RoomMapping: r, MemberCount: -1}
		if bot != nil {
			if members, err := s.Matrix.JoinedMembers(ctx, bot.Token, r.RoomID); err == nil {
				ar.MemberCount = len(members)
			}
		}
		out = append(out, ar)
	}
	return out, nil
}

// DeleteRoom removes a room mapping; the chat room itself is left alone.
func (s *DirectoryService) DeleteRoom(ctx context.Context, roomID string) error {
	err := repo.DeleteRoomByRoomID(ctx, s.DB, roomID)
	if errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("%w: room %q", ErrNotFound, roomID)
	}
	return err
}

// Stats collects the admin overview, probing the backend with a short timeout.
func (s *DirectoryService) Stats(ctx context.Context) (*SystemStats, error) {
	st, err := repo.CollectStats(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	out := &SystemStats{Stats: st, BackendStatus: s.BackendStatus(ctx)}
	if s.Streams != nil {
		out.StreamConnections = s.Streams.Total()
	}
	return out, nil
}

// BackendStatus returns "online" when the chat backend answers a version probe.
func (s *DirectoryService) BackendStatus(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.Matrix.ServerVersions(ctx); err != nil {
		return "offline"
	}
	return "online"
}
