package domain

import (
	"strconv"
	"strings"
	"time"
)

// RoomKind classifies a room mapping. Each kind has its own deduplication key.
type RoomKind string

const (
	RoomGeneral RoomKind = "general"
	RoomDirect  RoomKind = "direct"
	RoomEntity  RoomKind = "entity"
	RoomSpace   RoomKind = "space"
	RoomService RoomKind = "service"
)

// Valid reports whether k is a known kind.
func (k RoomKind) Valid() bool {
	switch k {
	case RoomGeneral, RoomDirect, RoomEntity, RoomSpace, RoomService:
		return true
	}
	return false
}

// RoomMapping records a chat room created by the bridge.
//
// (Kind, DedupKey) is unique, which makes lookups exact and lets concurrent
// creators detect each other through the constraint. Name is for display only.
// Direct rooms also store both participants in canonical order.
type RoomMapping struct {
	ID           uint      `json:"id"                      gorm:"primaryKey"`
	RoomID       string    `json:"room_id"                 gorm:"type:varchar(255);not null;uniqueIndex"`
	Kind         RoomKind  `json:"room_type"               gorm:"type:varchar(16);not null;uniqueIndex:ux_room_kind_key,priority:1;check:kind IN ('general','direct','entity','space','service')"`
	DedupKey     string    `json:"-"                       gorm:"type:varchar(512);not null;uniqueIndex:ux_room_kind_key,priority:2"`
	Name         string    `json:"display_name"            gorm:"type:varchar(255)"`
	TenantID     *int64    `json:"tenant_id,omitempty"     gorm:"index"`
	EntityType   string    `json:"entity_type,omitempty"   gorm:"type:varchar(128);index:idx_room_entity,priority:1"`
	EntityID     string    `json:"entity_id,omitempty"     gorm:"type:varchar(128);index:idx_room_entity,priority:2"`
	ParticipantA string    `json:"participant_a,omitempty" gorm:"type:varchar(255);index"`
	ParticipantB string    `json:"participant_b,omitempty" gorm:"type:varchar(255);index"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for RoomMapping.
func (RoomMapping) TableName() string { return "room_mappings" }

// Participants returns the direct-room participants, or nil for other kinds.
func (r *RoomMapping) Participants() []string {
	if r.Kind != RoomDirect {
		return nil
	}
	return []string{r.ParticipantA, r.ParticipantB}
}

// HasParticipant reports whether accountID is one of a direct room's members.
func (r *RoomMapping) HasParticipant(accountID string) bool {
	return r.Kind == RoomDirect && (r.ParticipantA == accountID || r.ParticipantB == accountID)
}

func tenantPart(tenantID *int64) string {
	if tenantID == nil {
		return "none"
	}
	return strconv.FormatInt(*tenantID, 10)
}

// GeneralKey is the dedup key of a tenant's general room.
func GeneralKey(tenantID *int64) string { return "tenant:" + tenantPart(tenantID) }

// SpaceKey is the dedup key of a tenant's space.
func SpaceKey(tenantID *int64) string { return "tenant:" + tenantPart(tenantID) }

// EntityKey is the dedup key of an entity room. Both parts are quoted so a
// separator inside either one cannot make two entities share a key.
func EntityKey(entityType, entityID string) string {
	return strconv.Quote(entityType) + "#" + strconv.Quote(entityID)
}

// ServiceKey is the dedup key of a service room.
func ServiceKey(service string) string { return service }

// CustomKey keys rooms created on request. Those rooms are stored as general
// rooms and are unique by their own room id.
func CustomKey(roomID string) string { return "room:" + roomID }

// OrderPair returns the two account ids in canonical order.
func OrderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// DirectKey is the dedup key of a direct room. It is the same for (a, b) and (b, a).
func DirectKey(a, b string) string {
	x, y := OrderPair(a, b)
	return "dm:" + x + "|" + y
}

// IsCustom reports whether a general-kind mapping was created on request
// rather than as a tenant's general room.
func (r *RoomMapping) IsCustom() bool {
	return r.Kind == RoomGeneral && strings.HasPrefix(r.DedupKey, "room:")
}
