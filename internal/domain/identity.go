// Package domain defines the persistence models of the bridge: identity
// mappings between the external provider and chat accounts, room mappings,
// notification delivery logs, and idempotency records. These types are mapped
// with GORM and shared by the repository, service, and HTTP layers.
package domain

import "time"

// Local roles assigned to identities.
const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleViewer = "viewer"
)

// IdentityMapping links an external identity to a chat-protocol account.
//
// Fields:
//   - ExternalID: identity id asserted by the provider (unique).
//   - MatrixUserID: fully qualified chat account id, e.g. "@alice:hub.local" (unique).
//   - AccessToken: encrypted chat access credential; empty until provisioned.
//   - Password: encrypted chat login password; optional.
//   - TenantID: optional tenant the identity belongs to.
//   - IsBot: service accounts such as the notification bot.
//   - ExternalClientEnabled: whether the user may fetch credentials for a
//     third-party chat client.
type IdentityMapping struct {
	ID                    uint      `json:"id"                      gorm:"primaryKey"`
	ExternalID            string    `json:"external_id"             gorm:"type:varchar(255);not null;uniqueIndex"`
	MatrixUserID          string    `json:"matrix_user_id"          gorm:"type:varchar(255);not null;uniqueIndex"`
	AccessToken           string    `json:"-"                       gorm:"type:text"`
	Password              string    `json:"-"                       gorm:"type:text"`
	TenantID              *int64    `json:"tenant_id,omitempty"     gorm:"index"`
	DisplayName           string    `json:"display_name"            gorm:"type:varchar(255)"`
	Role                  string    `json:"role"                    gorm:"type:varchar(32);not null;default:'user'"`
	IsBot                 bool      `json:"is_bot"                  gorm:"not null;default:false"`
	ExternalClientEnabled bool      `json:"external_client_enabled" gorm:"not null;default:false"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// TableName returns the database table name for IdentityMapping.
func (IdentityMapping) TableName() string { return "user_mappings" }

// Provisioned reports whether the mapping holds a chat credential.
func (m *IdentityMapping) Provisioned() bool { return m != nil && m.AccessToken != "" }

// IsAdmin reports whether the identity carries the admin role.
func (m *IdentityMapping) IsAdmin() bool { return m != nil && m.Role == RoleAdmin }

// SameTenant compares optional tenant ids.
func SameTenant(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
