// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides aggregate queries for the admin
// statistics endpoint.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
)

// Stats summarizes the bridge's persisted state.
type Stats struct {
	Users                int64                                `json:"total_users"`
	Bots                 int64                                `json:"bots"`
	ProvisionedUsers     int64                                `json:"provisioned_users"`
	ExternalClientUsers  int64                                `json:"external_client_users"`
	Rooms                int64                                `json:"total_rooms"`
	RoomsByKind          map[domain.RoomKind]int64            `json:"rooms_by_type"`
	NotificationsByState map[domain.NotificationStatus]int64 `json:"notifications_by_status"`
}

// CollectStats runs a handful of count queries. A missing table surfaces as an error.
func CollectStats(ctx context.Context, db *gorm.DB) (*Stats, error) {
	s := &Stats{
		RoomsByKind:          map[domain.RoomKind]int64{},
		NotificationsByState: map[domain.NotificationStatus]int64{},
	}
	users := func() *gorm.DB { return db.WithContext(ctx).Model(&domain.IdentityMapping{}) }

	if err := users().Where("is_bot = ?", false).Count(&s.Users).Error; err != nil {
		return nil, err
	}
	if err := users().Where("is_bot = ?", true).Count(&s.Bots).Error; err != nil {
		return nil, err
	}
	if err := users().Where("is_bot = ? AND access_token IS NOT NULL AND access_token <> ''", false).Count(&s.ProvisionedUsers).Error; err != nil {
		return nil, err
	}
	if err := users().Where("external_client_enabled = ?", true).Count(&s.ExternalClientUsers).Error; err != nil {
		return nil, err
	}

	var rooms []struct {
		Kind  domain.RoomKind
		Count int64
	}
	if err := db.WithContext(ctx).Model(&domain.RoomMapping{}).
		Select("kind, COUNT(*) AS count").Group("kind").Scan(&rooms).Error; err != nil {
		return nil, err
	}
	for _, r := range rooms {
		s.RoomsByKind[r.Kind] = r.Count
		s.Rooms += r.Count
	}

	var notes []struct {
		Status domain.NotificationStatus
		Count  int64
	}
	if err := db.WithContext(ctx).Model(&domain.NotificationLog{}).
		Select("status, COUNT(*) AS count").Group("status").Scan(&notes).Error; err != nil {
		return nil, err
	}
	for _, n := range notes {
		s.NotificationsByState[n.Status] = n.Count
	}
	return s, nil
}
