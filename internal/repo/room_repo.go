// Package repo implements the data persistence layer for domain entities.
// This file holds the RoomMapping queries, including the insert-or-fetch
// primitive that resolves concurrent first-time room creation.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
)

// FindRoom returns the mapping with the given (kind, dedup key).
func FindRoom(ctx context.Context, db *gorm.DB, kind domain.RoomKind, key string) (*domain.RoomMapping, error) {
	var r domain.RoomMapping
	if err := db.WithContext(ctx).Where("kind = ? AND dedup_key = ?", kind, key).First(&r).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// GetRoomByRoomID returns the mapping of a chat room id.
func GetRoomByRoomID(ctx context.Context, db *gorm.DB, roomID string) (*domain.RoomMapping, error) {
	var r domain.RoomMapping
	if err := db.WithContext(ctx).Where("room_id = ?", roomID).First(&r).Error; err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

// InsertOrFetchRoom inserts r. If another mapping already holds the same
// (kind, dedup key), that mapping is returned with created=false and r is
// discarded by the caller.
func InsertOrFetchRoom(ctx context.Context, db *gorm.DB, r *domain.RoomMapping) (out *domain.RoomMapping, created bool, err error) {
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		if !isUniqueViolation(err) {
			return nil, false, err
		}
		existing, ferr := FindRoom(ctx, db, r.Kind, r.DedupKey)
		if ferr != nil {
			if errors.Is(ferr, ErrNotFound) {
				// room_id collided rather than the dedup key
				return nil, false, ErrDuplicate
			}
			return nil, false, ferr
		}
		return existing, false, nil
	}
	return r, true, nil
}

// FindDirectRoomsFor returns direct rooms where accountID is exactly one of
// the two participants, oldest first.
func FindDirectRoomsFor(ctx context.Context, db *gorm.DB, accountID string) ([]domain.RoomMapping, error) {
	var out []domain.RoomMapping
	err := db.WithContext(ctx).
		Where("kind = ? AND (participant_a = ? OR participant_b = ?)", domain.RoomDirect, accountID, accountID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// ListRooms returns every mapping, newest first.
func ListRooms(ctx context.Context, db *gorm.DB) ([]domain.RoomMapping, error) {
	var out []domain.RoomMapping
	if err := db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// RoomsByRoomIDs returns mappings keyed by chat room id.
func RoomsByRoomIDs(ctx context.Context, db *gorm.DB, roomIDs []string) (map[string]domain.RoomMapping, error) {
	out := make(map[string]domain.RoomMapping, len(roomIDs))
	if len(roomIDs) == 0 {
		return out, nil
	}
	var rows []domain.RoomMapping
	if err := db.WithContext(ctx).Where("room_id IN ?", roomIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.RoomID] = r
	}
	return out, nil
}

// DeleteRoomByRoomID removes a mapping. The chat room itself is untouched.
func DeleteRoomByRoomID(ctx context.Context, db *gorm.DB, roomID string) error {
	res := db.WithContext(ctx).Where("room_id = ?", roomID).Delete(&domain.RoomMapping{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
