package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-messenger-bridge/internal/domain"
)

// ErrTerminal is returned when finishing a log that already reached sent or failed.
var ErrTerminal = errors.New("notification log already in terminal state")

// CreateNotificationLog inserts l with status pending.
func CreateNotificationLog(ctx context.Context, db *gorm.DB, l *domain.NotificationLog) error {
	l.Status = domain.NotificationPending
	return db.WithContext(ctx).Create(l).Error
}

// FinishNotificationLog moves a pending log to its terminal state. The update
// is guarded on status so a terminal row is never rewritten.
func FinishNotificationLog(ctx context.Context, db *gorm.DB, l *domain.NotificationLog) error {
	if !l.Status.Terminal() {
		return errors.New("finish requires a terminal status")
	}
	res := db.WithContext(ctx).
		Model(&domain.NotificationLog{}).
		Where("id = ? AND status = ?", l.ID, domain.NotificationPending).
		Updates(map[string]any{
			"status":   l.Status,
			"room_id":  l.RoomID,
			"event_id": l.EventID,
			"error":    l.Error,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTerminal
	}
	return nil
}

// GetNotificationLog returns a log by id.
func GetNotificationLog(ctx context.Context, db *gorm.DB, id uint) (*domain.NotificationLog, error) {
	var l domain.NotificationLog
	if err := db.WithContext(ctx).First(&l, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

// ListNotificationLogs returns the most recent logs, optionally filtered by status.
func ListNotificationLogs(ctx context.Context, db *gorm.DB, status domain.NotificationStatus, limit int) ([]domain.NotificationLog, error) {
	q := db.WithContext(ctx).Model(&domain.NotificationLog{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []domain.NotificationLog
	if err := q.Order("id DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
