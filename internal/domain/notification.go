package domain

import "time"

// NotificationStatus is the delivery state of a notification log.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
	NotificationFailed  NotificationStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s NotificationStatus) Terminal() bool {
	return s == NotificationSent || s == NotificationFailed
}

// Notification target kinds.
const (
	TargetGeneral     = "general"
	TargetEntityRoom  = "entity_room"
	TargetDM          = "dm"
	TargetServiceRoom = "service_room"
)

// Notification priorities.
const (
	PriorityNormal = "normal"
	PriorityUrgent = "urgent"
)

// NotificationLog is the durable record of one notification delivery.
// It is written as pending before any delivery attempt and updated once to
// sent or failed.
type NotificationLog struct {
	ID         uint               `json:"id"                    gorm:"primaryKey"`
	SourceApp  string             `json:"source_app"            gorm:"type:varchar(128);not null;index"`
	EventType  string             `json:"event_type"            gorm:"type:varchar(128);not null"`
	Title      string             `json:"title"                 gorm:"type:varchar(512);not null"`
	Body       string             `json:"body,omitempty"        gorm:"type:text"`
	TargetType string             `json:"target_type"           gorm:"type:varchar(32);not null"`
	EntityType string             `json:"entity_type,omitempty" gorm:"type:varchar(128)"`
	EntityID   string             `json:"entity_id,omitempty"   gorm:"type:varchar(128)"`
	TargetUser string             `json:"target_user,omitempty" gorm:"type:varchar(255)"`
	TenantID   *int64             `json:"tenant_id,omitempty"`
	Priority   string             `json:"priority"              gorm:"type:varchar(16);not null;default:'normal'"`
	RoomID     string             `json:"room_id,omitempty"     gorm:"type:varchar(255)"`
	EventID    string             `json:"event_id,omitempty"    gorm:"type:varchar(255)"`
	Status     NotificationStatus `json:"status"                gorm:"type:varchar(16);not null;index;check:status IN ('pending','sent','failed')"`
	Error      string             `json:"error,omitempty"       gorm:"type:text"`
	CreatedAt  time.Time          `json:"created_at"            gorm:"index"`
}

// TableName returns the database table name for NotificationLog.
func (NotificationLog) TableName() string { return "notification_logs" }
