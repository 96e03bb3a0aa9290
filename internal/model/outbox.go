package model

import "time"

// Outbox 状态
const (
	OutboxPending    = "pending"
	OutboxProcessing = "processing"
	OutboxDone       = "done"
	OutboxFailed     = "failed"
)

// Outbox 持久化事件队列（outbox 驱动）
type Outbox struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	EventType   string    `gorm:"type:varchar(64);not null;index"`
	Payload     string    `gorm:"type:text;not null"`
	OccurredAt  time.Time
	Status      string    `gorm:"type:varchar(16);not null;index:idx_outbox_claim,priority:1"` // pending, processing, done, failed
	Attempts    int       `gorm:"not null"`
	AvailableAt time.Time `gorm:"index:idx_outbox_claim,priority:2"`
	LastError   string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
	ProcessedAt *time.Time
}

func (Outbox) TableName() string { return "outbox" }
