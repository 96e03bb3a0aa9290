package model

import "time"

// Mute 静音；ExpiresAt 为空表示永久
type Mute struct {
	ID                int64      `gorm:"primaryKey"`
	AccountID         int64      `gorm:"not null;uniqueIndex:idx_mutes_pair"`
	TargetAccountID   int64      `gorm:"not null;uniqueIndex:idx_mutes_pair;index"`
	HideNotifications bool       `gorm:"not null"`
	ExpiresAt         *time.Time `gorm:"index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Mute) TableName() string { return "mutes" }

// ActiveAt 在 now 时刻是否仍生效
func (m *Mute) ActiveAt(now time.Time) bool {
	return m.ExpiresAt == nil || m.ExpiresAt.After(now)
}

// Block 屏蔽
type Block struct {
	ID              int64 `gorm:"primaryKey"`
	AccountID       int64 `gorm:"not null;uniqueIndex:idx_blocks_pair"`
	TargetAccountID int64 `gorm:"not null;uniqueIndex:idx_blocks_pair;index"`
	CreatedAt       time.Time
}

func (Block) TableName() string { return "blocks" }

// DomainBlock 用户级域名屏蔽
type DomainBlock struct {
	ID        int64  `gorm:"primaryKey"`
	AccountID int64  `gorm:"not null;uniqueIndex:idx_domain_blocks_pair"`
	Domain    string `gorm:"type:varchar(255);not null;uniqueIndex:idx_domain_blocks_pair"`
	CreatedAt time.Time
}

func (DomainBlock) TableName() string { return "account_domain_blocks" }

// ConversationMute 会话静音
type ConversationMute struct {
	ID             int64 `gorm:"primaryKey"`
	AccountID      int64 `gorm:"not null;uniqueIndex:idx_conversation_mutes_pair"`
	ConversationID int64 `gorm:"not null;uniqueIndex:idx_conversation_mutes_pair"`
	CreatedAt      time.Time
}

func (ConversationMute) TableName() string { return "conversation_mutes" }
