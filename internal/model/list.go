package model

import "time"

// RepliesPolicy 列表的回复展示策略
type RepliesPolicy string

const (
	RepliesPolicyFollowed RepliesPolicy = "followed"
	RepliesPolicyList     RepliesPolicy = "list"
	RepliesPolicyNone     RepliesPolicy = "none"
)

// List 用户自建列表；Exclusive 列表成员的帖子不再进入首页
type List struct {
	ID            int64         `gorm:"primaryKey"`
	AccountID     int64         `gorm:"not null;index"`
	Title         string        `gorm:"type:varchar(255);not null"`
	RepliesPolicy RepliesPolicy `gorm:"type:varchar(16);not null"`
	Exclusive     bool          `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (List) TableName() string { return "lists" }

// ListAccount 列表成员
type ListAccount struct {
	ID        int64 `gorm:"primaryKey"`
	ListID    int64 `gorm:"not null;uniqueIndex:idx_list_accounts_pair"`
	AccountID int64 `gorm:"not null;uniqueIndex:idx_list_accounts_pair;index"`
	CreatedAt time.Time
}

func (ListAccount) TableName() string { return "list_accounts" }
