package model

import "time"

// Account 账户；Domain 为空表示本地账户
type Account struct {
	ID           int64      `gorm:"primaryKey"`
	Username     string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_accounts_username_domain"`
	Domain       string     `gorm:"type:varchar(255);not null;default:'';uniqueIndex:idx_accounts_username_domain;index"`
	Suspended    bool       `gorm:"not null;index"`
	Silenced     bool       `gorm:"not null"`
	Staff        bool       `gorm:"not null"`
	LastActiveAt *time.Time `gorm:"index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Account) TableName() string { return "accounts" }

// Local 是否本地账户
func (a *Account) Local() bool { return a.Domain == "" }

// ActiveSince 最近活跃时间是否不早于 t
func (a *Account) ActiveSince(t time.Time) bool {
	return a.LastActiveAt != nil && !a.LastActiveAt.Before(t)
}
