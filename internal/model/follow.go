package model

import (
	"time"
)

// Follow 关注关系（Account 关注 TargetAccount）
type Follow struct {
	ID              int64 `gorm:"primaryKey"`
	AccountID       int64 `gorm:"not null;uniqueIndex:idx_follows_pair"`
	TargetAccountID int64 `gorm:"not null;uniqueIndex:idx_follows_pair;index"`
	// false 时不在首页展示此人的转发
	ShowReblogs bool `gorm:"not null"`
	// true 时此人发帖推送 status 通知
	Notify bool `gorm:"not null"`
	// 语言白名单；nil 表示全部
	Languages []string `gorm:"serializer:json;type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Follow) TableName() string { return "follows" }

// AcceptsLanguage 语言白名单检查；状态无语言时总是通过
func (f *Follow) AcceptsLanguage(lang string) bool {
	if len(f.Languages) == 0 || lang == "" {
		return true
	}
	for _, l := range f.Languages {
		if l == lang {
			return true
		}
	}
	return false
}
