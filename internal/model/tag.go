package model

import (
	"strings"
	"time"
)

// Tag 话题标签，Name 统一小写
type Tag struct {
	ID        int64  `gorm:"primaryKey"`
	Name      string `gorm:"type:varchar(255);not null;uniqueIndex"`
	CreatedAt time.Time
}

func (Tag) TableName() string { return "tags" }

// NormalizeTag 去掉 # 前缀并转小写
func NormalizeTag(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "#"))
}

// TagFollow 关注话题
type TagFollow struct {
	ID        int64 `gorm:"primaryKey"`
	AccountID int64 `gorm:"not null;uniqueIndex:idx_tag_follows_pair"`
	TagID     int64 `gorm:"not null;uniqueIndex:idx_tag_follows_pair;index"`
	CreatedAt time.Time
}

func (TagFollow) TableName() string { return "tag_follows" }
