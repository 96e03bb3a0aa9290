package model

import (
	"time"

	"gorm.io/gorm"
)

// Visibility 状态可见性
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
	VisibilityLimited  Visibility = "limited"
)

// Valid 是否为已知可见性
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityUnlisted, VisibilityPrivate, VisibilityDirect, VisibilityLimited:
		return true
	}
	return false
}

// Addressed direct/limited 只投递给被寻址的账户
func (v Visibility) Addressed() bool {
	return v == VisibilityDirect || v == VisibilityLimited
}

// Status 帖子；ID 为时间有序的 snowflake，作为所有时间线的排序键
type Status struct {
	ID                 int64          `gorm:"primaryKey;autoIncrement:false"`
	AccountID          int64          `gorm:"not null;index:idx_statuses_account_id_id,priority:1"`
	ReblogOfID         *int64         `gorm:"index"`
	InReplyToID        *int64         `gorm:"index"`
	InReplyToAccountID *int64
	ConversationID     *int64         `gorm:"index"`
	Visibility         Visibility     `gorm:"type:varchar(16);not null"`
	Language           string         `gorm:"type:varchar(16)"`
	Text               string         `gorm:"type:text"`
	SpoilerText        string         `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          gorm.DeletedAt `gorm:"index"`

	Account  *Account  `gorm:"foreignKey:AccountID"`
	ReblogOf *Status   `gorm:"foreignKey:ReblogOfID"`
	Mentions []Mention `gorm:"foreignKey:StatusID"`
	Tags     []Tag     `gorm:"many2many:status_tags"`
}

func (Status) TableName() string { return "statuses" }

// IsReblog 是否为转发
func (s *Status) IsReblog() bool { return s.ReblogOfID != nil }

// IsReply 是否为回复
func (s *Status) IsReply() bool { return s.InReplyToID != nil }

// Target 转发返回原帖，否则返回自身
func (s *Status) Target() *Status {
	if s.ReblogOf != nil {
		return s.ReblogOf
	}
	return s
}

// MentionedAccountIDs 被提及账户
func (s *Status) MentionedAccountIDs() []int64 {
	ids := make([]int64, 0, len(s.Mentions))
	for _, m := range s.Mentions {
		ids = append(ids, m.AccountID)
	}
	return ids
}

// MentionsAccount 判断是否提及 accountID
func (s *Status) MentionsAccount(accountID int64) bool {
	for _, m := range s.Mentions {
		if m.AccountID == accountID {
			return true
		}
	}
	return false
}

// TagNames 小写标签名
func (s *Status) TagNames() []string {
	out := make([]string, 0, len(s.Tags))
	for _, t := range s.Tags {
		out = append(out, t.Name)
	}
	return out
}

// Mention 状态提及的账户
type Mention struct {
	ID        int64 `gorm:"primaryKey"`
	StatusID  int64 `gorm:"not null;uniqueIndex:idx_mentions_status_account"`
	AccountID int64 `gorm:"not null;uniqueIndex:idx_mentions_status_account;index"`
	Silent    bool  `gorm:"not null"`
	CreatedAt time.Time
}

func (Mention) TableName() string { return "mentions" }
