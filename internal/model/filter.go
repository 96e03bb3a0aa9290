package model

import "time"

// FilterContext 关键词过滤生效的上下文
type FilterContext string

const (
	FilterContextHome          FilterContext = "home"
	FilterContextNotifications FilterContext = "notifications"
	FilterContextPublic        FilterContext = "public"
	FilterContextThread        FilterContext = "thread"
)

// FilterAction warn 只在渲染层提示；hide 在扇出时直接剔除
type FilterAction string

const (
	FilterActionWarn FilterAction = "warn"
	FilterActionHide FilterAction = "hide"
)

// CustomFilter 用户关键词过滤
type CustomFilter struct {
	ID        int64         `gorm:"primaryKey"`
	AccountID int64         `gorm:"not null;index"`
	Title     string        `gorm:"type:varchar(255)"`
	Keywords  []string      `gorm:"serializer:json;type:text"`
	WholeWord bool          `gorm:"not null"`
	Contexts  []string      `gorm:"serializer:json;type:text"`
	Action    FilterAction  `gorm:"type:varchar(8);not null"`
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (CustomFilter) TableName() string { return "custom_filters" }

// ActiveAt 在 now 时刻是否仍生效
func (f *CustomFilter) ActiveAt(now time.Time) bool {
	return f.ExpiresAt == nil || f.ExpiresAt.After(now)
}

// AppliesTo 是否作用于 ctx
func (f *CustomFilter) AppliesTo(ctx FilterContext) bool {
	for _, c := range f.Contexts {
		if FilterContext(c) == ctx {
			return true
		}
	}
	return false
}
