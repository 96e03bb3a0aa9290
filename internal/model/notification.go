package model

import "time"

// NotificationType 通知类型
type NotificationType string

const (
	NotificationMention       NotificationType = "mention"
	NotificationStatus        NotificationType = "status"
	NotificationReblog        NotificationType = "reblog"
	NotificationFollow        NotificationType = "follow"
	NotificationFollowRequest NotificationType = "follow_request"
	NotificationFavourite     NotificationType = "favourite"
	NotificationPoll          NotificationType = "poll"
	NotificationUpdate        NotificationType = "update"
)

// Unfilterable poll/update 从不进入过滤箱
func (t NotificationType) Unfilterable() bool {
	return t == NotificationPoll || t == NotificationUpdate
}

// Notification 通知；(account, type, activity_type, activity_id) 唯一，重复投递幂等
type Notification struct {
	ID            int64            `gorm:"primaryKey"`
	AccountID     int64            `gorm:"not null;uniqueIndex:idx_notifications_activity,priority:1;index:idx_notifications_account_id"`
	FromAccountID int64            `gorm:"not null;index"`
	Type          NotificationType `gorm:"type:varchar(32);not null;uniqueIndex:idx_notifications_activity,priority:2"`
	ActivityType  string           `gorm:"type:varchar(32);not null;uniqueIndex:idx_notifications_activity,priority:3"`
	ActivityID    int64            `gorm:"not null;uniqueIndex:idx_notifications_activity,priority:4"`
	StatusID      *int64
	Filtered      bool `gorm:"not null;index"`
	CreatedAt     time.Time
}

func (Notification) TableName() string { return "notifications" }

// PolicyAction 通知策略动作
type PolicyAction string

const (
	PolicyAccept PolicyAction = "accept"
	PolicyFilter PolicyAction = "filter"
	PolicyDrop   PolicyAction = "drop"
)

// NotificationPolicy 用户通知策略
type NotificationPolicy struct {
	ID                 int64        `gorm:"primaryKey"`
	AccountID          int64        `gorm:"not null;uniqueIndex"`
	ForNotFollowing    PolicyAction `gorm:"type:varchar(8);not null"`
	ForNotFollowers    PolicyAction `gorm:"type:varchar(8);not null"`
	ForNewAccounts     PolicyAction `gorm:"type:varchar(8);not null"`
	ForPrivateMentions PolicyAction `gorm:"type:varchar(8);not null"`
	ForLimitedAccounts PolicyAction `gorm:"type:varchar(8);not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (NotificationPolicy) TableName() string { return "notification_policies" }

// DefaultNotificationPolicy 默认只过滤受限账户
func DefaultNotificationPolicy(accountID int64) *NotificationPolicy {
	return &NotificationPolicy{
		AccountID:          accountID,
		ForNotFollowing:    PolicyAccept,
		ForNotFollowers:    PolicyAccept,
		ForNewAccounts:     PolicyAccept,
		ForPrivateMentions: PolicyAccept,
		ForLimitedAccounts: PolicyFilter,
	}
}

// NotificationPermission 允许 FromAccount 的通知绕过过滤
type NotificationPermission struct {
	ID            int64 `gorm:"primaryKey"`
	AccountID     int64 `gorm:"not null;uniqueIndex:idx_notification_permissions_pair"`
	FromAccountID int64 `gorm:"not null;uniqueIndex:idx_notification_permissions_pair"`
	CreatedAt     time.Time
}

func (NotificationPermission) TableName() string { return "notification_permissions" }

// NotificationRequest 被过滤通知按发送者聚合的请求
type NotificationRequest struct {
	ID                 int64  `gorm:"primaryKey"`
	AccountID          int64  `gorm:"not null;uniqueIndex:idx_notification_requests_pair"`
	FromAccountID      int64  `gorm:"not null;uniqueIndex:idx_notification_requests_pair"`
	LastStatusID       *int64
	NotificationsCount int64 `gorm:"not null"`
	Dismissed          bool  `gorm:"not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (NotificationRequest) TableName() string { return "notification_requests" }
