package model

// All 返回需要迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&Account{},
		&Status{},
		&Mention{},
		&Tag{},
		&Follow{},
		&Mute{},
		&Block{},
		&DomainBlock{},
		&ConversationMute{},
		&List{},
		&ListAccount{},
		&TagFollow{},
		&CustomFilter{},
		&Notification{},
		&NotificationPolicy{},
		&NotificationPermission{},
		&NotificationRequest{},
		&Outbox{},
	}
}
