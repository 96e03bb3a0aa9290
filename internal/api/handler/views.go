package handler

import (
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

// 对外 ID 一律为字符串，避免 JS 精度丢失

type statusView struct {
	ID          string      `json:"id"`
	AccountID   string      `json:"account_id"`
	Visibility  string      `json:"visibility"`
	Language    string      `json:"language,omitempty"`
	Text        string      `json:"text"`
	SpoilerText string      `json:"spoiler_text,omitempty"`
	InReplyToID *string     `json:"in_reply_to_id"`
	Mentions    []string    `json:"mentions"`
	Tags        []string    `json:"tags"`
	Reblog      *statusView `json:"reblog"`
	CreatedAt   time.Time   `json:"created_at"`
}

type notificationView struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	FromAccountID string    `json:"from_account_id"`
	StatusID      *string   `json:"status_id"`
	Filtered      bool      `json:"filtered"`
	CreatedAt     time.Time `json:"created_at"`
}

type requestView struct {
	ID                 string    `json:"id"`
	FromAccountID      string    `json:"from_account_id"`
	LastStatusID       *string   `json:"last_status_id"`
	NotificationsCount int64     `json:"notifications_count"`
	Dismissed          bool      `json:"dismissed"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func idString(id int64) string { return strconv.FormatInt(id, 10) }

func optionalIDString(id *int64) *string {
	if id == nil {
		return nil
	}
	s := idString(*id)
	return &s
}

func toStatusView(st *model.Status) *statusView {
	v := &statusView{
		ID:          idString(st.ID),
		AccountID:   idString(st.AccountID),
		Visibility:  string(st.Visibility),
		Language:    st.Language,
		Text:        st.Text,
		SpoilerText: st.SpoilerText,
		InReplyToID: optionalIDString(st.InReplyToID),
		Mentions:    lo.Map(st.Mentions, func(m model.Mention, _ int) string { return idString(m.AccountID) }),
		Tags:        lo.Map(st.Tags, func(t model.Tag, _ int) string { return t.Name }),
		CreatedAt:   st.CreatedAt,
	}
	if st.ReblogOf != nil {
		v.Reblog = toStatusView(st.ReblogOf)
	}
	return v
}

func toStatusViews(statuses []*model.Status) []*statusView {
	return lo.Map(statuses, func(st *model.Status, _ int) *statusView { return toStatusView(st) })
}

func toNotificationViews(ns []*model.Notification) []notificationView {
	return lo.Map(ns, func(n *model.Notification, _ int) notificationView {
		return notificationView{
			ID:            idString(n.ID),
			Type:          string(n.Type),
			FromAccountID: idString(n.FromAccountID),
			StatusID:      optionalIDString(n.StatusID),
			Filtered:      n.Filtered,
			CreatedAt:     n.CreatedAt,
		}
	})
}

func toRequestViews(rs []*model.NotificationRequest) []requestView {
	return lo.Map(rs, func(r *model.NotificationRequest, _ int) requestView {
		return requestView{
			ID:                 idString(r.ID),
			FromAccountID:      idString(r.FromAccountID),
			LastStatusID:       optionalIDString(r.LastStatusID),
			NotificationsCount: r.NotificationsCount,
			Dismissed:          r.Dismissed,
			UpdatedAt:          r.UpdatedAt,
		}
	})
}
