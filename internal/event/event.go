// Package event 定义扇出引擎消费的领域事件
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

// Type 事件类型
type Type string

const (
	StatusCreated           Type = "status.created"
	StatusDeleted           Type = "status.deleted"
	StatusVisibilityChanged Type = "status.visibility_changed"
	FollowCreated           Type = "follow.created"
	FollowDestroyed         Type = "follow.destroyed"
	MuteCreated             Type = "mute.created"
	MuteDestroyed           Type = "mute.destroyed"
	BlockCreated            Type = "block.created"
	BlockDestroyed          Type = "block.destroyed"
	DomainBlockCreated      Type = "domain_block.created"
	DomainBlockDestroyed    Type = "domain_block.destroyed"
	ListMembershipCreated   Type = "list_membership.created"
	ListMembershipDestroyed Type = "list_membership.destroyed"
	TagFollowCreated        Type = "tag_follow.created"
	TagFollowDestroyed      Type = "tag_follow.destroyed"
	AccountSuspended        Type = "account.suspended"
	AccountUnsuspended      Type = "account.unsuspended"
	FavouriteCreated        Type = "favourite.created"
	TimelineRegenerate      Type = "timeline.regenerate"
)

var known = map[Type]bool{
	StatusCreated: true, StatusDeleted: true, StatusVisibilityChanged: true,
	FollowCreated: true, FollowDestroyed: true,
	MuteCreated: true, MuteDestroyed: true,
	BlockCreated: true, BlockDestroyed: true,
	DomainBlockCreated: true, DomainBlockDestroyed: true,
	ListMembershipCreated: true, ListMembershipDestroyed: true,
	TagFollowCreated: true, TagFollowDestroyed: true,
	AccountSuspended: true, AccountUnsuspended: true,
	FavouriteCreated: true, TimelineRegenerate: true,
}

// Known 是否为已注册的事件类型
func (t Type) Known() bool { return known[t] }

// ErrInvalid 事件格式错误，重试无意义
var ErrInvalid = errors.New("invalid event")

// Event 队列中传递的信封
type Event struct {
	ID         string          `json:"id" validate:"required,uuid"`
	Type       Type            `json:"type" validate:"required"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload" validate:"required"`
}

var validate = validator.New()

// New 校验 payload 并封装为事件
func New(t Type, payload any) (*Event, error) {
	if !t.Known() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, t)
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, t, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{ID: uuid.NewString(), Type: t, OccurredAt: time.Now().UTC(), Payload: raw}, nil
}

// Decode 解析并校验 payload
func (e *Event) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, e.Type, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, e.Type, err)
	}
	return nil
}

// Marshal 序列化整个信封
func (e *Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// Unmarshal 解析信封并校验
func Unmarshal(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validate.Struct(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !e.Type.Known() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, e.Type)
	}
	return &e, nil
}

// StatusCreatedPayload Recipients 为显式收件人（direct/limited）
type StatusCreatedPayload struct {
	StatusID   int64   `json:"status_id" validate:"required"`
	Recipients []int64 `json:"recipients,omitempty"`
}

// StatusDeletedPayload Status 为删除前的快照，硬删除时用于定位候选时间线
type StatusDeletedPayload struct {
	StatusID int64         `json:"status_id" validate:"required"`
	Status   *model.Status `json:"status,omitempty" validate:"-"`
}

type StatusPayload struct {
	StatusID int64 `json:"status_id" validate:"required"`
}

type FollowPayload struct {
	AccountID       int64    `json:"account_id" validate:"required"`
	TargetAccountID int64    `json:"target_account_id" validate:"required,nefield=AccountID"`
	ShowReblogs     bool     `json:"reblogs"`
	Notify          bool     `json:"notify"`
	Languages       []string `json:"languages,omitempty"`
}

// RelationshipPayload 用于 follow.destroyed / mute.* / block.*
type RelationshipPayload struct {
	AccountID       int64 `json:"account_id" validate:"required"`
	TargetAccountID int64 `json:"target_account_id" validate:"required,nefield=AccountID"`
}

type DomainBlockPayload struct {
	AccountID int64  `json:"account_id" validate:"required"`
	Domain    string `json:"domain" validate:"required,hostname_rfc1123"`
}

type ListMembershipPayload struct {
	ListID    int64 `json:"list_id" validate:"required"`
	AccountID int64 `json:"account_id" validate:"required"`
}

type TagFollowPayload struct {
	AccountID int64  `json:"account_id" validate:"required"`
	Tag       string `json:"tag" validate:"required,max=255"`
}

type AccountPayload struct {
	AccountID int64 `json:"account_id" validate:"required"`
}

type FavouritePayload struct {
	AccountID   int64 `json:"account_id" validate:"required"`
	StatusID    int64 `json:"status_id" validate:"required"`
	FavouriteID int64 `json:"favourite_id" validate:"required"`
}

// RegeneratePayload Kind 取 home|list|tag|direct
type RegeneratePayload struct {
	AccountID int64  `json:"account_id" validate:"required"`
	Kind      string `json:"kind" validate:"required,oneof=home list tag direct"`
	ListID    int64  `json:"list_id,omitempty" validate:"required_if=Kind list"`
	Tag       string `json:"tag,omitempty" validate:"required_if=Kind tag"`
}

// Key 还原目标时间线
func (p RegeneratePayload) Key() (model.TimelineKey, error) {
	kind, err := model.ParseTimelineKind(p.Kind)
	if err != nil {
		return model.TimelineKey{}, err
	}
	key := model.TimelineKey{Kind: kind, AccountID: p.AccountID, ListID: p.ListID, Tag: model.NormalizeTag(p.Tag)}
	return key, key.Validate()
}
