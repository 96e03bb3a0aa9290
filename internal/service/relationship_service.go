package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/repository"
)

var (
	ErrFollowSelf = errors.New("cannot follow self")
	// ErrForbidden 操作者无权执行
	ErrForbidden = errors.New("forbidden")
	// ErrUnprocessable 请求参数合法但无法执行
	ErrUnprocessable = errors.New("unprocessable")
)

// FollowOptions 关注偏好
type FollowOptions struct {
	ShowReblogs bool
	Notify      bool
	Languages   []string
}

// RelationshipService 关系链服务：写入关系并投递对应事件
type RelationshipService interface {
	Follow(ctx context.Context, accountID, targetID int64, opts FollowOptions) error
	Unfollow(ctx context.Context, accountID, targetID int64) error
	Mute(ctx context.Context, accountID, targetID int64, hideNotifications bool, duration time.Duration) error
	Unmute(ctx context.Context, accountID, targetID int64) error
	Block(ctx context.Context, accountID, targetID int64) error
	Unblock(ctx context.Context, accountID, targetID int64) error
	BlockDomain(ctx context.Context, accountID int64, domain string) error
	UnblockDomain(ctx context.Context, accountID int64, domain string) error
	AddToList(ctx context.Context, accountID, listID, targetID int64) error
	RemoveFromList(ctx context.Context, accountID, listID, targetID int64) error
	FollowTag(ctx context.Context, accountID int64, tag string) error
	UnfollowTag(ctx context.Context, accountID int64, tag string) error
	Suspend(ctx context.Context, accountID int64) error
	Unsuspend(ctx context.Context, accountID int64) error
	ListFollowing(ctx context.Context, accountID int64, page, pageSize int) ([]int64, error)
}

type relationshipService struct {
	db     *gorm.DB
	events EventPublisher
	now    func() time.Time
}

func NewRelationshipService(db *gorm.DB, events EventPublisher) RelationshipService {
	return &relationshipService{db: db, events: events, now: time.Now}
}

func single(t event.Type, payload any) ([]*event.Event, error) {
	e, err := event.New(t, payload)
	if err != nil {
		return nil, err
	}
	return []*event.Event{e}, nil
}

func (s *relationshipService) pair(ctx context.Context, tx *gorm.DB, accountID, targetID int64) (*model.Account, error) {
	if accountID == targetID {
		return nil, fmt.Errorf("account %d targets itself: %w", accountID, ErrForbidden)
	}
	accounts := repository.NewAccountRepository(tx)
	if _, err := accounts.GetByID(ctx, accountID); err != nil {
		return nil, err
	}
	return accounts.GetByID(ctx, targetID)
}

func (s *relationshipService) Follow(ctx context.Context, accountID, targetID int64, opts FollowOptions) error {
	if accountID == targetID {
		return ErrFollowSelf
	}
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		target, err := s.pair(ctx, tx, accountID, targetID)
		if err != nil {
			return nil, err
		}
		if target.Suspended {
			return nil, fmt.Errorf("account %d suspended: %w", targetID, ErrForbidden)
		}
		rel := repository.NewRelationshipRepository(tx)
		blocking, err := rel.BlockingAmong(ctx, accountID, []int64{targetID})
		if err != nil {
			return nil, err
		}
		blockedBy, err := rel.BlockedByAmong(ctx, accountID, []int64{targetID})
		if err != nil {
			return nil, err
		}
		if len(blocking)+len(blockedBy) > 0 {
			return nil, fmt.Errorf("follow %d -> %d: %w", accountID, targetID, ErrForbidden)
		}
		f := &model.Follow{
			AccountID:       accountID,
			TargetAccountID: targetID,
			ShowReblogs:     opts.ShowReblogs,
			Notify:          opts.Notify,
			Languages:       opts.Languages,
		}
		if err := repository.NewFollowRepository(tx).Create(ctx, f); err != nil {
			return nil, err
		}
		return single(event.FollowCreated, event.FollowPayload{
			AccountID:       accountID,
			TargetAccountID: targetID,
			ShowReblogs:     opts.ShowReblogs,
			Notify:          opts.Notify,
			Languages:       opts.Languages,
		})
	})
}

func (s *relationshipService) Unfollow(ctx context.Context, accountID, targetID int64) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		if err := repository.NewFollowRepository(tx).Delete(ctx, accountID, targetID); err != nil {
			return nil, err
		}
		return single(event.FollowDestroyed, event.RelationshipPayload{AccountID: accountID, TargetAccountID: targetID})
	})
}

// Mute duration 为 0 表示永久
func (s *relationshipService) Mute(ctx context.Context, accountID, targetID int64, hideNotifications bool, duration time.Duration) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		if _, err := s.pair(ctx, tx, accountID, targetID); err != nil {
			return nil, err
		}
		m := &model.Mute{AccountID: accountID, TargetAccountID: targetID, HideNotifications: hideNotifications}
		if duration > 0 {
			at := s.now().Add(duration)
			m.ExpiresAt = &at
		}
		if err := repository.NewRelationshipRepository(tx).Mute(ctx, m); err != nil {
			return nil, err
		}
		return single(event.MuteCreated, event.RelationshipPayload{AccountID: accountID, TargetAccountID: targetID})
	})
}

func (s *relationshipService) Unmute(ctx context.Context, accountID, targetID int64) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		if err := repository.NewRelationshipRepository(tx).Unmute(ctx, accountID, targetID); err != nil {
			return nil, err
		}
		return single(event.MuteDestroyed, event.RelationshipPayload{AccountID: accountID, TargetAccountID: targetID})
	})
}

// Block 屏蔽同时解除双向关注，每条被解除的关注都投递 follow.destroyed
func (s *relationshipService) Block(ctx context.Context, accountID, targetID int64) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		if _, err := s.pair(ctx, tx, accountID, targetID); err != nil {
			return nil, err
		}
		if err := repository.NewRelationshipRepository(tx).Block(ctx, accountID, targetID); err != nil {
			return nil, err
		}
		out, err := single(event.BlockCreated, event.RelationshipPayload{AccountID: accountID, TargetAccountID: targetID})
		if err != nil {
			return nil, err
		}
		follows := repository.NewFollowRepository(tx)
		for _, p := range [][2]int64{{accountID, targetID}, {targetID, accountID}} {
			ok, err := follows.Exists(ctx, p[0], p[1])
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if err := follows.Delete(ctx, p[0], p[1]); err != nil {
				return nil, err
			}
			e, err := event.New(event.FollowDestroyed, event.RelationshipPayload{AccountID: p[0], TargetAccountID: p[1]})
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	})
}

func (s *relationshipService) Unblock(ctx context.Context, accountID, targetID int64) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		if err := repository.NewRelationshipRepository(tx).Unblock(ctx, accountID, targetID); err != nil {
			return nil, err
		}
		return single(event.BlockDestroyed, event.RelationshipPayload{AccountID: accountID, TargetAccountID: targetID})
	})
}

func (s *relationshipService) BlockDomain(ctx context.Context, accountID int64, domain string) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		out, err := single(event.DomainBlockCreated, event.DomainBlockPayload{AccountID: accountID, Domain: domain})
		if err != nil {
			return nil, err
		}
		if err := repository.NewRelationshipRepository(tx).BlockDomain(ctx, accountID, domain); err != nil {
			return nil, err
		}
		return out, nil
	})
}

func (s *relationshipService) UnblockDomain(ctx context.Context, accountID int64, domain string) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		out, err := single(event.DomainBlockDestroyed, event.DomainBlockPayload{AccountID: accountID, Domain: domain})
		if err != nil {
			return nil, err
		}
		if err := repository.NewRelationshipRepository(tx).UnblockDomain(ctx, accountID, domain); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// ownList 列表须属于 accountID，否则视为不存在
func ownList(ctx context.Context, tx *gorm.DB, accountID, listID int64) (*model.List, error) {
	l, err := repository.NewListRepository(tx).Get(ctx, listID)
	if err != nil {
		return nil, err
	}
	if l.AccountID != accountID {
		return nil, fmt.Errorf("list %d: %w", listID, model.ErrNotFound)
	}
	return l, nil
}

// AddToList 只能加入已关注的账户
func (s *relationshipService) AddToList(ctx context.Context, accountID, listID, targetID int64) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		l, err := ownList(ctx, tx, accountID, listID)
		if err != nil {
			return nil, err
		}
		following, err := repository.NewFollowRepository(tx).Exists(ctx, accountID, targetID)
		if err != nil {
			return nil, err
		}
		if !following {
			return nil, fmt.Errorf("list %d: account %d is not followed: %w", listID, targetID, ErrForbidden)
		}
		if err := repository.NewListRepository(tx).AddAccount(ctx, l.ID, targetID); err != nil {
			return nil, err
		}
		return single(event.ListMembershipCreated, event.ListMembershipPayload{ListID: l.ID, AccountID: targetID})
	})
}

func (s *relationshipService) RemoveFromList(ctx context.Context, accountID, listID, targetID int64) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		l, err := ownList(ctx, tx, accountID, listID)
		if err != nil {
			return nil, err
		}
		if err := repository.NewListRepository(tx).RemoveAccount(ctx, l.ID, targetID); err != nil {
			return nil, err
		}
		return single(event.ListMembershipDestroyed, event.ListMembershipPayload{ListID: l.ID, AccountID: targetID})
	})
}

func (s *relationshipService) FollowTag(ctx context.Context, accountID int64, tag string) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		tags := repository.NewTagRepository(tx)
		found, err := tags.FindOrCreate(ctx, []string{tag})
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("%w: empty tag", event.ErrInvalid)
		}
		if err := tags.Follow(ctx, accountID, found[0].ID); err != nil {
			return nil, err
		}
		return single(event.TagFollowCreated, event.TagFollowPayload{AccountID: accountID, Tag: found[0].Name})
	})
}

func (s *relationshipService) UnfollowTag(ctx context.Context, accountID int64, tag string) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		tags := repository.NewTagRepository(tx)
		t, err := tags.GetByName(ctx, tag)
		if err != nil {
			return nil, err
		}
		if err := tags.Unfollow(ctx, accountID, t.ID); err != nil {
			return nil, err
		}
		return single(event.TagFollowDestroyed, event.TagFollowPayload{AccountID: accountID, Tag: t.Name})
	})
}

func (s *relationshipService) setSuspended(ctx context.Context, accountID int64, suspended bool, t event.Type) error {
	return commit(ctx, s.db, s.events, func(tx *gorm.DB) ([]*event.Event, error) {
		accounts := repository.NewAccountRepository(tx)
		a, err := accounts.GetByID(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if a.Suspended == suspended {
			return nil, nil
		}
		if err := accounts.SetSuspended(ctx, accountID, suspended); err != nil {
			return nil, err
		}
		return single(t, event.AccountPayload{AccountID: accountID})
	})
}

// Suspend 封禁账户，其时间线与其在他人时间线中的条目由扇出清除
func (s *relationshipService) Suspend(ctx context.Context, accountID int64) error {
	return s.setSuspended(ctx, accountID, true, event.AccountSuspended)
}

func (s *relationshipService) Unsuspend(ctx context.Context, accountID int64) error {
	return s.setSuspended(ctx, accountID, false, event.AccountUnsuspended)
}

func (s *relationshipService) ListFollowing(ctx context.Context, accountID int64, page, pageSize int) ([]int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	offset := (page - 1) * pageSize
	items, err := repository.NewFollowRepository(s.db).ListFollowings(ctx, accountID, offset, pageSize)
	if err != nil {
		return nil, err
	}
	res := make([]int64, len(items))
	for i, it := range items {
		res[i] = it.TargetAccountID
	}
	return res, nil
}
