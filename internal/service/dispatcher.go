package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/queue"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
	"github.com/d60-Lab/timeline-fanout/pkg/tracing"
)

// Dispatcher 把队列事件映射到扇出与通知操作
type Dispatcher struct {
	fanout *FanoutService
	notify *NotifyService
}

func NewDispatcher(fanout *FanoutService, notify *NotifyService) *Dispatcher {
	return &Dispatcher{fanout: fanout, notify: notify}
}

// Handler 适配 queue.Handler
func (d *Dispatcher) Handler() queue.Handler { return d.Handle }

// Handle 处理单个事件。实体缺失视为成功，格式或 key 错误不再重试。
func (d *Dispatcher) Handle(ctx context.Context, e *event.Event) (err error) {
	ctx, span := tracing.Start(ctx, "dispatch."+string(e.Type),
		attribute.String("event.id", e.ID), attribute.String("event.type", string(e.Type)))
	defer func() { endSpan(span, err) }()

	err = d.route(ctx, e)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrNotFound):
		logger.Debug("event target gone", zap.String("event_id", e.ID), zap.String("type", string(e.Type)), zap.Error(err))
		return nil
	case errors.Is(err, model.ErrMalformedTimelineKey), errors.Is(err, event.ErrInvalid):
		return queue.Permanent(err)
	}
	return fmt.Errorf("%s %s: %w", e.Type, e.ID, err)
}

func (d *Dispatcher) route(ctx context.Context, e *event.Event) error {
	switch e.Type {
	case event.StatusCreated:
		var p event.StatusCreatedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if err := d.fanout.FanOutOnCreate(ctx, p.StatusID, p.Recipients); err != nil {
			return err
		}
		return d.notify.NotifyForStatus(ctx, p.StatusID)

	case event.StatusDeleted:
		var p event.StatusDeletedPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return d.fanout.FanOutOnDelete(ctx, p.StatusID, p.Status)

	case event.StatusVisibilityChanged:
		var p event.StatusPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if err := d.fanout.FanOutOnUpdate(ctx, p.StatusID); err != nil {
			return err
		}
		return d.notify.NotifyStatusUpdate(ctx, p.StatusID)

	case event.FollowCreated:
		var p event.FollowPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if err := d.fanout.Followers().Invalidate(ctx, p.TargetAccountID); err != nil {
			return err
		}
		if err := d.fanout.MergeIntoHome(ctx, p.AccountID, p.TargetAccountID); err != nil {
			return err
		}
		if err := d.notify.Unfilter(ctx, p.AccountID, p.TargetAccountID); err != nil {
			return err
		}
		return d.notify.NotifyFollow(ctx, p.AccountID, p.TargetAccountID)

	case event.FollowDestroyed:
		var p event.RelationshipPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if err := d.fanout.Followers().Invalidate(ctx, p.TargetAccountID); err != nil {
			return err
		}
		return d.fanout.UnmergeFromHome(ctx, p.AccountID, p.TargetAccountID)

	case event.MuteCreated:
		var p event.RelationshipPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return d.fanout.ClearFromHome(ctx, p.AccountID, p.TargetAccountID)

	case event.BlockCreated:
		var p event.RelationshipPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		if err := d.fanout.ClearFromHome(ctx, p.AccountID, p.TargetAccountID); err != nil {
			return err
		}
		return d.fanout.ClearFromHome(ctx, p.TargetAccountID, p.AccountID)

	case event.DomainBlockCreated:
		var p event.DomainBlockPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return d.fanout.ClearDomainFromHome(ctx, p.AccountID, p.Domain)

	case event.ListMembershipCreated:
		var p event.ListMembershipPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return d.fanout.MergeIntoList(ctx, p.ListID, p.AccountID)

	case event.ListMembershipDestroyed:
		var p event.ListMembershipPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return d.fanout.UnmergeFromList(ctx, p.ListID, p.AccountID)

	case event.TagFollowCreated:
		var p event.TagFollowPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return d.fanout.MergeTagIntoHome(ctx, p.AccountID, p.Tag)

	case event.TagFollowDestroyed:
		var p event.TagFollowPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return d.fanout.UnmergeTagFromHome(ctx, p.AccountID, p.Tag)

	case event.AccountSuspended:
		var p event.AccountPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return d.fanout.RemoveAccountFromTimelines(ctx, p.AccountID)

	case event.AccountUnsuspended:
		var p event.AccountPayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return d.fanout.RestoreAccount(ctx, p.AccountID)

	case event.FavouriteCreated:
		var p event.FavouritePayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		return d.notify.NotifyFavourite(ctx, p.AccountID, p.StatusID, p.FavouriteID)

	case event.TimelineRegenerate:
		var p event.RegeneratePayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		key, err := p.Key()
		if err != nil {
			return err
		}
		return d.fanout.Regenerate(ctx, key)

	case event.MuteDestroyed, event.BlockDestroyed, event.DomainBlockDestroyed:
		// 解除静音或屏蔽不回填，之后的新状态照常扇出
		return nil
	}
	return fmt.Errorf("%w: unhandled type %q", event.ErrInvalid, e.Type)
}
