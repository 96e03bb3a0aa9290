package service

import (
	"context"
	"errors"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"

	"github.com/d60-Lab/timeline-fanout/internal/feed"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/timeline"
)

// accountKeys 账户拥有的时间线：首页、列表、关注话题，以及可选的私信
func (s *FanoutService) accountKeys(ctx context.Context, accountID int64, withDirect bool) ([]model.TimelineKey, error) {
	keys := []model.TimelineKey{model.HomeTimeline(accountID)}
	lists, err := s.lists.OwnedBy(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, l := range lists {
		keys = append(keys, model.ListTimeline(accountID, l.ID))
	}
	tags, err := s.tags.FollowedTags(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, t := range tags {
		keys = append(keys, model.TagTimeline(accountID, t.Name))
	}
	if withDirect {
		keys = append(keys, model.DirectTimeline(accountID))
	}
	return keys, nil
}

// sweep 撤回 key 中所有匹配的条目。recheck 为 true 时仍然合格的条目保留。
func (s *FanoutService) sweep(ctx context.Context, key model.TimelineKey, match func(*model.Status) bool, recheck bool) (int, error) {
	ids, err := s.store.Entries(ctx, key)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	byID, err := s.statuses.GetByIDs(ctx, ids)
	if err != nil {
		return 0, err
	}
	var hits []*model.Status
	for _, id := range ids {
		if st := byID[id]; st != nil && match(st) {
			hits = append(hits, st)
		}
	}
	if len(hits) == 0 {
		return 0, nil
	}

	var snap *feed.Snapshot
	if recheck {
		acct, err := s.accounts.GetByID(ctx, key.AccountID)
		if err != nil {
			return 0, err
		}
		if snap, err = s.snapshotFor(ctx, key, acct, hits...); err != nil {
			return 0, err
		}
	}

	removed := 0
	for _, st := range hits {
		if snap != nil && s.filter.Eligible(key.Kind, st, snap, key.Tag).Eligible {
			continue
		}
		if err := s.retract(ctx, key, timeline.EntryFor(st)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// involves 作者、被转发作者或提及中包含 targets 之一
func involves(st *model.Status, targets map[int64]bool) bool {
	for _, x := range lo.Uniq([]*model.Status{st, st.Target()}) {
		if targets[x.AccountID] {
			return true
		}
		for _, id := range x.MentionedAccountIDs() {
			if targets[id] {
				return true
			}
		}
	}
	return false
}

func (s *FanoutService) clearFrom(ctx context.Context, accountID int64, match func(*model.Status) bool) error {
	keys, err := s.accountKeys(ctx, accountID, false)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := s.sweep(ctx, key, match, false); err != nil {
			return err
		}
	}
	return nil
}

// ClearFromHome 静音/屏蔽后移除 target 发布、转发或提及 target 的条目
func (s *FanoutService) ClearFromHome(ctx context.Context, accountID, targetID int64) (err error) {
	ctx, span := startSpan(ctx, "clear_from_home",
		attribute.Int64("account.id", accountID), attribute.Int64("target.id", targetID))
	defer func() { endSpan(span, err) }()

	targets := map[int64]bool{targetID: true}
	return s.clearFrom(ctx, accountID, func(st *model.Status) bool { return involves(st, targets) })
}

// ClearDomainFromHome 屏蔽域名后移除该域账户相关的条目
func (s *FanoutService) ClearDomainFromHome(ctx context.Context, accountID int64, domain string) (err error) {
	ctx, span := startSpan(ctx, "clear_domain_from_home",
		attribute.Int64("account.id", accountID), attribute.String("domain", domain))
	defer func() { endSpan(span, err) }()

	ids, err := s.accounts.IDsByDomain(ctx, domain)
	if err != nil {
		return err
	}
	targets := make(map[int64]bool, len(ids))
	for _, id := range ids {
		targets[id] = true
	}
	return s.clearFrom(ctx, accountID, func(st *model.Status) bool {
		for _, x := range []*model.Status{st, st.Target()} {
			if x.Account != nil && x.Account.Domain == domain {
				return true
			}
		}
		return involves(st, targets)
	})
}

// UnmergeFromHome 取关后移除 target 的状态，仍可经其他关系（如关注话题）合格的保留
func (s *FanoutService) UnmergeFromHome(ctx context.Context, accountID, targetID int64) (err error) {
	ctx, span := startSpan(ctx, "unmerge_from_home",
		attribute.Int64("account.id", accountID), attribute.Int64("target.id", targetID))
	defer func() { endSpan(span, err) }()

	_, err = s.sweep(ctx, model.HomeTimeline(accountID), func(st *model.Status) bool {
		return st.AccountID == targetID
	}, true)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

// UnmergeFromList 成员移出列表后清理其状态
func (s *FanoutService) UnmergeFromList(ctx context.Context, listID, targetID int64) (err error) {
	ctx, span := startSpan(ctx, "unmerge_from_list",
		attribute.Int64("list.id", listID), attribute.Int64("target.id", targetID))
	defer func() { endSpan(span, err) }()

	list, err := s.lists.Get(ctx, listID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.sweep(ctx, model.ListTimeline(list.AccountID, list.ID), func(st *model.Status) bool {
		return st.AccountID == targetID
	}, true)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

// UnmergeTagFromHome 取消关注话题：清空该话题时间线，并移除首页中仅因该话题进入的条目
func (s *FanoutService) UnmergeTagFromHome(ctx context.Context, accountID int64, tag string) (err error) {
	ctx, span := startSpan(ctx, "unmerge_tag_from_home",
		attribute.Int64("account.id", accountID), attribute.String("tag", tag))
	defer func() { endSpan(span, err) }()

	tag = model.NormalizeTag(tag)
	if err := s.store.Clear(ctx, model.TagTimeline(accountID, tag)); err != nil {
		return err
	}
	_, err = s.sweep(ctx, model.HomeTimeline(accountID), func(st *model.Status) bool {
		return lo.Contains(st.Target().TagNames(), tag)
	}, true)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

// RemoveAccountFromTimelines 封禁：清空账户自己的时间线，并从本地粉丝的时间线中清除其条目
func (s *FanoutService) RemoveAccountFromTimelines(ctx context.Context, accountID int64) (err error) {
	ctx, span := startSpan(ctx, "remove_account", attribute.Int64("account.id", accountID))
	defer func() { endSpan(span, err) }()

	keys, err := s.accountKeys(ctx, accountID, true)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.store.Clear(ctx, key); err != nil {
			return err
		}
	}

	followers, err := s.followers.IDs(ctx, accountID)
	if err != nil {
		return err
	}
	wp := pool.New().WithMaxGoroutines(s.cfg.Concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, id := range followers {
		wp.Go(func(ctx context.Context) error { return s.ClearFromHome(ctx, id, accountID) })
	}
	if err := wp.Wait(); err != nil {
		return err
	}
	return s.invalidateIndexes(ctx, accountID)
}

// invalidateIndexes 账户状态变化影响它自己及其关注对象的粉丝索引
func (s *FanoutService) invalidateIndexes(ctx context.Context, accountID int64) error {
	following, err := s.follows.FollowingIDs(ctx, accountID)
	if err != nil {
		return err
	}
	for _, id := range append(following, accountID) {
		if err := s.followers.Invalidate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
