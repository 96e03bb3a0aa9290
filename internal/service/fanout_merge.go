package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/timeline"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
	"github.com/d60-Lab/timeline-fanout/pkg/metrics"
)

func (s *FanoutService) limiter() *rate.Limiter {
	if s.cfg.MergeRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(s.cfg.MergeRate / 10)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.cfg.MergeRate), burst)
}

// budget 回填的时间与速率预算
type budget struct {
	limiter  *rate.Limiter
	deadline time.Time
	now      func() time.Time
}

func (s *FanoutService) newBudget() *budget {
	b := &budget{limiter: s.limiter(), now: s.now}
	if s.cfg.MergeTimeBudget > 0 {
		b.deadline = s.now().Add(s.cfg.MergeTimeBudget)
	}
	return b
}

// take 预算耗尽返回 false
func (b *budget) take(ctx context.Context) (bool, error) {
	if !b.deadline.IsZero() && b.now().After(b.deadline) {
		return false, nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// floor 时间线已满时只回填比最旧条目更新的状态
func (s *FanoutService) floor(ctx context.Context, key model.TimelineKey) (int64, error) {
	low, full, err := s.store.Floor(ctx, key)
	if err != nil || !full {
		return 0, err
	}
	return low, nil
}

// merge 按给定顺序（新到旧）回填，返回写入条数
func (s *FanoutService) merge(ctx context.Context, key model.TimelineKey, recipient *model.Account, statuses []*model.Status) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	snap, err := s.snapshotFor(ctx, key, recipient, statuses...)
	if err != nil {
		return 0, err
	}
	b := s.newBudget()
	n := 0
	for i, st := range statuses {
		ok, err := b.take(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			logger.Info("merge budget exhausted",
				zap.String("key", key.String()), zap.Int("merged", n), zap.Int("skipped", len(statuses)-i))
			break
		}
		inserted, err := s.deliver(ctx, key, st, snap)
		if err != nil {
			return n, err
		}
		if inserted {
			n++
		}
	}
	return n, nil
}

// mergeTarget 公共部分。尚未建立的首页交给读时重建。
func (s *FanoutService) mergeTarget(ctx context.Context, key model.TimelineKey, recipient *model.Account, load func(afterID int64) ([]*model.Status, error)) error {
	if !receives(recipient) {
		return nil
	}
	if key.Kind == model.TimelineHome {
		exists, err := s.store.Exists(ctx, key)
		if err != nil || !exists {
			return err
		}
	}
	after, err := s.floor(ctx, key)
	if err != nil {
		return err
	}
	statuses, err := load(after)
	if err != nil {
		return err
	}
	_, err = s.merge(ctx, key, recipient, statuses)
	return err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	return err
}

// MergeIntoHome 关注后把 target 的近期状态回填到首页
func (s *FanoutService) MergeIntoHome(ctx context.Context, accountID, targetID int64) (err error) {
	ctx, span := startSpan(ctx, "merge_into_home",
		attribute.Int64("account.id", accountID), attribute.Int64("target.id", targetID))
	defer func() { endSpan(span, err) }()

	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return ignoreNotFound(err)
	}
	target, err := s.accounts.GetByID(ctx, targetID)
	if err != nil {
		return ignoreNotFound(err)
	}
	if target.Suspended {
		return nil
	}
	return s.mergeTarget(ctx, model.HomeTimeline(accountID), acct, func(after int64) ([]*model.Status, error) {
		return s.statuses.RecentByAccounts(ctx, []int64{targetID}, after, s.cfg.MergeLimit)
	})
}

// MergeIntoList 成员加入列表后回填其近期状态
func (s *FanoutService) MergeIntoList(ctx context.Context, listID, targetID int64) (err error) {
	ctx, span := startSpan(ctx, "merge_into_list",
		attribute.Int64("list.id", listID), attribute.Int64("target.id", targetID))
	defer func() { endSpan(span, err) }()

	list, err := s.lists.Get(ctx, listID)
	if err != nil {
		return ignoreNotFound(err)
	}
	owner, err := s.accounts.GetByID(ctx, list.AccountID)
	if err != nil {
		return ignoreNotFound(err)
	}
	return s.mergeTarget(ctx, model.ListTimeline(owner.ID, list.ID), owner, func(after int64) ([]*model.Status, error) {
		return s.statuses.RecentByAccounts(ctx, []int64{targetID}, after, s.cfg.MergeLimit)
	})
}

// MergeTagIntoHome 关注话题后重建话题时间线，并把带该话题的近期状态回填到首页
func (s *FanoutService) MergeTagIntoHome(ctx context.Context, accountID int64, tag string) (err error) {
	ctx, span := startSpan(ctx, "merge_tag_into_home",
		attribute.Int64("account.id", accountID), attribute.String("tag", tag))
	defer func() { endSpan(span, err) }()

	t, err := s.tags.GetByName(ctx, tag)
	if err != nil {
		return ignoreNotFound(err)
	}
	if err := s.Regenerate(ctx, model.TagTimeline(accountID, t.Name)); err != nil {
		return err
	}
	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return ignoreNotFound(err)
	}
	return s.mergeTarget(ctx, model.HomeTimeline(accountID), acct, func(after int64) ([]*model.Status, error) {
		return s.statuses.RecentByTag(ctx, t.ID, after, s.cfg.MergeLimit)
	})
}

// sources 重建的数据源；多取一倍以抵消过滤掉的状态
func (s *FanoutService) sources(ctx context.Context, key model.TimelineKey, acct *model.Account) ([]*model.Status, error) {
	limit := 2 * s.store.MaxItems()
	switch key.Kind {
	case model.TimelineHome:
		ids, err := s.follows.FollowingIDs(ctx, acct.ID)
		if err != nil {
			return nil, err
		}
		out, err := s.statuses.RecentByAccounts(ctx, append(ids, acct.ID), 0, limit)
		if err != nil {
			return nil, err
		}
		tags, err := s.tags.FollowedTags(ctx, acct.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tags {
			more, err := s.statuses.RecentByTag(ctx, t.ID, 0, s.store.MaxItems())
			if err != nil {
				return nil, err
			}
			out = append(out, more...)
		}
		return out, nil
	case model.TimelineList:
		members, err := s.lists.MemberIDs(ctx, key.ListID)
		if err != nil {
			return nil, err
		}
		return s.statuses.RecentByAccounts(ctx, members, 0, limit)
	case model.TimelineTag:
		t, err := s.tags.GetByName(ctx, key.Tag)
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return s.statuses.RecentByTag(ctx, t.ID, 0, limit)
	case model.TimelineDirect:
		return s.statuses.RecentDirect(ctx, acct.ID, limit)
	}
	return nil, model.ErrMalformedTimelineKey
}

// Regenerate 从数据源完整重建 key：保留最新的 MaxItems 条合格状态，
// 从旧到新写入，使原帖先于其转发占位。
func (s *FanoutService) Regenerate(ctx context.Context, key model.TimelineKey) (err error) {
	ctx, span := startSpan(ctx, "regenerate", attribute.String("timeline.key", key.String()))
	defer func() { endSpan(span, err) }()

	if err := key.Validate(); err != nil {
		return err
	}
	acct, err := s.accounts.GetByID(ctx, key.AccountID)
	if err != nil {
		return ignoreNotFound(err)
	}
	if key.Kind == model.TimelineList {
		list, err := s.lists.Get(ctx, key.ListID)
		if err != nil {
			return ignoreNotFound(err)
		}
		if list.AccountID != acct.ID {
			return fmt.Errorf("list %d is not owned by %d: %w", list.ID, acct.ID, model.ErrMalformedTimelineKey)
		}
	}
	if !receives(acct) {
		return s.store.Clear(ctx, key)
	}

	if err := s.store.SetRegenerating(ctx, acct.ID, true); err != nil {
		return err
	}
	defer func() {
		if cerr := s.store.SetRegenerating(context.WithoutCancel(ctx), acct.ID, false); cerr != nil && err == nil {
			err = cerr
		}
	}()

	sources, err := s.sources(ctx, key, acct)
	if err != nil {
		return ignoreNotFound(err)
	}
	sources = lo.UniqBy(sources, func(st *model.Status) int64 { return st.ID })

	var eligible []*model.Status
	if len(sources) > 0 {
		snap, err := s.snapshotFor(ctx, key, acct, sources...)
		if err != nil {
			return ignoreNotFound(err)
		}
		eligible = lo.Filter(sources, func(st *model.Status, _ int) bool {
			return s.filter.Eligible(key.Kind, st, snap, key.Tag).Eligible
		})
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })
	eligible = newestSlots(eligible, s.store.MaxItems())

	if err := s.store.Clear(ctx, key); err != nil {
		return err
	}
	if err := s.store.MarkBuilt(ctx, key); err != nil {
		return err
	}
	limiter := s.limiter()
	for _, st := range eligible {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		ok, err := s.store.Push(ctx, key, timeline.EntryFor(st))
		if err != nil {
			return err
		}
		result := "suppressed"
		if ok {
			result = "regenerated"
		}
		metrics.TimelinePushes.WithLabelValues(key.Kind.String(), result).Inc()
	}
	span.SetAttributes(attribute.Int("timeline.entries", len(eligible)))
	logger.Info("timeline regenerated", zap.String("key", key.String()), zap.Int("entries", len(eligible)))
	return nil
}

// newestSlots 按转发聚合后的槽位截取：同一原帖的原帖与转发共占一个槽位，
// 槽位按最早出现的条目排序，保留最新的 max 个槽位及其全部条目。sorted 按 id 升序。
func newestSlots(sorted []*model.Status, max int) []*model.Status {
	slotOf := func(st *model.Status) int64 {
		if st.ReblogOfID != nil {
			return *st.ReblogOfID
		}
		return st.ID
	}
	var order []int64
	seen := make(map[int64]bool, len(sorted))
	for _, st := range sorted {
		if slot := slotOf(st); !seen[slot] {
			seen[slot] = true
			order = append(order, slot)
		}
	}
	if len(order) <= max {
		return sorted
	}
	kept := make(map[int64]bool, max)
	for _, slot := range order[len(order)-max:] {
		kept[slot] = true
	}
	return lo.Filter(sorted, func(st *model.Status, _ int) bool { return kept[slotOf(st)] })
}

// RestoreAccount 解封：重建自己的时间线，并回填到本地粉丝首页
func (s *FanoutService) RestoreAccount(ctx context.Context, accountID int64) (err error) {
	ctx, span := startSpan(ctx, "restore_account", attribute.Int64("account.id", accountID))
	defer func() { endSpan(span, err) }()

	if err := s.invalidateIndexes(ctx, accountID); err != nil {
		return err
	}
	keys, err := s.accountKeys(ctx, accountID, true)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Regenerate(ctx, key); err != nil {
			return err
		}
	}

	followers, err := s.followers.IDs(ctx, accountID)
	if err != nil {
		return err
	}
	wp := pool.New().WithMaxGoroutines(s.cfg.Concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, id := range followers {
		wp.Go(func(ctx context.Context) error { return s.MergeIntoHome(ctx, id, accountID) })
	}
	return wp.Wait()
}
