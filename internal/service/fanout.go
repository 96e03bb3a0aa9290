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
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-fanout/config"
	"github.com/d60-Lab/timeline-fanout/internal/feed"
	"github.com/d60-Lab/timeline-fanout/internal/followcache"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/repository"
	"github.com/d60-Lab/timeline-fanout/internal/stream"
	"github.com/d60-Lab/timeline-fanout/internal/timeline"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
	"github.com/d60-Lab/timeline-fanout/pkg/metrics"
	"github.com/d60-Lab/timeline-fanout/pkg/tracing"
)

// FanoutDeps 扇出引擎依赖
type FanoutDeps struct {
	Store         timeline.Store
	Accounts      repository.AccountRepository
	Statuses      repository.StatusRepository
	Follows       repository.FollowRepository
	Relationships repository.RelationshipRepository
	Lists         repository.ListRepository
	Tags          repository.TagRepository
	Followers     *followcache.FollowerIndex
	Stream        stream.Publisher
}

// FanoutService 把状态写入候选时间线、从时间线撤回，并负责重建
type FanoutService struct {
	store     timeline.Store
	accounts  repository.AccountRepository
	statuses  repository.StatusRepository
	follows   repository.FollowRepository
	lists     repository.ListRepository
	tags      repository.TagRepository
	followers *followcache.FollowerIndex
	stream    stream.Publisher
	loader    *feed.Loader
	filter    *feed.Filter
	cfg       config.FanoutConfig
	now       func() time.Time
}

func NewFanoutService(d FanoutDeps, cfg config.FanoutConfig) *FanoutService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.MergeLimit <= 0 {
		cfg.MergeLimit = 400
	}
	pub := d.Stream
	if pub == nil {
		pub = stream.Nop{}
	}
	return &FanoutService{
		store:     d.Store,
		accounts:  d.Accounts,
		statuses:  d.Statuses,
		follows:   d.Follows,
		lists:     d.Lists,
		tags:      d.Tags,
		followers: d.Followers,
		stream:    pub,
		loader:    feed.NewLoader(d.Follows, d.Relationships, d.Lists, d.Tags),
		filter:    feed.NewFilter(),
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (s *FanoutService) WithClock(now func() time.Time) *FanoutService {
	cp := *s
	cp.now = now
	cp.loader = s.loader.WithClock(now)
	return &cp
}

// Followers 暴露粉丝索引，供关系变更时失效
func (s *FanoutService) Followers() *followcache.FollowerIndex { return s.followers }

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracing.Start(ctx, "fanout."+name, attrs...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// active 最近活跃的本地账户才接收推送
func (s *FanoutService) active(a *model.Account) bool {
	if s.cfg.InactiveAfter <= 0 {
		return true
	}
	return a.ActiveSince(s.now().Add(-s.cfg.InactiveAfter))
}

func receives(a *model.Account) bool {
	return a != nil && a.Local() && !a.Suspended
}

// snapshotFor 按时间线类型加载接收者快照
func (s *FanoutService) snapshotFor(ctx context.Context, key model.TimelineKey, recipient *model.Account, statuses ...*model.Status) (*feed.Snapshot, error) {
	if key.Kind != model.TimelineList {
		return s.loader.Load(ctx, recipient, statuses...)
	}
	list, err := s.lists.Get(ctx, key.ListID)
	if err != nil {
		return nil, err
	}
	if list.AccountID != recipient.ID {
		return nil, fmt.Errorf("list %d is not owned by %d: %w", list.ID, recipient.ID, model.ErrMalformedTimelineKey)
	}
	return s.loader.LoadForList(ctx, list, recipient, statuses...)
}

// deliver 判定资格并写入；返回是否占据时间线位置
func (s *FanoutService) deliver(ctx context.Context, key model.TimelineKey, st *model.Status, snap *feed.Snapshot) (bool, error) {
	d := s.filter.Eligible(key.Kind, st, snap, key.Tag)
	if !d.Eligible {
		metrics.Skipped.WithLabelValues(string(d.Reason)).Inc()
		return false, nil
	}
	ok, err := s.store.Push(ctx, key, timeline.EntryFor(st))
	if err != nil {
		return false, err
	}
	result := "suppressed"
	if ok {
		result = "inserted"
		s.publish(ctx, key, stream.EventUpdate, st.ID)
	}
	metrics.TimelinePushes.WithLabelValues(key.Kind.String(), result).Inc()
	return ok, nil
}

func (s *FanoutService) publish(ctx context.Context, key model.TimelineKey, event string, id int64) {
	var err error
	if event == stream.EventDelete {
		err = s.stream.Delete(ctx, key, id)
	} else {
		err = s.stream.Update(ctx, key, id)
	}
	if err != nil {
		logger.Warn("stream publish failed", zap.String("key", key.String()), zap.String("event", event), zap.Error(err))
	}
}

// retract 移除条目；若有替补被提升，重新判定其资格，不合格则继续移除
func (s *FanoutService) retract(ctx context.Context, key model.TimelineKey, e timeline.Entry) error {
	var recipient *model.Account
	for {
		r, err := s.store.Remove(ctx, key, e)
		if err != nil {
			return err
		}
		if r.Removed {
			metrics.TimelineRemovals.WithLabelValues(key.Kind.String()).Inc()
			s.publish(ctx, key, stream.EventDelete, e.StatusID)
		}
		if r.Promoted == 0 {
			return nil
		}

		promoted, err := s.statuses.GetByID(ctx, r.Promoted)
		if errors.Is(err, model.ErrNotFound) {
			e = timeline.Entry{StatusID: r.Promoted, ReblogOfID: slotOf(e, r.Promoted)}
			continue
		}
		if err != nil {
			return err
		}
		if recipient == nil {
			if recipient, err = s.accounts.GetByID(ctx, key.AccountID); err != nil {
				return err
			}
		}
		snap, err := s.snapshotFor(ctx, key, recipient, promoted)
		if err != nil {
			return err
		}
		if d := s.filter.Eligible(key.Kind, promoted, snap, key.Tag); d.Eligible {
			s.publish(ctx, key, stream.EventUpdate, promoted.ID)
			return nil
		}
		e = timeline.EntryFor(promoted)
	}
}

// slotOf 提升条目所属原帖；原帖本身被提升时为 0
func slotOf(removed timeline.Entry, promoted int64) int64 {
	orig := removed.StatusID
	if removed.ReblogOfID != 0 {
		orig = removed.ReblogOfID
	}
	if orig == promoted {
		return 0
	}
	return orig
}

// delivery 单个接收者需要写入的时间线
type delivery struct {
	accountID int64
	home      bool
	direct    bool
	lists     []*model.List
	tags      []string
}

type plan map[int64]*delivery

func (p plan) at(id int64) *delivery {
	d, ok := p[id]
	if !ok {
		d = &delivery{accountID: id}
		p[id] = d
	}
	return d
}

func (p plan) ids() []int64 {
	ids := lo.Keys(p)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *delivery) keys() []model.TimelineKey {
	var out []model.TimelineKey
	if d.home {
		out = append(out, model.HomeTimeline(d.accountID))
	}
	if d.direct {
		out = append(out, model.DirectTimeline(d.accountID))
	}
	for _, l := range d.lists {
		out = append(out, model.ListTimeline(d.accountID, l.ID))
	}
	for _, t := range d.tags {
		out = append(out, model.TagTimeline(d.accountID, t))
	}
	return out
}

// candidates 枚举可能持有 st 的时间线。every 为 true 时忽略可见性，
// 用于更新与删除时覆盖旧可见性下写入过的位置。
func (s *FanoutService) candidates(ctx context.Context, st *model.Status, explicit []int64, every bool) (plan, error) {
	p := plan{}
	authorLocal := st.Account == nil || st.Account.Local()
	addressed := lo.Uniq(append(append([]int64{}, explicit...), st.MentionedAccountIDs()...))

	if every || !st.Visibility.Addressed() {
		if err := s.followers.Each(ctx, st.AccountID, func(ids []int64) error {
			for _, id := range ids {
				p.at(id).home = true
			}
			return nil
		}); err != nil {
			return nil, err
		}
		lists, err := s.lists.ContainingAccount(ctx, st.AccountID)
		if err != nil {
			return nil, err
		}
		for _, l := range lists {
			d := p.at(l.AccountID)
			d.lists = append(d.lists, l)
		}
		if authorLocal {
			p.at(st.AccountID).home = true
		}
		if !st.IsReblog() && (every || st.Visibility == model.VisibilityPublic) {
			for _, t := range st.Tags {
				ids, err := s.tags.LocalFollowerIDs(ctx, t.ID)
				if err != nil {
					return nil, err
				}
				for _, id := range ids {
					d := p.at(id)
					d.home = true
					d.tags = append(d.tags, t.Name)
				}
			}
		}
	}

	if every || st.Visibility == model.VisibilityDirect {
		for _, id := range addressed {
			p.at(id).direct = true
		}
		if authorLocal {
			p.at(st.AccountID).direct = true
		}
	}
	if every || st.Visibility == model.VisibilityLimited {
		for _, id := range addressed {
			p.at(id).home = true
		}
		if authorLocal {
			p.at(st.AccountID).home = true
		}
	}
	return p, nil
}

// recipients 批量加载接收者账户
func (s *FanoutService) recipients(ctx context.Context, ids []int64) (map[int64]*model.Account, error) {
	out := make(map[int64]*model.Account, len(ids))
	for _, chunk := range lo.Chunk(ids, 500) {
		m, err := s.accounts.GetByIDs(ctx, chunk)
		if err != nil {
			return nil, err
		}
		for id, a := range m {
			out[id] = a
		}
	}
	return out, nil
}

type applyMode int

const (
	modePush applyMode = iota + 1
	modeReconcile
	modeRetract
)

// apply 用有界池并发处理每个接收者；首个错误取消其余任务，整个作业重试
func (s *FanoutService) apply(ctx context.Context, st *model.Status, p plan, mode applyMode) error {
	ids := p.ids()
	var accounts map[int64]*model.Account
	if mode != modeRetract {
		var err error
		if accounts, err = s.recipients(ctx, ids); err != nil {
			return err
		}
	}

	wp := pool.New().WithMaxGoroutines(s.cfg.Concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
	for _, id := range ids {
		d := p[id]
		wp.Go(func(ctx context.Context) error {
			if mode == modeRetract {
				for _, key := range d.keys() {
					if err := s.retract(ctx, key, timeline.EntryFor(st)); err != nil {
						return err
					}
				}
				return nil
			}
			return s.applyTo(ctx, st, d, accounts[d.accountID], mode)
		})
	}
	return wp.Wait()
}

func (s *FanoutService) applyTo(ctx context.Context, st *model.Status, d *delivery, acct *model.Account, mode applyMode) error {
	if !receives(acct) {
		if mode == modeReconcile && acct != nil {
			for _, key := range d.keys() {
				if err := s.retract(ctx, key, timeline.EntryFor(st)); err != nil {
					return err
				}
			}
		}
		return nil
	}
	pushes := acct.ID == st.AccountID || s.active(acct)
	if !pushes && mode == modePush {
		metrics.Skipped.WithLabelValues("inactive").Inc()
		return nil
	}

	var snap *feed.Snapshot
	for _, key := range d.keys() {
		var ksnap *feed.Snapshot
		var err error
		if key.Kind == model.TimelineList {
			ksnap, err = s.snapshotFor(ctx, key, acct, st)
		} else {
			if snap == nil {
				snap, err = s.loader.Load(ctx, acct, st)
			}
			ksnap = snap
		}
		if err != nil {
			return err
		}

		if mode == modePush {
			if _, err := s.deliver(ctx, key, st, ksnap); err != nil {
				return err
			}
			continue
		}
		if dec := s.filter.Eligible(key.Kind, st, ksnap, key.Tag); dec.Eligible {
			if !pushes {
				continue
			}
			if _, err := s.deliver(ctx, key, st, ksnap); err != nil {
				return err
			}
			continue
		}
		if err := s.retract(ctx, key, timeline.EntryFor(st)); err != nil {
			return err
		}
	}
	return nil
}

// loadStatus 缺失状态或被封禁作者视为无操作
func (s *FanoutService) loadStatus(ctx context.Context, id int64) (*model.Status, bool, error) {
	st, err := s.statuses.GetByID(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// FanOutOnCreate 按可见性把新状态推送到候选时间线
func (s *FanoutService) FanOutOnCreate(ctx context.Context, statusID int64, explicit []int64) (err error) {
	ctx, span := startSpan(ctx, "create", attribute.Int64("status.id", statusID))
	defer func() { endSpan(span, err) }()

	st, ok, err := s.loadStatus(ctx, statusID)
	if err != nil || !ok {
		return err
	}
	if st.DeletedAt.Valid || st.Account == nil || st.Account.Suspended {
		return nil
	}
	p, err := s.candidates(ctx, st, explicit, false)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.Int("fanout.recipients", len(p)))
	return s.apply(ctx, st, p, modePush)
}

// FanOutOnUpdate 可见性或内容变化后重新判定全部候选时间线
func (s *FanoutService) FanOutOnUpdate(ctx context.Context, statusID int64) (err error) {
	ctx, span := startSpan(ctx, "update", attribute.Int64("status.id", statusID))
	defer func() { endSpan(span, err) }()

	st, ok, err := s.loadStatus(ctx, statusID)
	if err != nil || !ok {
		return err
	}
	p, err := s.candidates(ctx, st, nil, true)
	if err != nil {
		return err
	}
	if st.DeletedAt.Valid || st.Account == nil || st.Account.Suspended {
		return s.apply(ctx, st, p, modeRetract)
	}
	return s.apply(ctx, st, p, modeReconcile)
}

// FanOutOnDelete 从所有可能的时间线撤回状态。snapshot 用于已被物理删除的状态。
func (s *FanoutService) FanOutOnDelete(ctx context.Context, statusID int64, snapshot *model.Status) (err error) {
	ctx, span := startSpan(ctx, "delete", attribute.Int64("status.id", statusID))
	defer func() { endSpan(span, err) }()

	st, ok, err := s.loadStatus(ctx, statusID)
	if err != nil {
		return err
	}
	if !ok {
		if snapshot == nil || snapshot.ID != statusID {
			return nil
		}
		st = snapshot
	}
	p, err := s.candidates(ctx, st, nil, true)
	if err != nil {
		return err
	}
	return s.apply(ctx, st, p, modeRetract)
}
