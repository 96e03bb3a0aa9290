package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-fanout/config"
	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/repository"
	"github.com/d60-Lab/timeline-fanout/internal/timeline"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
)

// activeTouchInterval 最近活跃时间的写入粒度
const activeTouchInterval = 24 * time.Hour

// EventPublisher 事件出口，queue.Queue 满足该接口
type EventPublisher interface {
	Publish(ctx context.Context, e *event.Event) error
}

// TimelineType 读取的时间线
type TimelineType struct {
	Kind   model.TimelineKind
	ListID int64
	Tag    string
}

// PageParams 游标参数，零值表示不限
type PageParams struct {
	MaxID   int64
	SinceID int64
	MinID   int64
	Limit   int
}

// Page 一页时间线，新到旧
type Page struct {
	Statuses     []*model.Status
	Next         *PageParams
	Prev         *PageParams
	Regenerating bool
}

func clampLimit(limit int, cfg config.TimelineConfig) int {
	def, max := cfg.DefaultPageLimit, cfg.MaxPageLimit
	if def <= 0 {
		def = 20
	}
	if max < def {
		max = def
	}
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// TimelineService 读取预计算时间线；缺失或过期时触发重建
type TimelineService struct {
	store    timeline.Store
	accounts repository.AccountRepository
	statuses repository.StatusRepository
	lists    repository.ListRepository
	fanout   *FanoutService
	events   EventPublisher
	cfg      config.TimelineConfig
	now      func() time.Time
}

func NewTimelineService(store timeline.Store, accounts repository.AccountRepository, statuses repository.StatusRepository,
	lists repository.ListRepository, fanout *FanoutService, events EventPublisher, cfg config.TimelineConfig) *TimelineService {
	return &TimelineService{
		store:    store,
		accounts: accounts,
		statuses: statuses,
		lists:    lists,
		fanout:   fanout,
		events:   events,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (s *TimelineService) WithClock(now func() time.Time) *TimelineService {
	cp := *s
	cp.now = now
	return &cp
}

func (s *TimelineService) keyFor(ctx context.Context, accountID int64, t TimelineType) (model.TimelineKey, error) {
	var key model.TimelineKey
	switch t.Kind {
	case model.TimelineHome:
		key = model.HomeTimeline(accountID)
	case model.TimelineDirect:
		key = model.DirectTimeline(accountID)
	case model.TimelineTag:
		key = model.TagTimeline(accountID, t.Tag)
	case model.TimelineList:
		list, err := s.lists.Get(ctx, t.ListID)
		if err != nil {
			return key, err
		}
		if list.AccountID != accountID {
			return key, fmt.Errorf("list %d: %w", t.ListID, model.ErrNotFound)
		}
		key = model.ListTimeline(accountID, list.ID)
	default:
		return key, fmt.Errorf("%w: kind %d", model.ErrMalformedTimelineKey, t.Kind)
	}
	return key, key.Validate()
}

// RequestRegeneration 为 keys 投递重建事件并标记账户正在重建
func (s *TimelineService) RequestRegeneration(ctx context.Context, accountID int64, keys ...model.TimelineKey) error {
	for _, key := range keys {
		e, err := event.New(event.TimelineRegenerate, event.RegeneratePayload{
			AccountID: accountID,
			Kind:      key.Kind.String(),
			ListID:    key.ListID,
			Tag:       key.Tag,
		})
		if err != nil {
			return err
		}
		if err := s.events.Publish(ctx, e); err != nil {
			return fmt.Errorf("enqueue regeneration %s: %w", key, err)
		}
	}
	return s.store.SetRegenerating(ctx, accountID, true)
}

// GetTimeline 读取一页。长期不活跃账户读首页时重建其全部时间线，
// 首页缺失时单独重建；重建期间返回已有内容并标记 Regenerating。
func (s *TimelineService) GetTimeline(ctx context.Context, accountID int64, t TimelineType, p PageParams) (*Page, error) {
	acct, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !receives(acct) {
		return nil, fmt.Errorf("account %d: %w", accountID, ErrForbidden)
	}
	key, err := s.keyFor(ctx, accountID, t)
	if err != nil {
		return nil, err
	}

	regenerating, err := s.store.Regenerating(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !regenerating {
		if regenerating, err = s.refresh(ctx, acct, key); err != nil {
			return nil, err
		}
	}

	limit := clampLimit(p.Limit, s.cfg)
	ids, err := s.store.Page(ctx, key, timeline.Range{MaxID: p.MaxID, SinceID: p.SinceID, MinID: p.MinID, Limit: limit})
	if err != nil {
		return nil, err
	}
	byID, err := s.statuses.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	page := &Page{Statuses: make([]*model.Status, 0, len(ids)), Regenerating: regenerating}
	for _, id := range ids {
		if st := byID[id]; st != nil {
			page.Statuses = append(page.Statuses, st)
		}
	}
	if len(ids) > 0 {
		page.Next = &PageParams{MaxID: ids[len(ids)-1], Limit: limit}
		page.Prev = &PageParams{MinID: ids[0], Limit: limit}
	}
	return page, nil
}

// refresh 记录活跃时间，必要时请求重建；返回是否进入重建
func (s *TimelineService) refresh(ctx context.Context, acct *model.Account, key model.TimelineKey) (bool, error) {
	now := s.now()
	stale := key.Kind == model.TimelineHome && s.fanout != nil && !s.fanout.active(acct)
	if !acct.ActiveSince(now.Add(-activeTouchInterval)) {
		if err := s.accounts.TouchActive(ctx, acct.ID, now); err != nil {
			return false, err
		}
	}

	var keys []model.TimelineKey
	if stale {
		all, err := s.fanout.accountKeys(ctx, acct.ID, true)
		if err != nil {
			return false, err
		}
		keys = all
	} else if key.Kind == model.TimelineHome {
		exists, err := s.store.Exists(ctx, key)
		if err != nil {
			return false, err
		}
		if !exists {
			keys = []model.TimelineKey{key}
		}
	}
	if len(keys) == 0 {
		return false, nil
	}
	logger.Info("timeline regeneration requested",
		zap.Int64("account_id", acct.ID), zap.String("key", key.String()),
		zap.Bool("stale", stale), zap.Int("keys", len(keys)))
	return true, s.RequestRegeneration(ctx, acct.ID, keys...)
}
