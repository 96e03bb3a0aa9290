package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
	"github.com/d60-Lab/timeline-fanout/pkg/metrics"
)

// TxPublisher 能在调用方事务内写入事件的队列
type TxPublisher interface {
	PublishTx(tx *gorm.DB, e *event.Event) error
}

// Outbox 基于 outbox 表的持久化队列：worker 轮询认领 pending 记录
type Outbox struct {
	db        *gorm.DB
	opts      Options
	metricsCh chan time.Duration
	now       func() time.Time
}

func NewOutbox(db *gorm.DB, opts Options) *Outbox {
	return &Outbox{db: db, opts: opts.withDefaults(), metricsCh: make(chan time.Duration, 65536), now: time.Now}
}

func (q *Outbox) Publish(ctx context.Context, e *event.Event) error {
	return q.PublishTx(q.db.WithContext(ctx), e)
}

// PublishTx 与业务写入同事务落库；重复的事件 ID 被忽略
func (q *Outbox) PublishTx(tx *gorm.DB, e *event.Event) error {
	row := &model.Outbox{
		ID:          e.ID,
		EventType:   string(e.Type),
		Payload:     string(e.Payload),
		OccurredAt:  e.OccurredAt,
		Status:      model.OutboxPending,
		AvailableAt: q.now(),
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
}

// Start 启动若干 worker 轮询处理 outbox；返回停止函数
func (q *Outbox) Start(h Handler) func(context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for i := 0; i < q.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.loop(runCtx, h)
		}()
	}
	return func(ctx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Outbox) loop(ctx context.Context, h Handler) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ProcessOnce(ctx, h); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("outbox poll failed", zap.Error(err))
			}
		}
	}
}

// claim 认领一批到期记录并设置租约；processing 记录租约过期后可被重新认领
func (q *Outbox) claim(ctx context.Context) ([]model.Outbox, error) {
	var batch []model.Outbox
	now := q.now()
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("status IN ? AND available_at <= ?", []string{model.OutboxPending, model.OutboxProcessing}, now).
			Order("available_at, created_at").
			Limit(q.opts.ClaimLimit)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := query.Find(&batch).Error; err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		ids := make([]string, len(batch))
		for i := range batch {
			ids[i] = batch[i].ID
			batch[i].Attempts++
		}
		return tx.Model(&model.Outbox{}).Where("id IN ?", ids).Updates(map[string]any{
			"status":       model.OutboxProcessing,
			"attempts":     gorm.Expr("attempts + 1"),
			"available_at": now.Add(2 * q.opts.JobTimeout),
		}).Error
	})
	return batch, err
}

// ProcessOnce 认领并处理一批记录，返回处理条数
func (q *Outbox) ProcessOnce(ctx context.Context, h Handler) (int, error) {
	batch, err := q.claim(ctx)
	if err != nil {
		return 0, err
	}
	for i := range batch {
		if err := q.process(ctx, h, &batch[i]); err != nil {
			return i, err
		}
	}
	if n, err := q.Pending(ctx); err == nil {
		metrics.QueueDepth.WithLabelValues("outbox").Set(float64(n))
	}
	return len(batch), nil
}

func (q *Outbox) process(ctx context.Context, h Handler, row *model.Outbox) error {
	e := &event.Event{ID: row.ID, Type: event.Type(row.EventType), OccurredAt: row.OccurredAt, Payload: []byte(row.Payload)}
	herr := handle(ctx, q.opts, h, e)
	now := q.now()

	updates := map[string]any{}
	switch {
	case herr == nil:
		updates["status"] = model.OutboxDone
		updates["processed_at"] = now
		updates["last_error"] = ""
		finish(e, row.Attempts, nil)
		if !row.OccurredAt.IsZero() {
			select {
			case q.metricsCh <- now.Sub(row.OccurredAt):
			default:
			}
		}
	case IsPermanent(herr) || row.Attempts >= q.opts.MaxAttempts:
		updates["status"] = model.OutboxFailed
		updates["processed_at"] = now
		updates["last_error"] = herr.Error()
		finish(e, row.Attempts, herr)
	default:
		next := delay(q.opts, row.Attempts)
		updates["status"] = model.OutboxPending
		updates["available_at"] = now.Add(next)
		updates["last_error"] = herr.Error()
		retried(e, row.Attempts, next, herr)
	}
	return q.db.WithContext(ctx).Model(&model.Outbox{}).Where("id = ?", row.ID).Updates(updates).Error
}

// Pending 待处理记录数
func (q *Outbox) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&model.Outbox{}).
		Where("status IN ?", []string{model.OutboxPending, model.OutboxProcessing}).
		Count(&n).Error
	return n, err
}

// Metrics 返回事件从产生到处理完成的耗时
func (q *Outbox) Metrics() <-chan time.Duration { return q.metricsCh }
