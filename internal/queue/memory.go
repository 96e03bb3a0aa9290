package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
	"github.com/d60-Lab/timeline-fanout/pkg/metrics"
)

// Memory 进程内异步执行器：有界 channel + N 个 worker，失败在本地退避重试
type Memory struct {
	opts      Options
	ch        chan *event.Event
	metricsCh chan time.Duration
}

func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	return &Memory{
		opts:      opts,
		ch:        make(chan *event.Event, opts.Size),
		metricsCh: make(chan time.Duration, 65536),
	}
}

// Publish 非阻塞入队；队列满时返回 ErrQueueFull
func (m *Memory) Publish(ctx context.Context, e *event.Event) error {
	select {
	case m.ch <- e:
		metrics.QueueDepth.WithLabelValues("memory").Set(float64(len(m.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		logger.Warn("memory queue full, reject event", zap.String("event_id", e.ID), zap.String("type", string(e.Type)))
		return ErrQueueFull
	}
}

func (m *Memory) Start(h Handler) func(context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	stopCh := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < m.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case e := <-m.ch:
					m.process(runCtx, h, e)
				case <-stopCh:
					// 排空剩余事件后退出
					for {
						select {
						case e := <-m.ch:
							m.process(runCtx, h, e)
						default:
							return
						}
					}
				}
			}
		}()
	}
	return func(ctx context.Context) error {
		close(stopCh)
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			cancel()
			return nil
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}
	}
}

func (m *Memory) process(ctx context.Context, h Handler, e *event.Event) {
	attempts, err := retry(ctx, m.opts, h, e)
	finish(e, attempts, err)
	if !e.OccurredAt.IsZero() {
		select {
		case m.metricsCh <- time.Since(e.OccurredAt):
		default:
		}
	}
	metrics.QueueDepth.WithLabelValues("memory").Set(float64(len(m.ch)))
}

// Metrics 返回事件从产生到处理完成的耗时（每处理一条发送一次）
func (m *Memory) Metrics() <-chan time.Duration { return m.metricsCh }

// Len 当前队列长度（采样值）
func (m *Memory) Len() int { return len(m.ch) }
