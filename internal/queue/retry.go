package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/pkg/errreport"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
	"github.com/d60-Lab/timeline-fanout/pkg/metrics"
)

// Permanent 标记不可重试的错误
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent 判断 err 是否被 Permanent 包装过
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

func newBackOff(o Options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialBackoff
	b.MaxInterval = o.MaxBackoff
	b.Reset()
	return b
}

// delay 第 attempt 次失败后的重投延迟，不带抖动，供持久化驱动排期
func delay(o Options, attempt int) time.Duration {
	b := newBackOff(o)
	b.RandomizationFactor = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// handle 在超时内执行一次 h；panic 视为永久失败
func handle(ctx context.Context, o Options, h Handler, e *event.Event) (err error) {
	ctx, cancel := context.WithTimeout(ctx, o.JobTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			errreport.Recover(r)
			err = Permanent(fmt.Errorf("panic: %v", r))
		}
		metrics.JobDuration.WithLabelValues(string(e.Type)).Observe(time.Since(start).Seconds())
	}()
	return h(ctx, e)
}

// retry 进程内指数退避重试，供内存驱动使用
func retry(ctx context.Context, o Options, h Handler, e *event.Event) (int, error) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, handle(ctx, o, h, e)
	},
		backoff.WithBackOff(newBackOff(o)),
		backoff.WithMaxTries(uint(o.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			retried(e, attempts, next, err)
		}),
	)
	return attempts, err
}

func retried(e *event.Event, attempt int, next time.Duration, err error) {
	metrics.Jobs.WithLabelValues(string(e.Type), "retry").Inc()
	logger.Warn("job failed, retrying",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.Int("attempt", attempt),
		zap.Duration("next", next),
		zap.Error(err),
	)
}

// finish 记录最终结果；失败时写日志并上报 sentry
func finish(e *event.Event, attempts int, err error) {
	if err == nil {
		metrics.Jobs.WithLabelValues(string(e.Type), "ok").Inc()
		return
	}
	metrics.Jobs.WithLabelValues(string(e.Type), "failed").Inc()
	logger.Error("job failed",
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.Int("attempts", attempts),
		zap.Bool("permanent", IsPermanent(err)),
		zap.Error(err),
	)
	errreport.Capture(err, map[string]string{"event_id": e.ID, "event_type": string(e.Type)})
}
