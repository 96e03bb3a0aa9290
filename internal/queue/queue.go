// Package queue 投递扇出事件：内存、outbox 表、NATS JetStream 三种驱动
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-fanout/config"
	"github.com/d60-Lab/timeline-fanout/internal/event"
)

// ErrQueueFull 内存队列已满
var ErrQueueFull = errors.New("queue full")

// Handler 处理一个事件；返回 Permanent 包装的错误表示不再重试
type Handler func(ctx context.Context, e *event.Event) error

// Queue 事件队列
type Queue interface {
	Publish(ctx context.Context, e *event.Event) error
	// Start 启动消费者，返回停止函数
	Start(h Handler) func(context.Context) error
}

// Options 各驱动共用的参数
type Options struct {
	Workers        int
	Size           int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PollInterval   time.Duration
	ClaimLimit     int
	JobTimeout     time.Duration
}

func OptionsFrom(cfg config.QueueConfig) Options {
	return Options{
		Workers:        cfg.Workers,
		Size:           cfg.Size,
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		PollInterval:   cfg.PollInterval,
		ClaimLimit:     cfg.ClaimLimit,
		JobTimeout:     cfg.JobTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.Size <= 0 {
		o.Size = 10000
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.ClaimLimit <= 0 {
		o.ClaimLimit = 128
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 30 * time.Second
	}
	return o
}

// New 按配置选择驱动；outbox 驱动需要 db
func New(ctx context.Context, cfg config.QueueConfig, db *gorm.DB) (Queue, error) {
	opts := OptionsFrom(cfg)
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(opts), nil
	case "outbox":
		if db == nil {
			return nil, errors.New("queue: outbox driver needs a database")
		}
		return NewOutbox(db, opts), nil
	case "nats":
		return NewNATS(ctx, cfg.NATS, opts)
	}
	return nil, fmt.Errorf("queue: unsupported driver %q", cfg.Driver)
}
