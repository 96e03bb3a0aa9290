package queue

import (
	"context"
	"fmt"
	"time"

	libnats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-fanout/config"
	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
)

// NATS JetStream 驱动：事件 ID 作为 Nats-Msg-Id 去重，失败 NakWithDelay，耗尽或永久失败 Term
type NATS struct {
	js   jetstream.JetStream
	cons jetstream.Consumer
	cfg  config.NATSConfig
	opts Options
}

func NewNATS(ctx context.Context, cfg config.NATSConfig, opts Options) (*NATS, error) {
	opts = opts.withDefaults()
	nc, err := libnats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject + ".>"},
		MaxAge:     24 * time.Hour,
		Duplicates: 10 * time.Minute,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats stream %s: %w", cfg.Stream, err)
	}
	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       2 * opts.JobTimeout,
		MaxDeliver:    opts.MaxAttempts,
		FilterSubject: cfg.Subject + ".>",
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats consumer %s: %w", cfg.Consumer, err)
	}
	logger.Info("nats queue ready", zap.String("stream", cfg.Stream), zap.String("consumer", cfg.Consumer))
	return &NATS{js: js, cons: cons, cfg: cfg, opts: opts}, nil
}

// Subject 事件发布的主题
func Subject(prefix string, t event.Type) string { return prefix + "." + string(t) }

func (q *NATS) Publish(ctx context.Context, e *event.Event) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	msg := &libnats.Msg{
		Subject: Subject(q.cfg.Subject, e.Type),
		Data:    data,
		Header:  libnats.Header{libnats.MsgIdHdr: []string{e.ID}},
	}
	_, err = q.js.PublishMsg(ctx, msg)
	return err
}

// Start 消费回调串行触发，处理交给有界 goroutine 池
func (q *NATS) Start(h Handler) func(context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	p := pool.New().WithMaxGoroutines(q.opts.Workers)
	cc, err := q.cons.Consume(func(msg jetstream.Msg) {
		p.Go(func() { q.process(runCtx, h, msg) })
	}, jetstream.PullMaxMessages(2*q.opts.Workers))
	if err != nil {
		logger.Error("nats consume failed", zap.Error(err))
		cancel()
		return func(context.Context) error { return err }
	}
	return func(ctx context.Context) error {
		cc.Stop()
		done := make(chan struct{})
		go func() {
			p.Wait()
			close(done)
		}()
		var werr error
		select {
		case <-done:
		case <-ctx.Done():
			werr = ctx.Err()
		}
		cancel()
		if err := q.js.Conn().Drain(); err != nil && werr == nil {
			werr = err
		}
		return werr
	}
}

func (q *NATS) process(ctx context.Context, h Handler, msg jetstream.Msg) {
	attempt := 1
	if md, err := msg.Metadata(); err == nil {
		attempt = int(md.NumDelivered)
	}

	e, err := event.Unmarshal(msg.Data())
	if err != nil {
		finish(&event.Event{ID: msg.Headers().Get(libnats.MsgIdHdr), Type: "invalid"}, attempt, Permanent(err))
		_ = msg.Term()
		return
	}

	herr := handle(ctx, q.opts, h, e)
	switch {
	case herr == nil:
		finish(e, attempt, nil)
		_ = msg.Ack()
	case IsPermanent(herr) || attempt >= q.opts.MaxAttempts:
		finish(e, attempt, herr)
		_ = msg.Term()
	default:
		next := delay(q.opts, attempt)
		retried(e, attempt, next, herr)
		_ = msg.NakWithDelay(next)
	}
}
