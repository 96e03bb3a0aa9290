package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-fanout/config"
	"github.com/d60-Lab/timeline-fanout/internal/api"
	"github.com/d60-Lab/timeline-fanout/internal/app"
	"github.com/d60-Lab/timeline-fanout/internal/queue"
	"github.com/d60-Lab/timeline-fanout/pkg/database"
	"github.com/d60-Lab/timeline-fanout/pkg/errreport"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
	"github.com/d60-Lab/timeline-fanout/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Log); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := errreport.Init(cfg.Sentry); err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
	}
	defer errreport.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Fatal("init database", zap.Error(err))
	}
	if err := database.AutoMigrate(db); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	rdb, err := database.InitRedis(cfg)
	if err != nil {
		logger.Fatal("init redis", zap.Error(err))
	}
	defer rdb.Close()

	q, err := queue.New(ctx, cfg.Queue, db)
	if err != nil {
		logger.Fatal("init queue", zap.Error(err))
	}
	a, err := app.New(cfg, db, rdb, q)
	if err != nil {
		logger.Fatal("init app", zap.Error(err))
	}
	stopQueue := q.Start(a.Dispatcher.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(cfg, a.Handler(), a.Health),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.Addr), zap.String("queue", cfg.Queue.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// HTTP 先停，队列随后排空
	if err := stopQueue(sctx); err != nil {
		logger.Warn("queue shutdown", zap.Error(err))
	}
	if err := shutdownTracing(sctx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
}
