// Package app wires repositories, the timeline store and the services for every entry point.
package app

import (
	"context"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-fanout/config"
	"github.com/d60-Lab/timeline-fanout/internal/api/handler"
	"github.com/d60-Lab/timeline-fanout/internal/followcache"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/repository"
	"github.com/d60-Lab/timeline-fanout/internal/service"
	"github.com/d60-Lab/timeline-fanout/internal/stream"
	"github.com/d60-Lab/timeline-fanout/internal/timeline"
)

// App holds the wired services. Events are published to whatever queue the caller provides.
type App struct {
	DB    *gorm.DB
	Redis redis.UniversalClient
	Store *timeline.RedisStore

	Accounts      repository.AccountRepository
	Statuses      repository.StatusRepository
	Follows       repository.FollowRepository
	Relationships repository.RelationshipRepository
	Lists         repository.ListRepository
	Tags          repository.TagRepository
	Notifications repository.NotificationRepository
	Followers     *followcache.FollowerIndex

	Fanout     *service.FanoutService
	Notify     *service.NotifyService
	Timelines  *service.TimelineService
	IDs        *model.IDGenerator
	Publisher  *service.StatusPublisher
	Relations  service.RelationshipService
	Dispatcher *service.Dispatcher
}

// New fails only on an out-of-range server.node_id.
func New(cfg *config.Config, db *gorm.DB, rdb redis.UniversalClient, events service.EventPublisher) (*App, error) {
	ids, err := model.NewIDGenerator(cfg.Server.NodeID)
	if err != nil {
		return nil, err
	}
	a := &App{
		IDs:   ids,
		DB:    db,
		Redis: rdb,
		Store: timeline.NewRedisStore(rdb, timeline.Options{
			MaxItems:        cfg.Timeline.MaxItems,
			RegenerationTTL: cfg.Timeline.RegenerationTTL,
		}),
		Accounts:      repository.NewAccountRepository(db),
		Statuses:      repository.NewStatusRepository(db),
		Follows:       repository.NewFollowRepository(db),
		Relationships: repository.NewRelationshipRepository(db),
		Lists:         repository.NewListRepository(db),
		Tags:          repository.NewTagRepository(db),
		Notifications: repository.NewNotificationRepository(db),
	}
	a.Followers = followcache.NewFollowerIndex(a.Follows, rdb, cfg.Fanout.FollowerCacheTTL, cfg.Fanout.FollowerBatch)
	pub := stream.NewRedisPublisher(rdb)

	a.Fanout = service.NewFanoutService(service.FanoutDeps{
		Store:         a.Store,
		Accounts:      a.Accounts,
		Statuses:      a.Statuses,
		Follows:       a.Follows,
		Relationships: a.Relationships,
		Lists:         a.Lists,
		Tags:          a.Tags,
		Followers:     a.Followers,
		Stream:        pub,
	}, cfg.Fanout)
	a.Notify = service.NewNotifyService(service.NotifyDeps{
		Notifications: a.Notifications,
		Accounts:      a.Accounts,
		Statuses:      a.Statuses,
		Follows:       a.Follows,
		Relationships: a.Relationships,
		Stream:        pub,
	}, cfg.Notifications, cfg.Timeline)
	a.Timelines = service.NewTimelineService(a.Store, a.Accounts, a.Statuses, a.Lists, a.Fanout, events, cfg.Timeline)
	a.Publisher = service.NewStatusPublisher(db, events, ids)
	a.Relations = service.NewRelationshipService(db, events)
	a.Dispatcher = service.NewDispatcher(a.Fanout, a.Notify)
	return a, nil
}

// Handler builds the HTTP handlers over the wired services.
func (a *App) Handler() *handler.Handler {
	return handler.New(a.Timelines, a.Notify, a.Publisher, a.Relations)
}

// Health pings the database and redis.
func (a *App) Health(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return err
	}
	return a.Redis.Ping(ctx).Err()
}
