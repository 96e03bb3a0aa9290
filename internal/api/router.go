package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-fanout/config"
	_ "github.com/d60-Lab/timeline-fanout/docs"
	"github.com/d60-Lab/timeline-fanout/internal/api/handler"
	"github.com/d60-Lab/timeline-fanout/internal/api/middleware"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
)

// HealthCheck 依赖探活，返回 nil 表示健康
type HealthCheck func(ctx context.Context) error

// NewRouter 组装全部路由
// @title Timeline Fan-out API
// @version 1.0
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func NewRouter(cfg *config.Config, h *handler.Handler, health HealthCheck) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.Logger())
	if cfg.Tracing.Enabled {
		r.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	}
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if health != nil {
			if err := health(ctx); err != nil {
				logger.Warn("health check failed", zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := r.Group("/api/v1", middleware.JWT(cfg.Auth))
	{
		tl := v1.Group("/timelines")
		tl.GET("/home", h.HomeTimeline)
		tl.GET("/direct", h.DirectTimeline)
		tl.GET("/list/:list_id", h.ListTimeline)
		tl.GET("/tag/:hashtag", h.TagTimeline)

		n := v1.Group("/notifications")
		n.GET("", h.ListNotifications)
		n.GET("/requests", h.ListNotificationRequests)
		n.POST("/requests/:id/accept", h.AcceptNotificationRequest)
		n.POST("/requests/:id/dismiss", h.DismissNotificationRequest)

		st := v1.Group("/statuses")
		st.POST("", h.CreateStatus)
		st.DELETE("/:id", h.DeleteStatus)
		st.PUT("/:id/visibility", h.UpdateVisibility)

		rel := v1.Group("/relations")
		rel.POST("/follow", h.Follow)
		rel.POST("/unfollow", h.Unfollow)
		rel.POST("/mute", h.Mute)
		rel.POST("/unmute", h.Unmute)
		rel.POST("/block", h.Block)
		rel.POST("/unblock", h.Unblock)
		rel.POST("/domain_block", h.BlockDomain)
		rel.POST("/domain_unblock", h.UnblockDomain)
		rel.GET("/:account_id/following", h.ListFollowing)

		v1.POST("/lists/:list_id/accounts", h.AddListMember)
		v1.DELETE("/lists/:list_id/accounts", h.RemoveListMember)
		v1.POST("/tags/:name/follow", h.FollowTag)
		v1.POST("/tags/:name/unfollow", h.UnfollowTag)
	}

	admin := r.Group("/api/v1/admin", middleware.Admin(cfg.Admin))
	{
		admin.POST("/timelines/regenerate", h.Regenerate)
		admin.POST("/accounts/:id/suspend", h.SuspendAccount)
		admin.POST("/accounts/:id/unsuspend", h.UnsuspendAccount)
	}
	return r
}
