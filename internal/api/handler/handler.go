package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-fanout/internal/api/middleware"
	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/service"
	"github.com/d60-Lab/timeline-fanout/pkg/errreport"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
	"github.com/d60-Lab/timeline-fanout/pkg/response"
)

// Handler HTTP 处理器集合
type Handler struct {
	timelines  *service.TimelineService
	notify     *service.NotifyService
	statuses   *service.StatusPublisher
	relService service.RelationshipService
}

func New(timelines *service.TimelineService, notify *service.NotifyService, statuses *service.StatusPublisher, rel service.RelationshipService) *Handler {
	return &Handler{timelines: timelines, notify: notify, statuses: statuses, relService: rel}
}

// fail 按错误类型映射状态码
func fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, service.ErrFollowSelf),
		errors.Is(err, service.ErrUnprocessable),
		errors.Is(err, model.ErrMalformedTimelineKey),
		errors.Is(err, event.ErrInvalid):
		response.BadRequest(c, err.Error())
	default:
		logger.Error("http handler failed", zap.String("path", c.FullPath()), zap.Error(err))
		errreport.Capture(err, map[string]string{"path": c.FullPath()})
		response.InternalError(c, err)
	}
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid "+name)
		return 0, false
	}
	return id, true
}

// parseIDs 解析字符串形式的 ID 列表
func parseIDs(raw []string) ([]int64, error) {
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.New("invalid id " + strconv.Quote(s))
		}
		out = append(out, id)
	}
	return out, nil
}

func optionalID(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, errors.New("invalid id " + strconv.Quote(raw))
	}
	return &id, nil
}

func me(c *gin.Context) int64 { return middleware.AccountID(c) }
