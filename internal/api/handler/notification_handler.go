package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/timeline-fanout/pkg/response"
)

// ListNotifications 通知列表
// @Summary 通知列表
// @Tags 通知
// @Produce json
// @Security BearerAuth
// @Param max_id query string false "返回小于该 ID 的通知"
// @Param min_id query string false "返回紧邻该 ID 之后的通知"
// @Param limit query int false "条数" default(20)
// @Param include_filtered query bool false "包含被过滤的通知"
// @Success 200 {object} response.Response{data=[]notificationView}
// @Router /api/v1/notifications [get]
func (h *Handler) ListNotifications(c *gin.Context) {
	p, err := pageParams(c)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	list, err := h.notify.ListNotifications(c.Request.Context(), me(c), p, c.Query("include_filtered") == "true")
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, toNotificationViews(list))
}

// ListNotificationRequests 被过滤发送者的请求
// @Summary 通知请求列表
// @Tags 通知
// @Produce json
// @Security BearerAuth
// @Param include_dismissed query bool false "包含已忽略的请求"
// @Success 200 {object} response.Response{data=[]requestView}
// @Router /api/v1/notifications/requests [get]
func (h *Handler) ListNotificationRequests(c *gin.Context) {
	list, err := h.notify.ListRequests(c.Request.Context(), me(c), c.Query("include_dismissed") == "true")
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, toRequestViews(list))
}

// AcceptNotificationRequest 允许该发送者并放出其通知
// @Summary 接受通知请求
// @Tags 通知
// @Produce json
// @Security BearerAuth
// @Param id path string true "请求ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/notifications/requests/{id}/accept [post]
func (h *Handler) AcceptNotificationRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.notify.AcceptRequest(c.Request.Context(), me(c), id); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

// DismissNotificationRequest 忽略请求
// @Summary 忽略通知请求
// @Tags 通知
// @Produce json
// @Security BearerAuth
// @Param id path string true "请求ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/notifications/requests/{id}/dismiss [post]
func (h *Handler) DismissNotificationRequest(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.notify.DismissRequest(c.Request.Context(), me(c), id); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}
