package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/pkg/response"
)

type regenerateRequest struct {
	AccountID int64  `json:"account_id" binding:"required,gt=0"`
	Kind      string `json:"kind" binding:"required,oneof=home list tag direct"`
	ListID    int64  `json:"list_id" binding:"required_if=Kind list"`
	Tag       string `json:"tag" binding:"required_if=Kind tag"`
}

// Regenerate 异步重建指定时间线
// @Summary 重建时间线
// @Tags 管理
// @Accept json
// @Produce json
// @Param X-Admin-Token header string true "管理令牌"
// @Param request body regenerateRequest true "目标时间线"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/admin/timelines/regenerate [post]
func (h *Handler) Regenerate(c *gin.Context) {
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	key, err := event.RegeneratePayload{AccountID: req.AccountID, Kind: req.Kind, ListID: req.ListID, Tag: req.Tag}.Key()
	if err != nil {
		fail(c, err)
		return
	}
	if err := h.timelines.RequestRegeneration(c.Request.Context(), req.AccountID, key); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, gin.H{"key": key.String()})
}

// SuspendAccount 封禁账户，其条目从所有时间线撤回
// @Summary 封禁账户
// @Tags 管理
// @Produce json
// @Param X-Admin-Token header string true "管理令牌"
// @Param id path string true "账户ID"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/admin/accounts/{id}/suspend [post]
func (h *Handler) SuspendAccount(c *gin.Context) {
	if id, ok := pathID(c, "id"); ok {
		done(c, h.relService.Suspend(c.Request.Context(), id))
	}
}

// UnsuspendAccount 解除封禁并重建其时间线
// @Summary 解除封禁
// @Tags 管理
// @Produce json
// @Param X-Admin-Token header string true "管理令牌"
// @Param id path string true "账户ID"
// @Success 200 {object} response.Response
// @Router /api/v1/admin/accounts/{id}/unsuspend [post]
func (h *Handler) UnsuspendAccount(c *gin.Context) {
	if id, ok := pathID(c, "id"); ok {
		done(c, h.relService.Unsuspend(c.Request.Context(), id))
	}
}
