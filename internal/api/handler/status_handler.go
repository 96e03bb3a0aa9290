package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/service"
	"github.com/d60-Lab/timeline-fanout/pkg/response"
)

type createStatusRequest struct {
	Text        string   `json:"text" binding:"required_without=ReblogOfID,max=5000"`
	SpoilerText string   `json:"spoiler_text" binding:"max=500"`
	Language    string   `json:"language" binding:"omitempty,max=16"`
	Visibility  string   `json:"visibility" binding:"omitempty,oneof=public unlisted private direct limited"`
	InReplyToID string   `json:"in_reply_to_id"`
	ReblogOfID  string   `json:"reblog_of_id"`
	MentionIDs  []string `json:"mention_ids" binding:"max=50"`
	Tags        []string `json:"tags" binding:"max=20,dive,max=255"`
	Recipients  []string `json:"recipients" binding:"max=200"`
}

type visibilityRequest struct {
	Visibility string `json:"visibility" binding:"required,oneof=public unlisted private direct limited"`
}

// CreateStatus 发帖或转发（异步扇出）
// @Summary 发布状态
// @Tags 状态
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createStatusRequest true "状态"
// @Success 200 {object} response.Response{data=statusView}
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/statuses [post]
func (h *Handler) CreateStatus(c *gin.Context) {
	var req createStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	in := service.NewStatus{
		AccountID:   me(c),
		Text:        req.Text,
		SpoilerText: req.SpoilerText,
		Language:    req.Language,
		Visibility:  model.Visibility(req.Visibility),
		Tags:        req.Tags,
	}
	var err error
	if in.InReplyToID, err = optionalID(req.InReplyToID); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if in.ReblogOfID, err = optionalID(req.ReblogOfID); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if in.MentionIDs, err = parseIDs(req.MentionIDs); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if in.Recipients, err = parseIDs(req.Recipients); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	st, err := h.statuses.Publish(c.Request.Context(), in)
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, toStatusView(st))
}

// DeleteStatus 删除状态及其转发
// @Summary 删除状态
// @Tags 状态
// @Produce json
// @Security BearerAuth
// @Param id path string true "状态ID"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/statuses/{id} [delete]
func (h *Handler) DeleteStatus(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.statuses.Delete(c.Request.Context(), me(c), id); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

// UpdateVisibility 修改可见性，已推送的时间线按新可见性撤回
// @Summary 修改状态可见性
// @Tags 状态
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "状态ID"
// @Param request body visibilityRequest true "可见性"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/statuses/{id}/visibility [put]
func (h *Handler) UpdateVisibility(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if err := h.statuses.UpdateVisibility(c.Request.Context(), me(c), id, model.Visibility(req.Visibility)); err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}
