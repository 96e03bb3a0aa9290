package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/timeline-fanout/internal/service"
	"github.com/d60-Lab/timeline-fanout/pkg/response"
)

type targetRequest struct {
	TargetAccountID string `json:"target_account_id" binding:"required,numeric"`
}

type followRequest struct {
	TargetAccountID string   `json:"target_account_id" binding:"required,numeric"`
	Reblogs         *bool    `json:"reblogs"`
	Notify          bool     `json:"notify"`
	Languages       []string `json:"languages" binding:"max=16,dive,min=2,max=16"`
}

type muteRequest struct {
	TargetAccountID   string `json:"target_account_id" binding:"required,numeric"`
	HideNotifications *bool  `json:"notifications"`
	// Duration 秒，0 表示永久
	Duration int64 `json:"duration" binding:"min=0"`
}

type domainRequest struct {
	Domain string `json:"domain" binding:"required,hostname_rfc1123"`
}

type listMemberRequest struct {
	AccountID string `json:"account_id" binding:"required,numeric"`
}

func target(c *gin.Context, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid target_account_id")
		return 0, false
	}
	return id, true
}

// done 统一写回无数据的结果
func done(c *gin.Context, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	response.Success(c, nil)
}

// Follow 建立关注，首页回填由扇出异步完成
// @Summary 关注账户
// @Tags 关系链
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body followRequest true "关注信息"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Failure 403 {object} response.Response
// @Router /api/v1/relations/follow [post]
func (h *Handler) Follow(c *gin.Context) {
	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	id, ok := target(c, req.TargetAccountID)
	if !ok {
		return
	}
	opts := service.FollowOptions{ShowReblogs: true, Notify: req.Notify, Languages: req.Languages}
	if req.Reblogs != nil {
		opts.ShowReblogs = *req.Reblogs
	}
	done(c, h.relService.Follow(c.Request.Context(), me(c), id, opts))
}

// Unfollow 取消关注
// @Summary 取消关注
// @Tags 关系链
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body targetRequest true "目标账户"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/relations/unfollow [post]
func (h *Handler) Unfollow(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if id, ok := target(c, req.TargetAccountID); ok {
		done(c, h.relService.Unfollow(c.Request.Context(), me(c), id))
	}
}

// Mute 静音账户
// @Summary 静音
// @Tags 关系链
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body muteRequest true "静音信息"
// @Success 200 {object} response.Response
// @Failure 400 {object} response.Response
// @Router /api/v1/relations/mute [post]
func (h *Handler) Mute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	id, ok := target(c, req.TargetAccountID)
	if !ok {
		return
	}
	hide := req.HideNotifications == nil || *req.HideNotifications
	done(c, h.relService.Mute(c.Request.Context(), me(c), id, hide, time.Duration(req.Duration)*time.Second))
}

// Unmute 取消静音
// @Summary 取消静音
// @Tags 关系链
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body targetRequest true "目标账户"
// @Success 200 {object} response.Response
// @Router /api/v1/relations/unmute [post]
func (h *Handler) Unmute(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if id, ok := target(c, req.TargetAccountID); ok {
		done(c, h.relService.Unmute(c.Request.Context(), me(c), id))
	}
}

// Block 屏蔽账户并解除双向关注
// @Summary 屏蔽
// @Tags 关系链
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body targetRequest true "目标账户"
// @Success 200 {object} response.Response
// @Router /api/v1/relations/block [post]
func (h *Handler) Block(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if id, ok := target(c, req.TargetAccountID); ok {
		done(c, h.relService.Block(c.Request.Context(), me(c), id))
	}
}

// Unblock 取消屏蔽
// @Summary 取消屏蔽
// @Tags 关系链
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body targetRequest true "目标账户"
// @Success 200 {object} response.Response
// @Router /api/v1/relations/unblock [post]
func (h *Handler) Unblock(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if id, ok := target(c, req.TargetAccountID); ok {
		done(c, h.relService.Unblock(c.Request.Context(), me(c), id))
	}
}

// BlockDomain 屏蔽整个域名
// @Summary 屏蔽域名
// @Tags 关系链
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body domainRequest true "域名"
// @Success 200 {object} response.Response
// @Router /api/v1/relations/domain_block [post]
func (h *Handler) BlockDomain(c *gin.Context) {
	var req domainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	done(c, h.relService.BlockDomain(c.Request.Context(), me(c), req.Domain))
}

// UnblockDomain 取消域名屏蔽
// @Summary 取消域名屏蔽
// @Tags 关系链
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body domainRequest true "域名"
// @Success 200 {object} response.Response
// @Router /api/v1/relations/domain_unblock [post]
func (h *Handler) UnblockDomain(c *gin.Context) {
	var req domainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	done(c, h.relService.UnblockDomain(c.Request.Context(), me(c), req.Domain))
}

// AddListMember 加入列表，只能加入已关注的账户
// @Summary 添加列表成员
// @Tags 列表
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param list_id path string true "列表ID"
// @Param request body listMemberRequest true "账户"
// @Success 200 {object} response.Response
// @Failure 403 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/lists/{list_id}/accounts [post]
func (h *Handler) AddListMember(c *gin.Context) {
	h.listMember(c, h.relService.AddToList)
}

// RemoveListMember 移出列表
// @Summary 移除列表成员
// @Tags 列表
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param list_id path string true "列表ID"
// @Param request body listMemberRequest true "账户"
// @Success 200 {object} response.Response
// @Router /api/v1/lists/{list_id}/accounts [delete]
func (h *Handler) RemoveListMember(c *gin.Context) {
	h.listMember(c, h.relService.RemoveFromList)
}

func (h *Handler) listMember(c *gin.Context, op func(ctx context.Context, accountID, listID, targetID int64) error) {
	listID, ok := pathID(c, "list_id")
	if !ok {
		return
	}
	var req listMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if id, ok := target(c, req.AccountID); ok {
		done(c, op(c.Request.Context(), me(c), listID, id))
	}
}

// FollowTag 关注话题
// @Summary 关注话题
// @Tags 话题
// @Produce json
// @Security BearerAuth
// @Param name path string true "话题"
// @Success 200 {object} response.Response
// @Router /api/v1/tags/{name}/follow [post]
func (h *Handler) FollowTag(c *gin.Context) {
	done(c, h.relService.FollowTag(c.Request.Context(), me(c), c.Param("name")))
}

// UnfollowTag 取消关注话题
// @Summary 取消关注话题
// @Tags 话题
// @Produce json
// @Security BearerAuth
// @Param name path string true "话题"
// @Success 200 {object} response.Response
// @Failure 404 {object} response.Response
// @Router /api/v1/tags/{name}/unfollow [post]
func (h *Handler) UnfollowTag(c *gin.Context) {
	done(c, h.relService.UnfollowTag(c.Request.Context(), me(c), c.Param("name")))
}

// ListFollowing 查询某账户关注的人
// @Summary 查询关注列表
// @Tags 关系链
// @Produce json
// @Security BearerAuth
// @Param account_id path string true "账户ID"
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(10)
// @Success 200 {object} response.Response{data=map[string]interface{}}
// @Router /api/v1/relations/{account_id}/following [get]
func (h *Handler) ListFollowing(c *gin.Context) {
	accountID, ok := pathID(c, "account_id")
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	list, err := h.relService.ListFollowing(c.Request.Context(), accountID, page, pageSize)
	if err != nil {
		fail(c, err)
		return
	}
	ids := make([]string, len(list))
	for i, id := range list {
		ids[i] = idString(id)
	}
	response.Success(c, gin.H{"page": page, "page_size": pageSize, "list": ids})
}
