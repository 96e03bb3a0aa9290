package handler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/service"
	"github.com/d60-Lab/timeline-fanout/pkg/response"
)

// pageParams 解析 max_id/since_id/min_id/limit
func pageParams(c *gin.Context) (service.PageParams, error) {
	var p service.PageParams
	for name, dst := range map[string]*int64{"max_id": &p.MaxID, "since_id": &p.SinceID, "min_id": &p.MinID} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return p, fmt.Errorf("invalid %s", name)
		}
		*dst = v
	}
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return p, fmt.Errorf("invalid limit")
		}
		p.Limit = v
	}
	return p, nil
}

// linkHeader 生成 next/prev 游标
func linkHeader(c *gin.Context, page *service.Page) string {
	render := func(p *service.PageParams, rel string) string {
		u := url.URL{Path: c.Request.URL.Path}
		q := url.Values{}
		if p.MaxID > 0 {
			q.Set("max_id", strconv.FormatInt(p.MaxID, 10))
		}
		if p.MinID > 0 {
			q.Set("min_id", strconv.FormatInt(p.MinID, 10))
		}
		q.Set("limit", strconv.Itoa(p.Limit))
		u.RawQuery = q.Encode()
		return fmt.Sprintf("<%s>; rel=%q", u.String(), rel)
	}
	var parts []string
	if page.Next != nil {
		parts = append(parts, render(page.Next, "next"))
	}
	if page.Prev != nil {
		parts = append(parts, render(page.Prev, "prev"))
	}
	return strings.Join(parts, ", ")
}

func (h *Handler) timeline(c *gin.Context, t service.TimelineType) {
	p, err := pageParams(c)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	page, err := h.timelines.GetTimeline(c.Request.Context(), me(c), t, p)
	if err != nil {
		fail(c, err)
		return
	}
	if link := linkHeader(c, page); link != "" {
		c.Header("Link", link)
	}
	if page.Regenerating {
		response.Partial(c, toStatusViews(page.Statuses))
		return
	}
	response.Success(c, toStatusViews(page.Statuses))
}

// HomeTimeline 首页时间线
// @Summary 首页时间线
// @Description 重建进行中时返回 206
// @Tags 时间线
// @Produce json
// @Security BearerAuth
// @Param max_id query string false "返回小于该 ID 的条目"
// @Param since_id query string false "返回大于该 ID 的条目"
// @Param min_id query string false "返回紧邻该 ID 之后的条目"
// @Param limit query int false "条数" default(20)
// @Success 200 {object} response.Response{data=[]statusView}
// @Success 206 {object} response.Response{data=[]statusView}
// @Failure 401 {object} response.Response
// @Router /api/v1/timelines/home [get]
func (h *Handler) HomeTimeline(c *gin.Context) {
	h.timeline(c, service.TimelineType{Kind: model.TimelineHome})
}

// DirectTimeline 私信时间线
// @Summary 私信时间线
// @Tags 时间线
// @Produce json
// @Security BearerAuth
// @Param max_id query string false "返回小于该 ID 的条目"
// @Param limit query int false "条数" default(20)
// @Success 200 {object} response.Response{data=[]statusView}
// @Router /api/v1/timelines/direct [get]
func (h *Handler) DirectTimeline(c *gin.Context) {
	h.timeline(c, service.TimelineType{Kind: model.TimelineDirect})
}

// ListTimeline 列表时间线，仅拥有者可读
// @Summary 列表时间线
// @Tags 时间线
// @Produce json
// @Security BearerAuth
// @Param list_id path string true "列表ID"
// @Param max_id query string false "返回小于该 ID 的条目"
// @Param limit query int false "条数" default(20)
// @Success 200 {object} response.Response{data=[]statusView}
// @Failure 404 {object} response.Response
// @Router /api/v1/timelines/list/{list_id} [get]
func (h *Handler) ListTimeline(c *gin.Context) {
	listID, ok := pathID(c, "list_id")
	if !ok {
		return
	}
	h.timeline(c, service.TimelineType{Kind: model.TimelineList, ListID: listID})
}

// TagTimeline 已关注话题的时间线
// @Summary 话题时间线
// @Tags 时间线
// @Produce json
// @Security BearerAuth
// @Param hashtag path string true "话题"
// @Param max_id query string false "返回小于该 ID 的条目"
// @Param limit query int false "条数" default(20)
// @Success 200 {object} response.Response{data=[]statusView}
// @Failure 400 {object} response.Response
// @Router /api/v1/timelines/tag/{hashtag} [get]
func (h *Handler) TagTimeline(c *gin.Context) {
	h.timeline(c, service.TimelineType{Kind: model.TimelineTag, Tag: c.Param("hashtag")})
}
