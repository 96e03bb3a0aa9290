package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/d60-Lab/timeline-fanout/config"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/repository"
	"github.com/d60-Lab/timeline-fanout/internal/stream"
	"github.com/d60-Lab/timeline-fanout/pkg/logger"
	"github.com/d60-Lab/timeline-fanout/pkg/metrics"
)

// Outcome 通知判定结果
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeFiltered Outcome = "filtered"
	OutcomeDropped  Outcome = "dropped"
)

// NotifyInput 一次通知投递
type NotifyInput struct {
	RecipientID   int64
	FromAccountID int64
	Type          model.NotificationType
	ActivityType  string
	ActivityID    int64
	StatusID      int64
}

// NotifyDeps 通知服务依赖
type NotifyDeps struct {
	Notifications repository.NotificationRepository
	Accounts      repository.AccountRepository
	Statuses      repository.StatusRepository
	Follows       repository.FollowRepository
	Relationships repository.RelationshipRepository
	Stream        stream.Publisher
}

// NotifyService 判定通知的丢弃/过滤/接受，并维护通知请求
type NotifyService struct {
	notifications repository.NotificationRepository
	accounts      repository.AccountRepository
	statuses      repository.StatusRepository
	follows       repository.FollowRepository
	relationships repository.RelationshipRepository
	stream        stream.Publisher
	cfg           config.NotificationsConfig
	pages         config.TimelineConfig
	now           func() time.Time
}

func NewNotifyService(d NotifyDeps, cfg config.NotificationsConfig, pages config.TimelineConfig) *NotifyService {
	if cfg.NewAccountAge <= 0 {
		cfg.NewAccountAge = 30 * 24 * time.Hour
	}
	if cfg.FollowerMinAge <= 0 {
		cfg.FollowerMinAge = 3 * 24 * time.Hour
	}
	if cfg.AncestorDepth <= 0 {
		cfg.AncestorDepth = 40
	}
	pub := d.Stream
	if pub == nil {
		pub = stream.Nop{}
	}
	return &NotifyService{
		notifications: d.Notifications,
		accounts:      d.Accounts,
		statuses:      d.Statuses,
		follows:       d.Follows,
		relationships: d.Relationships,
		stream:        pub,
		cfg:           cfg,
		pages:         pages,
		now:           time.Now,
	}
}

// WithClock 替换时钟（测试用）
func (s *NotifyService) WithClock(now func() time.Time) *NotifyService {
	cp := *s
	cp.now = now
	return &cp
}

// notifyCheck 一次判定所需的上下文；引用链按需加载
type notifyCheck struct {
	s          *NotifyService
	in         NotifyInput
	recipient  *model.Account
	sender     *model.Account
	status     *model.Status
	following  *model.Follow // recipient -> sender
	followedBy *model.Follow // sender -> recipient
	policy     *model.NotificationPolicy
	permitted  bool
}

func (c *notifyCheck) notFollowing() bool { return c.following == nil }

func (c *notifyCheck) notFollower() bool {
	return c.followedBy == nil || c.followedBy.CreatedAt.After(c.s.now().Add(-c.s.cfg.FollowerMinAge))
}

func (c *notifyCheck) newAccount() bool {
	return c.notFollowing() && c.sender.CreatedAt.After(c.s.now().Add(-c.s.cfg.NewAccountAge))
}

func (c *notifyCheck) limitedAccount() bool {
	return c.notFollowing() && c.sender.Silenced
}

// privateMention 未关注对方发来的私信提及，且不是对接收者提及过对方的帖子的回复
func (c *notifyCheck) privateMention(ctx context.Context) (bool, error) {
	if c.in.Type != model.NotificationMention || c.status == nil || c.status.Visibility != model.VisibilityDirect || !c.notFollowing() {
		return false, nil
	}
	ancestors, err := c.s.statuses.Ancestors(ctx, c.status.ID, c.s.cfg.AncestorDepth)
	if err != nil {
		return false, err
	}
	for _, a := range ancestors {
		if a.AccountID == c.recipient.ID && a.MentionsAccount(c.sender.ID) {
			return false, nil
		}
	}
	return true, nil
}

// matches 策略中取值为 action 且条件成立的维度
func (c *notifyCheck) matches(ctx context.Context, action model.PolicyAction) (string, error) {
	p := c.policy
	if p.ForNotFollowing == action && c.notFollowing() {
		return "not_following", nil
	}
	if p.ForNotFollowers == action && c.notFollower() {
		return "not_followers", nil
	}
	if p.ForNewAccounts == action && c.newAccount() {
		return "new_accounts", nil
	}
	if p.ForLimitedAccounts == action && c.limitedAccount() {
		return "limited_accounts", nil
	}
	if p.ForPrivateMentions == action {
		ok, err := c.privateMention(ctx)
		if err != nil || ok {
			return "private_mentions", err
		}
	}
	return "", nil
}

// dropped 返回丢弃原因；空串表示保留
func (c *notifyCheck) dropped(ctx context.Context) (string, error) {
	s := c.s
	if c.recipient.ID == c.sender.ID {
		return "self", nil
	}
	if !c.sender.Staff {
		blocking, err := s.relationships.BlockingAmong(ctx, c.recipient.ID, []int64{c.sender.ID})
		if err != nil {
			return "", err
		}
		if len(blocking) > 0 {
			return "blocked", nil
		}
	}
	if !c.sender.Local() && c.notFollowing() {
		blocked, err := s.relationships.DomainBlocksAmong(ctx, c.recipient.ID, []string{c.sender.Domain})
		if err != nil {
			return "", err
		}
		if len(blocked) > 0 {
			return "domain_blocked", nil
		}
	}
	mutes, err := s.relationships.MutesAmong(ctx, c.recipient.ID, []int64{c.sender.ID})
	if err != nil {
		return "", err
	}
	if m := mutes[c.sender.ID]; m != nil && m.HideNotifications && m.ActiveAt(s.now()) {
		return "muted", nil
	}
	if c.status != nil && (c.in.Type == model.NotificationMention || c.in.Type == model.NotificationStatus) {
		if c.status.ConversationID != nil {
			muted, err := s.relationships.ConversationMuted(ctx, c.recipient.ID, *c.status.ConversationID)
			if err != nil {
				return "", err
			}
			if muted {
				return "conversation_muted", nil
			}
		}
		if c.in.Type == model.NotificationMention && c.status.InReplyToAccountID != nil {
			blocking, err := s.relationships.BlockingAmong(ctx, c.recipient.ID, []int64{*c.status.InReplyToAccountID})
			if err != nil {
				return "", err
			}
			if len(blocking) > 0 {
				return "reply_to_blocked", nil
			}
		}
	}
	if c.permitted || c.in.Type.Unfilterable() {
		return "", nil
	}
	return c.matches(ctx, model.PolicyDrop)
}

func (c *notifyCheck) filtered(ctx context.Context) (bool, error) {
	if c.permitted || c.in.Type.Unfilterable() {
		return false, nil
	}
	reason, err := c.matches(ctx, model.PolicyFilter)
	return reason != "", err
}

func (s *NotifyService) load(ctx context.Context, in NotifyInput) (*notifyCheck, error) {
	c := &notifyCheck{s: s, in: in}
	var err error
	if c.recipient, err = s.accounts.GetByID(ctx, in.RecipientID); err != nil {
		return nil, err
	}
	if c.sender, err = s.accounts.GetByID(ctx, in.FromAccountID); err != nil {
		return nil, err
	}
	if in.StatusID != 0 {
		st, err := s.statuses.GetByID(ctx, in.StatusID)
		if err != nil {
			return nil, err
		}
		if st.DeletedAt.Valid {
			return nil, fmt.Errorf("status %d deleted: %w", st.ID, model.ErrNotFound)
		}
		c.status = st
	}
	following, err := s.follows.Among(ctx, c.recipient.ID, []int64{c.sender.ID})
	if err != nil {
		return nil, err
	}
	c.following = following[c.sender.ID]
	followedBy, err := s.follows.Among(ctx, c.sender.ID, []int64{c.recipient.ID})
	if err != nil {
		return nil, err
	}
	c.followedBy = followedBy[c.recipient.ID]
	if c.policy, err = s.notifications.Policy(ctx, c.recipient.ID); err != nil {
		return nil, err
	}
	if c.sender.Staff {
		c.permitted = true
	} else if c.permitted, err = s.notifications.HasPermission(ctx, c.recipient.ID, c.sender.ID); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *NotifyService) record(o Outcome) { metrics.Notifications.WithLabelValues(string(o)).Inc() }

// Notify 判定并写入一条通知。重复投递返回已存在的记录。
func (s *NotifyService) Notify(ctx context.Context, in NotifyInput) (_ Outcome, _ *model.Notification, err error) {
	ctx, span := startSpan(ctx, "notify",
		attribute.Int64("account.id", in.RecipientID), attribute.String("notification.type", string(in.Type)))
	defer func() { endSpan(span, err) }()

	c, err := s.load(ctx, in)
	if errors.Is(err, model.ErrNotFound) {
		s.record(OutcomeDropped)
		return OutcomeDropped, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if !receives(c.recipient) || c.sender.Suspended {
		s.record(OutcomeDropped)
		return OutcomeDropped, nil, nil
	}
	reason, err := c.dropped(ctx)
	if err != nil {
		return "", nil, err
	}
	if reason != "" {
		logger.Debug("notification dropped",
			zap.Int64("account_id", in.RecipientID), zap.Int64("from_account_id", in.FromAccountID),
			zap.String("type", string(in.Type)), zap.String("reason", reason))
		s.record(OutcomeDropped)
		return OutcomeDropped, nil, nil
	}
	filtered, err := c.filtered(ctx)
	if err != nil {
		return "", nil, err
	}

	n := &model.Notification{
		AccountID:     in.RecipientID,
		FromAccountID: in.FromAccountID,
		Type:          in.Type,
		ActivityType:  in.ActivityType,
		ActivityID:    in.ActivityID,
		Filtered:      filtered,
		CreatedAt:     s.now(),
	}
	if in.StatusID != 0 {
		id := in.StatusID
		n.StatusID = &id
	}
	create := s.notifications.Create
	if filtered {
		create = s.notifications.CreateFiltered
	}
	n, created, err := create(ctx, n)
	if err != nil {
		return "", nil, fmt.Errorf("create notification: %w", err)
	}
	outcome := OutcomeAccepted
	if n.Filtered {
		outcome = OutcomeFiltered
	}
	if !created {
		return outcome, n, nil
	}

	if !n.Filtered {
		if err := s.stream.Notification(ctx, n.AccountID, n.ID); err != nil {
			logger.Warn("stream notification failed", zap.Int64("notification_id", n.ID), zap.Error(err))
		}
	}
	s.record(outcome)
	return outcome, n, nil
}

// NotifyForStatus 新状态：提及、发帖通知、转发
func (s *NotifyService) NotifyForStatus(ctx context.Context, statusID int64) error {
	st, err := s.statuses.GetByID(ctx, statusID)
	if err != nil {
		return err
	}
	if st.DeletedAt.Valid {
		return nil
	}

	if st.IsReblog() {
		orig := st.Target()
		_, _, err := s.Notify(ctx, NotifyInput{
			RecipientID: orig.AccountID, FromAccountID: st.AccountID,
			Type: model.NotificationReblog, ActivityType: "status", ActivityID: st.ID, StatusID: orig.ID,
		})
		return err
	}

	for _, m := range st.Mentions {
		if m.Silent {
			continue
		}
		if _, _, err := s.Notify(ctx, NotifyInput{
			RecipientID: m.AccountID, FromAccountID: st.AccountID,
			Type: model.NotificationMention, ActivityType: "mention", ActivityID: m.ID, StatusID: st.ID,
		}); err != nil {
			return err
		}
	}

	if st.IsReply() || st.Visibility.Addressed() {
		return nil
	}
	subscribers, err := s.follows.NotifyingFollowerIDs(ctx, st.AccountID)
	if err != nil {
		return err
	}
	for _, id := range subscribers {
		if st.MentionsAccount(id) {
			continue
		}
		if _, _, err := s.Notify(ctx, NotifyInput{
			RecipientID: id, FromAccountID: st.AccountID,
			Type: model.NotificationStatus, ActivityType: "status", ActivityID: st.ID, StatusID: st.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// NotifyStatusUpdate 状态变更后通知转发过它的本地账户
func (s *NotifyService) NotifyStatusUpdate(ctx context.Context, statusID int64) error {
	st, err := s.statuses.GetByID(ctx, statusID)
	if err != nil {
		return err
	}
	if st.DeletedAt.Valid || st.IsReblog() {
		return nil
	}
	reblogs, err := s.statuses.ReblogsOf(ctx, st.ID)
	if err != nil {
		return err
	}
	for _, r := range reblogs {
		if r.Account == nil || !r.Account.Local() {
			continue
		}
		if _, _, err := s.Notify(ctx, NotifyInput{
			RecipientID: r.AccountID, FromAccountID: st.AccountID,
			Type: model.NotificationUpdate, ActivityType: "status", ActivityID: st.ID, StatusID: st.ID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// NotifyFollow 新关注
func (s *NotifyService) NotifyFollow(ctx context.Context, followerID, targetID int64) error {
	f, err := s.follows.Get(ctx, followerID, targetID)
	if err != nil {
		return err
	}
	_, _, err = s.Notify(ctx, NotifyInput{
		RecipientID: targetID, FromAccountID: followerID,
		Type: model.NotificationFollow, ActivityType: "follow", ActivityID: f.ID,
	})
	return err
}

// NotifyFavourite 收藏
func (s *NotifyService) NotifyFavourite(ctx context.Context, accountID, statusID, favouriteID int64) error {
	st, err := s.statuses.GetByID(ctx, statusID)
	if err != nil {
		return err
	}
	_, _, err = s.Notify(ctx, NotifyInput{
		RecipientID: st.AccountID, FromAccountID: accountID,
		Type: model.NotificationFavourite, ActivityType: "favourite", ActivityID: favouriteID, StatusID: st.ID,
	})
	return err
}

func (s *NotifyService) ownRequest(ctx context.Context, accountID, requestID int64) (*model.NotificationRequest, error) {
	req, err := s.notifications.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.AccountID != accountID {
		return nil, fmt.Errorf("notification request %d: %w", requestID, model.ErrNotFound)
	}
	return req, nil
}

// AcceptRequest 允许该发送者，放出被过滤的通知并删除请求
func (s *NotifyService) AcceptRequest(ctx context.Context, accountID, requestID int64) error {
	req, err := s.ownRequest(ctx, accountID, requestID)
	if err != nil {
		return err
	}
	if err := s.notifications.GrantPermission(ctx, accountID, req.FromAccountID); err != nil {
		return err
	}
	if _, err := s.notifications.Unfilter(ctx, accountID, req.FromAccountID); err != nil {
		return err
	}
	return s.notifications.DeleteRequest(ctx, req.ID)
}

// DismissRequest 忽略请求，通知保持过滤状态
func (s *NotifyService) DismissRequest(ctx context.Context, accountID, requestID int64) error {
	req, err := s.ownRequest(ctx, accountID, requestID)
	if err != nil {
		return err
	}
	return s.notifications.DismissRequest(ctx, req.ID)
}

// Unfilter 接收者关注了发送者：放出被过滤的通知并删除请求
func (s *NotifyService) Unfilter(ctx context.Context, accountID, fromAccountID int64) error {
	n, err := s.notifications.Unfilter(ctx, accountID, fromAccountID)
	if err != nil {
		return err
	}
	req, err := s.notifications.FindRequest(ctx, accountID, fromAccountID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("notifications unfiltered",
		zap.Int64("account_id", accountID), zap.Int64("from_account_id", fromAccountID), zap.Int64("count", n))
	return s.notifications.DeleteRequest(ctx, req.ID)
}

// ListNotifications 通知分页，游标语义同时间线
func (s *NotifyService) ListNotifications(ctx context.Context, accountID int64, p PageParams, includeFiltered bool) ([]*model.Notification, error) {
	return s.notifications.List(ctx, accountID, repository.NotificationPage{
		MaxID:           p.MaxID,
		SinceID:         p.SinceID,
		MinID:           p.MinID,
		Limit:           clampLimit(p.Limit, s.pages),
		IncludeFiltered: includeFiltered,
	})
}

func (s *NotifyService) ListRequests(ctx context.Context, accountID int64, includeDismissed bool) ([]*model.NotificationRequest, error) {
	return s.notifications.ListRequests(ctx, accountID, includeDismissed)
}
