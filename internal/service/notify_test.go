package service

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

const (
	rita int64 = 10
	sam  int64 = 11
)

func (s *ServiceTestSuite) pair(opts ...func(*model.Account)) {
	s.account(rita, "rita")
	s.account(sam, "sam", opts...)
}

func (s *ServiceTestSuite) policy(mut func(p *model.NotificationPolicy)) {
	p := model.DefaultNotificationPolicy(rita)
	mut(p)
	s.Require().NoError(s.notifications.SavePolicy(s.ctx, p))
}

func (s *ServiceTestSuite) favourite(id int64) Outcome {
	st := s.post(rita, model.VisibilityPublic)
	out, _, err := s.notify.Notify(s.ctx, NotifyInput{
		RecipientID: rita, FromAccountID: sam,
		Type: model.NotificationFavourite, ActivityType: "favourite", ActivityID: id, StatusID: st.ID,
	})
	s.Require().NoError(err)
	return out
}

func (s *ServiceTestSuite) TestMentionNotificationAccepted() {
	s.pair()
	st := s.post(sam, model.VisibilityPublic, mentioning(rita))
	s.Require().NoError(s.notify.NotifyForStatus(s.ctx, st.ID))

	got, err := s.notify.ListNotifications(s.ctx, rita, PageParams{}, false)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(model.NotificationMention, got[0].Type)
	s.Equal(sam, got[0].FromAccountID)
	s.False(got[0].Filtered)
	s.Equal([]int64{got[0].ID}, s.stream.notifications)
}

func (s *ServiceTestSuite) TestNotifyIsIdempotent() {
	s.pair()
	st := s.post(rita, model.VisibilityPublic)
	in := NotifyInput{
		RecipientID: rita, FromAccountID: sam,
		Type: model.NotificationFavourite, ActivityType: "favourite", ActivityID: 77, StatusID: st.ID,
	}
	out, first, err := s.notify.Notify(s.ctx, in)
	s.Require().NoError(err)
	s.Equal(OutcomeAccepted, out)
	out, again, err := s.notify.Notify(s.ctx, in)
	s.Require().NoError(err)
	s.Equal(OutcomeAccepted, out)
	s.Equal(first.ID, again.ID)
	s.Len(s.stream.notifications, 1)
}

func (s *ServiceTestSuite) TestDropReasons() {
	s.pair()
	s.account(12, "other")

	st := s.post(rita, model.VisibilityPublic)
	out, _, err := s.notify.Notify(s.ctx, NotifyInput{
		RecipientID: rita, FromAccountID: rita,
		Type: model.NotificationFavourite, ActivityType: "favourite", ActivityID: 1, StatusID: st.ID,
	})
	s.Require().NoError(err)
	s.Equal(OutcomeDropped, out)

	s.Require().NoError(s.relationships.Mute(s.ctx, &model.Mute{AccountID: rita, TargetAccountID: sam}))
	s.Equal(OutcomeAccepted, s.favourite(2), "mute without hiding notifications")

	s.Require().NoError(s.relationships.Mute(s.ctx, &model.Mute{AccountID: rita, TargetAccountID: sam, HideNotifications: true}))
	s.Equal(OutcomeDropped, s.favourite(3))

	expired := s.now.Add(-time.Minute)
	s.Require().NoError(s.relationships.Mute(s.ctx, &model.Mute{AccountID: rita, TargetAccountID: sam, HideNotifications: true, ExpiresAt: &expired}))
	s.Equal(OutcomeAccepted, s.favourite(4))

	s.Require().NoError(s.relationships.Block(s.ctx, rita, sam))
	s.Equal(OutcomeDropped, s.favourite(5))

	// 删除的状态与不存在的账户都直接丢弃
	gone := s.post(rita, model.VisibilityPublic)
	s.Require().NoError(s.statuses.Delete(s.ctx, gone.ID))
	out, _, err = s.notify.Notify(s.ctx, NotifyInput{
		RecipientID: rita, FromAccountID: 12,
		Type: model.NotificationFavourite, ActivityType: "favourite", ActivityID: 6, StatusID: gone.ID,
	})
	s.Require().NoError(err)
	s.Equal(OutcomeDropped, out)
	out, _, err = s.notify.Notify(s.ctx, NotifyInput{
		RecipientID: rita, FromAccountID: 999,
		Type: model.NotificationFollow, ActivityType: "follow", ActivityID: 7,
	})
	s.Require().NoError(err)
	s.Equal(OutcomeDropped, out)
}

func (s *ServiceTestSuite) TestStaffBypassesBlockAndPolicy() {
	s.pair(func(a *model.Account) { a.Staff = true })
	s.policy(func(p *model.NotificationPolicy) { p.ForNotFollowing = model.PolicyDrop })
	s.Require().NoError(s.relationships.Block(s.ctx, rita, sam))

	s.Equal(OutcomeAccepted, s.favourite(1))
}

func (s *ServiceTestSuite) TestConversationMuteDropsMentions() {
	s.pair()
	root := s.post(rita, model.VisibilityPublic)
	s.Require().NoError(s.relationships.MuteConversation(s.ctx, rita, *root.ConversationID))

	reply := s.post(sam, model.VisibilityPublic, replyTo(root), mentioning(rita))
	s.Require().NoError(s.notify.NotifyForStatus(s.ctx, reply.ID))

	got, err := s.notify.ListNotifications(s.ctx, rita, PageParams{}, true)
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *ServiceTestSuite) TestMentionReplyingToBlockedAccountDropped() {
	s.pair()
	s.account(12, "troll")
	s.Require().NoError(s.relationships.Block(s.ctx, rita, 12))
	parent := s.post(12, model.VisibilityPublic)

	reply := s.post(sam, model.VisibilityPublic, replyTo(parent), mentioning(rita))
	s.Require().NoError(s.notify.NotifyForStatus(s.ctx, reply.ID))

	got, err := s.notify.ListNotifications(s.ctx, rita, PageParams{}, true)
	s.Require().NoError(err)
	s.Empty(got)
}

func (s *ServiceTestSuite) TestPolicyFilterCreatesRequest() {
	s.pair()
	s.policy(func(p *model.NotificationPolicy) { p.ForNotFollowing = model.PolicyFilter })

	s.Equal(OutcomeFiltered, s.favourite(1))
	s.Equal(OutcomeFiltered, s.favourite(2))
	s.Empty(s.stream.notifications)

	visible, err := s.notify.ListNotifications(s.ctx, rita, PageParams{}, false)
	s.Require().NoError(err)
	s.Empty(visible)
	all, err := s.notify.ListNotifications(s.ctx, rita, PageParams{}, true)
	s.Require().NoError(err)
	s.Len(all, 2)

	reqs, err := s.notify.ListRequests(s.ctx, rita, false)
	s.Require().NoError(err)
	s.Require().Len(reqs, 1)
	s.Equal(sam, reqs[0].FromAccountID)
	s.EqualValues(2, reqs[0].NotificationsCount)

	// 关注对方后过滤解除
	s.follow(rita, sam)
	s.Require().NoError(s.notify.Unfilter(s.ctx, rita, sam))
	visible, err = s.notify.ListNotifications(s.ctx, rita, PageParams{}, false)
	s.Require().NoError(err)
	s.Len(visible, 2)
	reqs, err = s.notify.ListRequests(s.ctx, rita, true)
	s.Require().NoError(err)
	s.Empty(reqs)
	s.Equal(OutcomeAccepted, s.favourite(3))
}

func (s *ServiceTestSuite) TestPolicyDropAndPermission() {
	s.pair(func(a *model.Account) { a.CreatedAt = s.now.Add(-24 * time.Hour) })
	s.policy(func(p *model.NotificationPolicy) { p.ForNewAccounts = model.PolicyDrop })

	s.Equal(OutcomeDropped, s.favourite(1))

	s.Require().NoError(s.notifications.GrantPermission(s.ctx, rita, sam))
	s.Equal(OutcomeAccepted, s.favourite(2))
}

func (s *ServiceTestSuite) TestNewAccountExemptWhenFollowed() {
	s.pair(func(a *model.Account) { a.CreatedAt = s.now.Add(-24 * time.Hour) })
	s.policy(func(p *model.NotificationPolicy) { p.ForNewAccounts = model.PolicyFilter })
	s.follow(rita, sam)

	s.Equal(OutcomeAccepted, s.favourite(1))
}

func (s *ServiceTestSuite) TestLimitedAccountsFilteredByDefault() {
	s.pair(func(a *model.Account) { a.Silenced = true })
	s.Equal(OutcomeFiltered, s.favourite(1))

	s.follow(rita, sam)
	s.Equal(OutcomeAccepted, s.favourite(2))
}

func (s *ServiceTestSuite) TestNotFollowersRequiresFollowAge() {
	s.pair()
	s.policy(func(p *model.NotificationPolicy) { p.ForNotFollowers = model.PolicyFilter })

	s.Equal(OutcomeFiltered, s.favourite(1))

	s.follow(sam, rita)
	s.Equal(OutcomeFiltered, s.favourite(2), "follow is too recent")

	s.now = s.now.Add(4 * 24 * time.Hour)
	s.Equal(OutcomeAccepted, s.favourite(3))
}

func (s *ServiceTestSuite) TestPrivateMentionFilter() {
	s.pair()
	s.policy(func(p *model.NotificationPolicy) { p.ForPrivateMentions = model.PolicyFilter })

	dm := s.post(sam, model.VisibilityDirect, mentioning(rita))
	s.Require().NoError(s.notify.NotifyForStatus(s.ctx, dm.ID))

	// 回复 rita 此前提及 sam 的私信不算陌生私信
	ours := s.post(rita, model.VisibilityDirect, mentioning(sam))
	reply := s.post(sam, model.VisibilityDirect, replyTo(ours), mentioning(rita))
	s.Require().NoError(s.notify.NotifyForStatus(s.ctx, reply.ID))

	all, err := s.notify.ListNotifications(s.ctx, rita, PageParams{}, true)
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	byStatus := map[int64]bool{}
	for _, n := range all {
		byStatus[*n.StatusID] = n.Filtered
	}
	s.True(byStatus[dm.ID])
	s.False(byStatus[reply.ID])
}

func (s *ServiceTestSuite) TestUpdatesAreNeverFiltered() {
	s.pair()
	s.account(12, "booster")
	s.policy(func(p *model.NotificationPolicy) { p.ForNotFollowing = model.PolicyDrop })
	other := model.DefaultNotificationPolicy(12)
	other.ForNotFollowing = model.PolicyDrop
	s.Require().NoError(s.notifications.SavePolicy(s.ctx, other))

	st := s.post(sam, model.VisibilityPublic)
	s.reblog(rita, st)
	s.reblog(12, st)
	s.Require().NoError(s.notify.NotifyStatusUpdate(s.ctx, st.ID))

	for _, id := range []int64{rita, 12} {
		got, err := s.notify.ListNotifications(s.ctx, id, PageParams{}, false)
		s.Require().NoError(err)
		s.Require().Len(got, 1)
		s.Equal(model.NotificationUpdate, got[0].Type)
	}
}

func (s *ServiceTestSuite) TestAcceptAndDismissRequests() {
	s.pair()
	s.account(12, "stranger")
	s.policy(func(p *model.NotificationPolicy) { p.ForNotFollowing = model.PolicyFilter })

	s.Equal(OutcomeFiltered, s.favourite(1))
	st := s.post(rita, model.VisibilityPublic)
	out, _, err := s.notify.Notify(s.ctx, NotifyInput{
		RecipientID: rita, FromAccountID: 12,
		Type: model.NotificationFavourite, ActivityType: "favourite", ActivityID: 2, StatusID: st.ID,
	})
	s.Require().NoError(err)
	s.Equal(OutcomeFiltered, out)

	fromSam, err := s.notifications.FindRequest(s.ctx, rita, sam)
	s.Require().NoError(err)
	fromStranger, err := s.notifications.FindRequest(s.ctx, rita, 12)
	s.Require().NoError(err)

	s.ErrorIs(s.notify.AcceptRequest(s.ctx, sam, fromSam.ID), model.ErrNotFound)

	s.Require().NoError(s.notify.AcceptRequest(s.ctx, rita, fromSam.ID))
	s.Equal(OutcomeAccepted, s.favourite(3))

	s.Require().NoError(s.notify.DismissRequest(s.ctx, rita, fromStranger.ID))
	open, err := s.notify.ListRequests(s.ctx, rita, false)
	s.Require().NoError(err)
	s.Empty(open)
	dismissed, err := s.notify.ListRequests(s.ctx, rita, true)
	s.Require().NoError(err)
	s.Len(dismissed, 1)

	visible, err := s.notify.ListNotifications(s.ctx, rita, PageParams{}, false)
	s.Require().NoError(err)
	s.Len(visible, 2)
	for _, n := range visible {
		s.Equal(sam, n.FromAccountID)
	}
}

func (s *ServiceTestSuite) TestStatusSubscribersAndReblogs() {
	s.pair()
	s.follow(rita, sam, func(f *model.Follow) { f.Notify = true })

	st := s.post(sam, model.VisibilityPublic)
	s.Require().NoError(s.notify.NotifyForStatus(s.ctx, st.ID))
	reply := s.post(sam, model.VisibilityPublic, replyTo(st))
	s.Require().NoError(s.notify.NotifyForStatus(s.ctx, reply.ID))

	mine := s.post(rita, model.VisibilityPublic)
	rb := s.reblog(sam, mine)
	s.Require().NoError(s.notify.NotifyForStatus(s.ctx, rb.ID))

	s.Require().NoError(s.notify.NotifyFollow(s.ctx, rita, sam))
	s.Require().NoError(s.notify.NotifyFavourite(s.ctx, rita, st.ID, 42))

	got, err := s.notify.ListNotifications(s.ctx, rita, PageParams{}, false)
	s.Require().NoError(err)
	types := map[model.NotificationType]int{}
	for _, n := range got {
		types[n.Type]++
	}
	s.Equal(map[model.NotificationType]int{model.NotificationStatus: 1, model.NotificationReblog: 1}, types)

	forSam, err := s.notify.ListNotifications(s.ctx, sam, PageParams{}, false)
	s.Require().NoError(err)
	types = map[model.NotificationType]int{}
	for _, n := range forSam {
		types[n.Type]++
	}
	s.Equal(map[model.NotificationType]int{model.NotificationFollow: 1, model.NotificationFavourite: 1}, types)
}

func (s *ServiceTestSuite) TestListNotificationsPages() {
	s.pair()
	for i := int64(1); i <= 5; i++ {
		s.favourite(i)
	}
	first, err := s.notify.ListNotifications(s.ctx, rita, PageParams{Limit: 2}, false)
	s.Require().NoError(err)
	s.Require().Len(first, 2)
	s.Greater(first[0].ID, first[1].ID)

	next, err := s.notify.ListNotifications(s.ctx, rita, PageParams{MaxID: first[1].ID, Limit: 2}, false)
	s.Require().NoError(err)
	s.Require().Len(next, 2)
	s.Less(next[0].ID, first[1].ID)

	newer, err := s.notify.ListNotifications(s.ctx, rita, PageParams{MinID: next[0].ID, Limit: 2}, false)
	s.Require().NoError(err)
	s.Equal([]int64{first[0].ID, first[1].ID}, []int64{newer[0].ID, newer[1].ID})
}

// failRequestsOnce 让下一次写 notification_requests 失败
func (s *ServiceTestSuite) failRequestsOnce() {
	armed := true
	s.Require().NoError(s.db.Callback().Create().Before("gorm:create").Register("test:fail_requests", func(tx *gorm.DB) {
		if armed && tx.Statement.Table == "notification_requests" {
			armed = false
			_ = tx.AddError(errors.New("db timeout"))
		}
	}))
}

func (s *ServiceTestSuite) TestFilteredNotificationRetryKeepsRequest() {
	s.pair()
	s.policy(func(p *model.NotificationPolicy) { p.ForNotFollowing = model.PolicyFilter })
	st := s.post(rita, model.VisibilityPublic)
	in := NotifyInput{
		RecipientID: rita, FromAccountID: sam,
		Type: model.NotificationFavourite, ActivityType: "favourite", ActivityID: 1, StatusID: st.ID,
	}

	s.failRequestsOnce()
	_, _, err := s.notify.Notify(s.ctx, in)
	s.Require().Error(err)
	all, err := s.notify.ListNotifications(s.ctx, rita, PageParams{}, true)
	s.Require().NoError(err)
	s.Empty(all)

	out, n, err := s.notify.Notify(s.ctx, in)
	s.Require().NoError(err)
	s.Equal(OutcomeFiltered, out)
	s.True(n.Filtered)

	reqs, err := s.notify.ListRequests(s.ctx, rita, false)
	s.Require().NoError(err)
	s.Require().Len(reqs, 1)
	s.EqualValues(1, reqs[0].NotificationsCount)

	// 重复投递不再累计
	_, _, err = s.notify.Notify(s.ctx, in)
	s.Require().NoError(err)
	reqs, err = s.notify.ListRequests(s.ctx, rita, false)
	s.Require().NoError(err)
	s.Require().Len(reqs, 1)
	s.EqualValues(1, reqs[0].NotificationsCount)
}
