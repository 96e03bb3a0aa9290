package service

import (
	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/queue"
)

func (s *ServiceTestSuite) publisher(events EventPublisher) *StatusPublisher {
	ids, err := model.NewIDGenerator(1)
	s.Require().NoError(err)
	return NewStatusPublisher(s.db, events, ids).WithClock(s.clock)
}

func (s *ServiceTestSuite) TestPublishRejectsSuspendedAuthor() {
	s.account(5, "banned", func(a *model.Account) { a.Suspended = true })
	events := &captured{}

	_, err := s.publisher(events).Publish(s.ctx, NewStatus{AccountID: 5, Text: "hi"})
	s.ErrorIs(err, ErrForbidden)
	s.Empty(events.types())

	_, err = s.publisher(events).Publish(s.ctx, NewStatus{AccountID: 404, Text: "hi"})
	s.ErrorIs(err, model.ErrNotFound)
}

func (s *ServiceTestSuite) TestPublishReplyCarriesMentionsAndTags() {
	s.trio()
	events := &captured{}
	p := s.publisher(events)

	parent, err := p.Publish(s.ctx, NewStatus{AccountID: alice, Text: "root"})
	s.Require().NoError(err)
	s.Require().NotNil(parent.ConversationID)
	s.Equal(parent.ID, *parent.ConversationID)

	reply, err := p.Publish(s.ctx, NewStatus{
		AccountID:   fred,
		Text:        "re",
		InReplyToID: &parent.ID,
		MentionIDs:  []int64{alice, fred, alice},
		Tags:        []string{"golang"},
		Recipients:  []int64{bob},
	})
	s.Require().NoError(err)
	s.Greater(reply.ID, parent.ID)

	got, err := s.statuses.GetByID(s.ctx, reply.ID)
	s.Require().NoError(err)
	s.Equal(model.VisibilityPublic, got.Visibility)
	s.Require().NotNil(got.InReplyToAccountID)
	s.Equal(alice, *got.InReplyToAccountID)
	s.Equal(parent.ID, *got.ConversationID)
	s.Require().Len(got.Mentions, 1)
	s.Equal(alice, got.Mentions[0].AccountID)
	s.Require().Len(got.Tags, 1)
	s.Equal("golang", got.Tags[0].Name)

	out := events.take()
	s.Require().Len(out, 2)
	var payload event.StatusCreatedPayload
	s.Require().NoError(out[1].Decode(&payload))
	s.Equal(reply.ID, payload.StatusID)
	s.Equal([]int64{bob}, payload.Recipients)
}

func (s *ServiceTestSuite) TestPublishReblogRules() {
	s.trio()
	p := s.publisher(&captured{})

	private, err := p.Publish(s.ctx, NewStatus{AccountID: alice, Text: "friends only", Visibility: model.VisibilityPrivate})
	s.Require().NoError(err)
	_, err = p.Publish(s.ctx, NewStatus{AccountID: fred, ReblogOfID: &private.ID})
	s.ErrorIs(err, ErrForbidden)

	orig, err := p.Publish(s.ctx, NewStatus{AccountID: alice, Text: "hej", Language: "sv"})
	s.Require().NoError(err)
	first, err := p.Publish(s.ctx, NewStatus{AccountID: fred, Text: "ignored", ReblogOfID: &orig.ID})
	s.Require().NoError(err)
	s.Empty(first.Text)
	s.Equal("sv", first.Language)
	s.Equal(*orig.ConversationID, *first.ConversationID)

	// 转发的转发指向原帖
	second, err := p.Publish(s.ctx, NewStatus{AccountID: bob, ReblogOfID: &first.ID})
	s.Require().NoError(err)
	s.Equal(orig.ID, *second.ReblogOfID)

	_, err = p.Publish(s.ctx, NewStatus{AccountID: bob, Text: "x", Visibility: "friends"})
	s.ErrorIs(err, ErrUnprocessable)
}

func (s *ServiceTestSuite) TestDeleteTakesReblogsAlong() {
	s.trio()
	events := &captured{}
	p := s.publisher(events)
	orig, err := p.Publish(s.ctx, NewStatus{AccountID: alice, Text: "hej"})
	s.Require().NoError(err)
	rb, err := p.Publish(s.ctx, NewStatus{AccountID: fred, ReblogOfID: &orig.ID})
	s.Require().NoError(err)
	events.take()

	s.ErrorIs(p.Delete(s.ctx, fred, orig.ID), ErrForbidden)
	s.Require().NoError(p.Delete(s.ctx, alice, orig.ID))

	var deleted []int64
	for _, e := range events.take() {
		s.Equal(event.StatusDeleted, e.Type)
		var payload event.StatusDeletedPayload
		s.Require().NoError(e.Decode(&payload))
		s.Require().NotNil(payload.Status)
		deleted = append(deleted, payload.StatusID)
	}
	s.ElementsMatch([]int64{orig.ID, rb.ID}, deleted)

	gone, err := s.statuses.GetByID(s.ctx, rb.ID)
	s.Require().NoError(err)
	s.True(gone.DeletedAt.Valid)
	s.ErrorIs(p.Delete(s.ctx, alice, orig.ID), model.ErrNotFound)
}

func (s *ServiceTestSuite) TestUpdateVisibility() {
	s.trio()
	events := &captured{}
	p := s.publisher(events)
	st, err := p.Publish(s.ctx, NewStatus{AccountID: alice, Text: "hej"})
	s.Require().NoError(err)
	rb, err := p.Publish(s.ctx, NewStatus{AccountID: fred, ReblogOfID: &st.ID})
	s.Require().NoError(err)
	events.take()

	s.Require().NoError(p.UpdateVisibility(s.ctx, alice, st.ID, model.VisibilityPublic))
	s.Empty(events.types())

	s.ErrorIs(p.UpdateVisibility(s.ctx, fred, st.ID, model.VisibilityPrivate), ErrForbidden)
	s.ErrorIs(p.UpdateVisibility(s.ctx, fred, rb.ID, model.VisibilityPrivate), ErrUnprocessable)
	s.ErrorIs(p.UpdateVisibility(s.ctx, alice, st.ID, "secret"), ErrUnprocessable)

	s.Require().NoError(p.UpdateVisibility(s.ctx, alice, st.ID, model.VisibilityPrivate))
	s.Equal([]event.Type{event.StatusVisibilityChanged}, events.types())
	got, err := s.statuses.GetByID(s.ctx, st.ID)
	s.Require().NoError(err)
	s.Equal(model.VisibilityPrivate, got.Visibility)
}

func (s *ServiceTestSuite) TestFollowRules() {
	s.trio()
	s.account(5, "banned", func(a *model.Account) { a.Suspended = true })
	events := &captured{}
	rel := NewRelationshipService(s.db, events)

	s.ErrorIs(rel.Follow(s.ctx, fred, fred, FollowOptions{}), ErrFollowSelf)
	s.ErrorIs(rel.Follow(s.ctx, fred, 5, FollowOptions{}), ErrForbidden)
	s.ErrorIs(rel.Follow(s.ctx, fred, 404, FollowOptions{}), model.ErrNotFound)

	s.Require().NoError(s.relationships.Block(s.ctx, alice, fred))
	s.ErrorIs(rel.Follow(s.ctx, fred, alice, FollowOptions{}), ErrForbidden)
	s.ErrorIs(rel.Follow(s.ctx, alice, fred, FollowOptions{}), ErrForbidden)
	s.Empty(events.types())

	s.Require().NoError(rel.Follow(s.ctx, fred, bob, FollowOptions{ShowReblogs: true, Languages: []string{"en"}}))
	out := events.take()
	s.Require().Len(out, 1)
	var payload event.FollowPayload
	s.Require().NoError(out[0].Decode(&payload))
	s.Equal(event.FollowPayload{AccountID: fred, TargetAccountID: bob, ShowReblogs: true, Languages: []string{"en"}}, payload)

	following, err := rel.ListFollowing(s.ctx, fred, 0, 0)
	s.Require().NoError(err)
	s.Equal([]int64{bob}, following)
}

func (s *ServiceTestSuite) TestBlockDestroysFollowsBothWays() {
	s.trio()
	s.follow(fred, alice)
	s.follow(alice, fred)
	s.follow(bob, alice)
	events := &captured{}
	rel := NewRelationshipService(s.db, events)

	s.Require().NoError(rel.Block(s.ctx, fred, alice))
	s.Equal([]event.Type{event.BlockCreated, event.FollowDestroyed, event.FollowDestroyed}, events.types())

	for _, p := range [][2]int64{{fred, alice}, {alice, fred}} {
		ok, err := s.follows.Exists(s.ctx, p[0], p[1])
		s.Require().NoError(err)
		s.False(ok)
	}
	ok, err := s.follows.Exists(s.ctx, bob, alice)
	s.Require().NoError(err)
	s.True(ok)

	s.ErrorIs(rel.Block(s.ctx, fred, fred), ErrForbidden)
}

func (s *ServiceTestSuite) TestAddToListRules() {
	s.trio()
	s.follow(fred, alice)
	mine := &model.List{AccountID: fred, Title: "mine", RepliesPolicy: model.RepliesPolicyList}
	s.Require().NoError(s.lists.Create(s.ctx, mine))
	theirs := &model.List{AccountID: bob, Title: "theirs", RepliesPolicy: model.RepliesPolicyList}
	s.Require().NoError(s.lists.Create(s.ctx, theirs))
	events := &captured{}
	rel := NewRelationshipService(s.db, events)

	s.ErrorIs(rel.AddToList(s.ctx, fred, theirs.ID, alice), model.ErrNotFound)
	s.ErrorIs(rel.AddToList(s.ctx, fred, mine.ID, bob), ErrForbidden)
	s.Empty(events.types())

	s.Require().NoError(rel.AddToList(s.ctx, fred, mine.ID, alice))
	members, err := s.lists.MemberIDs(s.ctx, mine.ID)
	s.Require().NoError(err)
	s.Equal([]int64{alice}, members)

	s.Require().NoError(rel.RemoveFromList(s.ctx, fred, mine.ID, alice))
	s.Equal([]event.Type{event.ListMembershipCreated, event.ListMembershipDestroyed}, events.types())
}

func (s *ServiceTestSuite) TestFollowTagAndSuspend() {
	s.trio()
	events := &captured{}
	rel := NewRelationshipService(s.db, events)

	s.Require().NoError(rel.FollowTag(s.ctx, fred, "#GoLang"))
	out := events.take()
	s.Require().Len(out, 1)
	var payload event.TagFollowPayload
	s.Require().NoError(out[0].Decode(&payload))
	s.Equal("golang", payload.Tag)

	s.Require().NoError(rel.UnfollowTag(s.ctx, fred, "golang"))
	s.ErrorIs(rel.UnfollowTag(s.ctx, fred, "rust"), model.ErrNotFound)
	events.take()

	s.Require().NoError(rel.Suspend(s.ctx, alice))
	s.Require().NoError(rel.Suspend(s.ctx, alice))
	s.Require().NoError(rel.Unsuspend(s.ctx, alice))
	s.Equal([]event.Type{event.AccountSuspended, event.AccountUnsuspended}, events.types())
}

func (s *ServiceTestSuite) TestOutboxCarriesWritesToTimelines() {
	s.trio()
	ob := queue.NewOutbox(s.db, queue.Options{})
	rel := NewRelationshipService(s.db, ob)
	p := s.publisher(ob)
	handler := NewDispatcher(s.fanout, s.notify).Handler()

	s.Require().NoError(rel.Follow(s.ctx, fred, alice, FollowOptions{ShowReblogs: true}))
	st, err := p.Publish(s.ctx, NewStatus{AccountID: alice, Text: "hej", MentionIDs: []int64{bob}})
	s.Require().NoError(err)

	n, err := ob.ProcessOnce(s.ctx, handler)
	s.Require().NoError(err)
	s.Equal(2, n)
	pending, err := ob.Pending(s.ctx)
	s.Require().NoError(err)
	s.Zero(pending)

	s.Equal([]int64{st.ID}, s.entries(model.HomeTimeline(fred)))
	follows, err := s.notify.ListNotifications(s.ctx, alice, PageParams{}, false)
	s.Require().NoError(err)
	s.Require().Len(follows, 1)
	s.Equal(model.NotificationFollow, follows[0].Type)
	mentions, err := s.notify.ListNotifications(s.ctx, bob, PageParams{}, false)
	s.Require().NoError(err)
	s.Require().Len(mentions, 1)
	s.Equal(model.NotificationMention, mentions[0].Type)

	s.Require().NoError(p.Delete(s.ctx, alice, st.ID))
	_, err = ob.ProcessOnce(s.ctx, handler)
	s.Require().NoError(err)
	s.Empty(s.entries(model.HomeTimeline(fred)))
}
