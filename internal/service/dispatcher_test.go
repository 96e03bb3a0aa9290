package service

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/d60-Lab/timeline-fanout/internal/event"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/queue"
)

// captured 收集投递的事件，由测试手动交给 Dispatcher
type captured struct {
	mu     sync.Mutex
	events []*event.Event
}

func (c *captured) Publish(_ context.Context, e *event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captured) take() []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

func (c *captured) types() []event.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.Type, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

// drain 依次处理已投递的事件
func (s *ServiceTestSuite) drain(c *captured) {
	d := NewDispatcher(s.fanout, s.notify)
	for _, e := range c.take() {
		s.Require().NoError(d.Handle(s.ctx, e), "event %s", e.Type)
	}
}

func (s *ServiceTestSuite) dispatch(t event.Type, payload any) error {
	e, err := event.New(t, payload)
	s.Require().NoError(err)
	return NewDispatcher(s.fanout, s.notify).Handle(s.ctx, e)
}

func (s *ServiceTestSuite) TestDispatchMissingTargetsSucceed() {
	s.trio()
	s.NoError(s.dispatch(event.StatusCreated, event.StatusCreatedPayload{StatusID: 424242}))
	s.NoError(s.dispatch(event.FavouriteCreated, event.FavouritePayload{AccountID: fred, StatusID: 424242, FavouriteID: 1}))
	s.NoError(s.dispatch(event.ListMembershipCreated, event.ListMembershipPayload{ListID: 99, AccountID: alice}))
	s.NoError(s.dispatch(event.TimelineRegenerate, event.RegeneratePayload{AccountID: 404, Kind: "home"}))
}

func (s *ServiceTestSuite) TestDispatchMalformedEventsArePermanent() {
	d := NewDispatcher(s.fanout, s.notify)

	unknown := &event.Event{ID: uuid.NewString(), Type: "status.edited", Payload: []byte(`{}`)}
	err := d.Handle(s.ctx, unknown)
	s.Require().Error(err)
	s.True(queue.IsPermanent(err))

	bad := &event.Event{ID: uuid.NewString(), Type: event.StatusCreated, Payload: []byte(`{"status_id":0}`)}
	err = d.Handle(s.ctx, bad)
	s.Require().Error(err)
	s.True(queue.IsPermanent(err))
	s.ErrorIs(err, event.ErrInvalid)
}

func (s *ServiceTestSuite) TestDispatchForeignListRegenerationIsPermanent() {
	s.trio()
	l := &model.List{AccountID: alice, Title: "mine", RepliesPolicy: model.RepliesPolicyList}
	s.Require().NoError(s.lists.Create(s.ctx, l))

	err := s.dispatch(event.TimelineRegenerate, event.RegeneratePayload{AccountID: fred, Kind: "list", ListID: l.ID})
	s.Require().Error(err)
	s.True(queue.IsPermanent(err))
	s.ErrorIs(err, model.ErrMalformedTimelineKey)
}

func (s *ServiceTestSuite) TestDispatchFollowMergesAndNotifies() {
	s.trio()
	mine := s.post(fred, model.VisibilityPublic)
	s.publish(mine)
	st := s.post(alice, model.VisibilityPublic)

	s.follow(fred, alice)
	s.Require().NoError(s.dispatch(event.FollowCreated, event.FollowPayload{AccountID: fred, TargetAccountID: alice, ShowReblogs: true}))

	s.Equal([]int64{st.ID, mine.ID}, s.entries(model.HomeTimeline(fred)))
	got, err := s.notify.ListNotifications(s.ctx, alice, PageParams{}, false)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(model.NotificationFollow, got[0].Type)

	s.Require().NoError(s.follows.Delete(s.ctx, fred, alice))
	s.Require().NoError(s.dispatch(event.FollowDestroyed, event.RelationshipPayload{AccountID: fred, TargetAccountID: alice}))
	s.Equal([]int64{mine.ID}, s.entries(model.HomeTimeline(fred)))

	// 索引已失效，新状态不再推给 fred
	next := s.post(alice, model.VisibilityPublic)
	s.Require().NoError(s.dispatch(event.StatusCreated, event.StatusCreatedPayload{StatusID: next.ID}))
	s.Equal([]int64{mine.ID}, s.entries(model.HomeTimeline(fred)))
}

func (s *ServiceTestSuite) TestDispatchBlockClearsBothSides() {
	s.trio()
	s.follow(fred, alice)
	s.follow(alice, fred)
	a := s.post(alice, model.VisibilityPublic)
	s.publish(a)
	f := s.post(fred, model.VisibilityPublic)
	s.publish(f)
	s.Len(s.entries(model.HomeTimeline(fred)), 2)
	s.Len(s.entries(model.HomeTimeline(alice)), 2)

	s.Require().NoError(s.relationships.Block(s.ctx, fred, alice))
	s.Require().NoError(s.dispatch(event.BlockCreated, event.RelationshipPayload{AccountID: fred, TargetAccountID: alice}))

	s.Equal([]int64{f.ID}, s.entries(model.HomeTimeline(fred)))
	s.Equal([]int64{a.ID}, s.entries(model.HomeTimeline(alice)))
}

func (s *ServiceTestSuite) TestDispatchStatusCreatedNotifiesMentions() {
	s.trio()
	s.follow(fred, alice)
	st := s.post(alice, model.VisibilityPublic, mentioning(bob))

	s.Require().NoError(s.dispatch(event.StatusCreated, event.StatusCreatedPayload{StatusID: st.ID}))

	s.Equal([]int64{st.ID}, s.entries(model.HomeTimeline(fred)))
	got, err := s.notify.ListNotifications(s.ctx, bob, PageParams{}, false)
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(model.NotificationMention, got[0].Type)
}

func (s *ServiceTestSuite) TestDispatchUnblockIsNoop() {
	s.trio()
	s.NoError(s.dispatch(event.BlockDestroyed, event.RelationshipPayload{AccountID: fred, TargetAccountID: alice}))
	s.NoError(s.dispatch(event.MuteDestroyed, event.RelationshipPayload{AccountID: fred, TargetAccountID: alice}))
	s.NoError(s.dispatch(event.DomainBlockDestroyed, event.DomainBlockPayload{AccountID: fred, Domain: "example.org"}))
}
