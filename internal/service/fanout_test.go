package service

import (
	"time"

	"github.com/d60-Lab/timeline-fanout/config"
	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/timeline"
)

const (
	alice int64 = 1
	fred  int64 = 2
	bob   int64 = 3
)

func (s *ServiceTestSuite) trio() {
	s.account(alice, "alice")
	s.account(fred, "fred")
	s.account(bob, "bob")
}

func (s *ServiceTestSuite) TestFanOutOnCreateReachesFollowers() {
	s.trio()
	s.follow(fred, alice)

	st := s.post(alice, model.VisibilityPublic)
	s.publish(st)

	s.Equal([]int64{st.ID}, s.entries(model.HomeTimeline(fred)))
	s.Equal([]int64{st.ID}, s.entries(model.HomeTimeline(alice)))
	s.Empty(s.entries(model.HomeTimeline(bob)))
	s.Contains(s.stream.updates, model.HomeTimeline(fred).String()+"/"+itoa(st.ID))
}

func (s *ServiceTestSuite) TestReblogSharesSlotWithOriginal() {
	s.trio()
	s.follow(fred, alice)
	s.follow(fred, bob)

	orig := s.post(alice, model.VisibilityPublic)
	s.publish(orig)
	rb := s.reblog(bob, orig)
	s.publish(rb)

	s.Equal([]int64{orig.ID}, s.entries(model.HomeTimeline(fred)))
	s.Equal([]int64{rb.ID}, s.entries(model.HomeTimeline(bob)))

	// 取关原作者后转发接替位置
	s.unfollow(fred, alice)
	s.Require().NoError(s.fanout.UnmergeFromHome(s.ctx, fred, alice))
	s.Equal([]int64{rb.ID}, s.entries(model.HomeTimeline(fred)))
}

func (s *ServiceTestSuite) TestSlotDroppedWhenReblogIneligible() {
	s.trio()
	s.follow(fred, alice)
	s.follow(fred, bob, func(f *model.Follow) { f.ShowReblogs = false })

	orig := s.post(alice, model.VisibilityPublic)
	s.publish(orig)
	rb := s.reblog(bob, orig)
	s.publish(rb)

	s.unfollow(fred, alice)
	s.Require().NoError(s.fanout.UnmergeFromHome(s.ctx, fred, alice))
	s.Empty(s.entries(model.HomeTimeline(fred)))
}

func (s *ServiceTestSuite) TestDeletedOriginalTakesReblogsWithIt() {
	s.trio()
	s.follow(fred, alice)
	s.follow(fred, bob)

	orig := s.post(alice, model.VisibilityPublic)
	s.publish(orig)
	rb := s.reblog(bob, orig)
	s.publish(rb)

	s.Require().NoError(s.statuses.Delete(s.ctx, rb.ID))
	s.Require().NoError(s.statuses.Delete(s.ctx, orig.ID))
	s.Require().NoError(s.fanout.FanOutOnDelete(s.ctx, orig.ID, nil))

	s.Empty(s.entries(model.HomeTimeline(fred)))
	s.Empty(s.entries(model.HomeTimeline(alice)))
}

func (s *ServiceTestSuite) TestMuteClearsAndBlocksFuturePushes() {
	s.trio()
	s.follow(fred, alice)
	s.follow(fred, bob)

	a1 := s.post(alice, model.VisibilityPublic)
	s.publish(a1)
	b1 := s.post(bob, model.VisibilityPublic, mentioning(alice))
	s.publish(b1)
	b2 := s.post(bob, model.VisibilityPublic)
	s.publish(b2)
	s.Len(s.entries(model.HomeTimeline(fred)), 3)

	s.Require().NoError(s.relationships.Mute(s.ctx, &model.Mute{AccountID: fred, TargetAccountID: alice}))
	s.Require().NoError(s.fanout.ClearFromHome(s.ctx, fred, alice))
	s.Equal([]int64{b2.ID}, s.entries(model.HomeTimeline(fred)))

	a2 := s.post(alice, model.VisibilityPublic)
	s.publish(a2)
	s.Equal([]int64{b2.ID}, s.entries(model.HomeTimeline(fred)))
}

func (s *ServiceTestSuite) TestFullTimelineEvictsLowest() {
	s.trio()
	s.follow(fred, alice)
	key := model.HomeTimeline(fred)
	for id := int64(1); id <= 400; id++ {
		_, err := s.store.Push(s.ctx, key, timeline.Entry{StatusID: id})
		s.Require().NoError(err)
	}

	st := s.post(alice, model.VisibilityPublic)
	s.publish(st)

	n, err := s.store.Count(s.ctx, key)
	s.Require().NoError(err)
	s.EqualValues(400, n)
	ok, err := s.store.Contains(s.ctx, key, 1)
	s.Require().NoError(err)
	s.False(ok)
	ok, err = s.store.Contains(s.ctx, key, st.ID)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *ServiceTestSuite) TestFollowLanguagesFilterPushes() {
	s.trio()
	s.follow(fred, alice, func(f *model.Follow) { f.Languages = []string{"en"} })

	fr := s.post(alice, model.VisibilityPublic, inLanguage("fr"))
	s.publish(fr)
	en := s.post(alice, model.VisibilityPublic, inLanguage("en"))
	s.publish(en)

	s.Equal([]int64{en.ID}, s.entries(model.HomeTimeline(fred)))
}

func (s *ServiceTestSuite) TestDirectAndLimitedDelivery() {
	s.trio()

	dm := s.post(alice, model.VisibilityDirect, mentioning(fred))
	s.publish(dm)
	s.Equal([]int64{dm.ID}, s.entries(model.DirectTimeline(fred)))
	s.Equal([]int64{dm.ID}, s.entries(model.DirectTimeline(alice)))
	s.Empty(s.entries(model.HomeTimeline(fred)))
	s.Empty(s.entries(model.DirectTimeline(bob)))

	limited := s.post(alice, model.VisibilityLimited, mentioning(fred))
	s.publish(limited, bob)
	s.Equal([]int64{limited.ID}, s.entries(model.HomeTimeline(fred)))
	// bob 被显式寻址但未被提及
	s.Empty(s.entries(model.HomeTimeline(bob)))
}

func (s *ServiceTestSuite) TestPrivateStatusStaysWithFollowers() {
	s.trio()
	s.follow(fred, alice)

	st := s.post(alice, model.VisibilityPrivate)
	s.publish(st)
	s.Equal([]int64{st.ID}, s.entries(model.HomeTimeline(fred)))
	s.Empty(s.entries(model.HomeTimeline(bob)))
}

func (s *ServiceTestSuite) TestInactiveRecipientsAreSkipped() {
	s.account(alice, "alice")
	stale := s.now.Add(-30 * 24 * time.Hour)
	s.account(fred, "fred", func(a *model.Account) { a.LastActiveAt = &stale })
	s.follow(fred, alice)

	fanout := s.newFanout(config.FanoutConfig{InactiveAfter: 14 * 24 * time.Hour})
	st := s.post(alice, model.VisibilityPublic)
	s.Require().NoError(fanout.FanOutOnCreate(s.ctx, st.ID, nil))

	s.Empty(s.entries(model.HomeTimeline(fred)))
	s.Equal([]int64{st.ID}, s.entries(model.HomeTimeline(alice)))
}

func (s *ServiceTestSuite) TestRepliesReachOnlyThoseFollowingBoth() {
	s.trio()
	s.follow(fred, alice)

	parent := s.post(bob, model.VisibilityPublic)
	reply := s.post(alice, model.VisibilityPublic, replyTo(parent))
	s.publish(reply)
	s.Empty(s.entries(model.HomeTimeline(fred)))

	s.follow(fred, bob)
	again := s.post(alice, model.VisibilityPublic, replyTo(parent))
	s.publish(again)
	s.Equal([]int64{again.ID}, s.entries(model.HomeTimeline(fred)))
}

func (s *ServiceTestSuite) TestFanOutOnUpdateRetractsNarrowedStatus() {
	s.trio()
	s.follow(fred, alice)
	st := s.post(alice, model.VisibilityPublic)
	s.publish(st)
	s.Equal([]int64{st.ID}, s.entries(model.HomeTimeline(fred)))

	s.Require().NoError(s.statuses.UpdateVisibility(s.ctx, st.ID, model.VisibilityDirect))
	s.Require().NoError(s.fanout.FanOutOnUpdate(s.ctx, st.ID))

	s.Empty(s.entries(model.HomeTimeline(fred)))
	s.Empty(s.entries(model.HomeTimeline(alice)))
	s.Equal([]int64{st.ID}, s.entries(model.DirectTimeline(alice)))
	s.Contains(s.stream.deletes, model.HomeTimeline(fred).String()+"/"+itoa(st.ID))
}

func (s *ServiceTestSuite) TestListTimelineFollowsMembership() {
	s.trio()
	s.follow(fred, alice)
	l := &model.List{AccountID: fred, Title: "friends", RepliesPolicy: model.RepliesPolicyList}
	s.Require().NoError(s.lists.Create(s.ctx, l))
	s.Require().NoError(s.lists.AddAccount(s.ctx, l.ID, alice))
	key := model.ListTimeline(fred, l.ID)

	st := s.post(alice, model.VisibilityPublic)
	s.publish(st)
	s.Equal([]int64{st.ID}, s.entries(key))

	s.Require().NoError(s.lists.RemoveAccount(s.ctx, l.ID, alice))
	s.Require().NoError(s.fanout.UnmergeFromList(s.ctx, l.ID, alice))
	s.Empty(s.entries(key))

	s.Require().NoError(s.lists.AddAccount(s.ctx, l.ID, alice))
	s.Require().NoError(s.fanout.MergeIntoList(s.ctx, l.ID, alice))
	s.Equal([]int64{st.ID}, s.entries(key))
}

func (s *ServiceTestSuite) TestExclusiveListKeepsMembersOffHome() {
	s.trio()
	s.follow(fred, alice)
	l := &model.List{AccountID: fred, Title: "news", RepliesPolicy: model.RepliesPolicyList, Exclusive: true}
	s.Require().NoError(s.lists.Create(s.ctx, l))
	s.Require().NoError(s.lists.AddAccount(s.ctx, l.ID, alice))

	st := s.post(alice, model.VisibilityPublic)
	s.publish(st)
	s.Equal([]int64{st.ID}, s.entries(model.ListTimeline(fred, l.ID)))
	s.Empty(s.entries(model.HomeTimeline(fred)))
}

func (s *ServiceTestSuite) TestFollowedTagDelivery() {
	s.trio()
	tags, err := s.tags.FindOrCreate(s.ctx, []string{"golang"})
	s.Require().NoError(err)
	s.Require().NoError(s.tags.Follow(s.ctx, fred, tags[0].ID))

	st := s.post(alice, model.VisibilityPublic, s.tagged("golang"))
	s.publish(st)
	s.Equal([]int64{st.ID}, s.entries(model.HomeTimeline(fred)))
	s.Equal([]int64{st.ID}, s.entries(model.TagTimeline(fred, "golang")))

	unlisted := s.post(alice, model.VisibilityUnlisted, s.tagged("golang"))
	s.publish(unlisted)
	s.Equal([]int64{st.ID}, s.entries(model.HomeTimeline(fred)))

	s.Require().NoError(s.tags.Unfollow(s.ctx, fred, tags[0].ID))
	s.Require().NoError(s.fanout.UnmergeTagFromHome(s.ctx, fred, "#GoLang"))
	s.Empty(s.entries(model.HomeTimeline(fred)))
	s.Empty(s.entries(model.TagTimeline(fred, "golang")))
}

func (s *ServiceTestSuite) TestBlockedDomainCleared() {
	s.trio()
	s.account(4, "remote", func(a *model.Account) { a.Domain = "spam.example" })
	s.follow(fred, 4)
	s.follow(fred, alice)

	remote := s.post(4, model.VisibilityPublic)
	s.publish(remote)
	local := s.post(alice, model.VisibilityPublic)
	s.publish(local)
	s.Len(s.entries(model.HomeTimeline(fred)), 2)

	s.Require().NoError(s.relationships.BlockDomain(s.ctx, fred, "spam.example"))
	s.Require().NoError(s.fanout.ClearDomainFromHome(s.ctx, fred, "spam.example"))
	s.Equal([]int64{local.ID}, s.entries(model.HomeTimeline(fred)))
}

func (s *ServiceTestSuite) TestMergeIntoHomeBackfills() {
	s.trio()
	mine := s.post(fred, model.VisibilityPublic)
	s.publish(mine)
	older := s.post(alice, model.VisibilityPublic)
	newer := s.post(alice, model.VisibilityPublic)

	s.follow(fred, alice)
	s.Require().NoError(s.fanout.MergeIntoHome(s.ctx, fred, alice))
	s.Equal([]int64{newer.ID, older.ID, mine.ID}, s.entries(model.HomeTimeline(fred)))

	// 尚未建立的首页不回填
	s.follow(bob, alice)
	s.Require().NoError(s.fanout.MergeIntoHome(s.ctx, bob, alice))
	exists, err := s.store.Exists(s.ctx, model.HomeTimeline(bob))
	s.Require().NoError(err)
	s.False(exists)
}

func (s *ServiceTestSuite) TestMergeStopsWhenBudgetRunsOut() {
	s.trio()
	mine := s.post(fred, model.VisibilityPublic)
	s.publish(mine)
	for i := 0; i < 5; i++ {
		s.post(alice, model.VisibilityPublic)
	}
	s.follow(fred, alice)

	// 每次读时钟前进一秒，预算在写完全部之前耗尽
	tick := s.now
	fanout := s.newFanout(config.FanoutConfig{MergeTimeBudget: 2500 * time.Millisecond}).WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})
	s.Require().NoError(fanout.MergeIntoHome(s.ctx, fred, alice))

	n := len(s.entries(model.HomeTimeline(fred))) - 1
	s.Greater(n, 0)
	s.Less(n, 5)
}

func (s *ServiceTestSuite) TestRegenerateRebuildsFromSources() {
	s.trio()
	s.follow(fred, alice)
	s.follow(fred, bob)
	a1 := s.post(alice, model.VisibilityPublic)
	b1 := s.post(bob, model.VisibilityPublic)
	s.post(bob, model.VisibilityDirect, mentioning(alice))
	mine := s.post(fred, model.VisibilityPrivate)
	rb := s.reblog(bob, a1)

	key := model.HomeTimeline(fred)
	_, err := s.store.Push(s.ctx, key, timeline.Entry{StatusID: 7})
	s.Require().NoError(err)

	s.Require().NoError(s.fanout.Regenerate(s.ctx, key))
	s.Equal([]int64{mine.ID, b1.ID, a1.ID}, s.entries(key))

	// 原帖删除后重建，转发不再有可占的位置
	s.Require().NoError(s.statuses.Delete(s.ctx, a1.ID))
	s.Require().NoError(s.fanout.Regenerate(s.ctx, key))
	s.NotContains(s.entries(key), rb.ID)

	regenerating, err := s.store.Regenerating(s.ctx, fred)
	s.Require().NoError(err)
	s.False(regenerating)
}

func (s *ServiceTestSuite) TestRegenerateFillsCapAfterReblogAggregation() {
	s.trio()
	s.follow(fred, alice)
	s.follow(fred, bob)
	s.post(alice, model.VisibilityPublic)
	o2 := s.post(alice, model.VisibilityPublic)
	o3 := s.post(alice, model.VisibilityPublic)
	s.reblog(bob, o3)
	o4 := s.post(alice, model.VisibilityPublic)

	small := timeline.NewRedisStore(s.rdb, timeline.Options{MaxItems: 3})
	fanout := NewFanoutService(FanoutDeps{
		Store:         small,
		Accounts:      s.accounts,
		Statuses:      s.statuses,
		Follows:       s.follows,
		Relationships: s.relationships,
		Lists:         s.lists,
		Tags:          s.tags,
		Followers:     s.followers,
		Stream:        s.stream,
	}, config.FanoutConfig{Concurrency: 1}).WithClock(s.clock)

	key := model.HomeTimeline(fred)
	s.Require().NoError(fanout.Regenerate(s.ctx, key))
	s.Equal([]int64{o4.ID, o3.ID, o2.ID}, s.entries(key))
}

func (s *ServiceTestSuite) TestRegenerateRejectsForeignList() {
	s.trio()
	l := &model.List{AccountID: alice, Title: "mine", RepliesPolicy: model.RepliesPolicyList}
	s.Require().NoError(s.lists.Create(s.ctx, l))
	s.Require().NoError(s.lists.AddAccount(s.ctx, l.ID, bob))
	s.post(bob, model.VisibilityPublic)

	err := s.fanout.Regenerate(s.ctx, model.ListTimeline(fred, l.ID))
	s.ErrorIs(err, model.ErrMalformedTimelineKey)

	s.Require().NoError(s.fanout.Regenerate(s.ctx, model.ListTimeline(alice, l.ID)))
	s.Len(s.entries(model.ListTimeline(alice, l.ID)), 1)
}

func (s *ServiceTestSuite) TestSuspendAndRestore() {
	s.trio()
	s.follow(fred, alice)
	s.follow(fred, bob)
	a1 := s.post(alice, model.VisibilityPublic)
	s.publish(a1)
	b1 := s.post(bob, model.VisibilityPublic)
	s.publish(b1)

	s.Require().NoError(s.accounts.SetSuspended(s.ctx, alice, true))
	s.Require().NoError(s.fanout.RemoveAccountFromTimelines(s.ctx, alice))
	s.Equal([]int64{b1.ID}, s.entries(model.HomeTimeline(fred)))
	s.Empty(s.entries(model.HomeTimeline(alice)))

	// 封禁期间的新状态不扇出
	a2 := s.post(alice, model.VisibilityPublic)
	s.publish(a2)
	s.Equal([]int64{b1.ID}, s.entries(model.HomeTimeline(fred)))

	s.Require().NoError(s.accounts.SetSuspended(s.ctx, alice, false))
	s.Require().NoError(s.fanout.RestoreAccount(s.ctx, alice))
	s.Equal([]int64{a2.ID, b1.ID, a1.ID}, s.entries(model.HomeTimeline(fred)))
	s.Equal([]int64{a2.ID, a1.ID}, s.entries(model.HomeTimeline(alice)))
}
