package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/testutil"
)

type RepositoryTestSuite struct {
	suite.Suite
	db  *gorm.DB
	ctx context.Context

	accounts      AccountRepository
	statuses      StatusRepository
	follows       FollowRepository
	relationships RelationshipRepository
	tags          TagRepository
	lists         ListRepository
	notifications NotificationRepository
}

func (s *RepositoryTestSuite) SetupTest() {
	s.db = testutil.NewDB(s.T())
	s.ctx = context.Background()
	s.accounts = NewAccountRepository(s.db)
	s.statuses = NewStatusRepository(s.db)
	s.follows = NewFollowRepository(s.db)
	s.relationships = NewRelationshipRepository(s.db)
	s.tags = NewTagRepository(s.db)
	s.lists = NewListRepository(s.db)
	s.notifications = NewNotificationRepository(s.db)

	for _, a := range []model.Account{
		{ID: 1, Username: "alice"},
		{ID: 2, Username: "bob"},
		{ID: 3, Username: "carol", Domain: "remote.example"},
		{ID: 4, Username: "dave", Suspended: true},
	} {
		a := a
		s.Require().NoError(s.accounts.Create(s.ctx, &a))
	}
}

func TestRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RepositoryTestSuite))
}

func (s *RepositoryTestSuite) TestAccountNotFound() {
	_, err := s.accounts.GetByID(s.ctx, 999)
	s.ErrorIs(err, model.ErrNotFound)
}

func (s *RepositoryTestSuite) TestFollowUpsertAndLocalFollowers() {
	s.Require().NoError(s.follows.Create(s.ctx, &model.Follow{AccountID: 2, TargetAccountID: 1, ShowReblogs: true}))
	s.Require().NoError(s.follows.Create(s.ctx, &model.Follow{AccountID: 3, TargetAccountID: 1, ShowReblogs: true}))
	s.Require().NoError(s.follows.Create(s.ctx, &model.Follow{AccountID: 4, TargetAccountID: 1, ShowReblogs: true}))
	// 重复关注更新偏好
	s.Require().NoError(s.follows.Create(s.ctx, &model.Follow{AccountID: 2, TargetAccountID: 1, ShowReblogs: false, Languages: []string{"en"}}))

	f, err := s.follows.Get(s.ctx, 2, 1)
	s.Require().NoError(err)
	s.False(f.ShowReblogs)
	s.Equal([]string{"en"}, f.Languages)

	ids, err := s.follows.LocalFollowerIDs(s.ctx, 1, 0, 10)
	s.Require().NoError(err)
	s.Equal([]int64{2}, ids)

	among, err := s.follows.Among(s.ctx, 2, []int64{1, 3})
	s.Require().NoError(err)
	s.Len(among, 1)
	s.Contains(among, int64(1))

	s.Require().NoError(s.follows.Delete(s.ctx, 2, 1))
	ok, err := s.follows.Exists(s.ctx, 2, 1)
	s.Require().NoError(err)
	s.False(ok)
}

func (s *RepositoryTestSuite) TestStatusPreloadsAndSoftDelete() {
	tags, err := s.tags.FindOrCreate(s.ctx, []string{"#Go", "go", "redis"})
	s.Require().NoError(err)
	s.Len(tags, 2)

	orig := &model.Status{ID: 10, AccountID: 1, Visibility: model.VisibilityPublic, Text: "hi", Tags: tags,
		Mentions: []model.Mention{{AccountID: 2}}}
	s.Require().NoError(s.statuses.Create(s.ctx, orig))
	reblogOf := int64(10)
	s.Require().NoError(s.statuses.Create(s.ctx, &model.Status{ID: 11, AccountID: 2, ReblogOfID: &reblogOf, Visibility: model.VisibilityPublic}))

	got, err := s.statuses.GetByID(s.ctx, 11)
	s.Require().NoError(err)
	s.Require().NotNil(got.ReblogOf)
	s.Equal(int64(1), got.ReblogOf.AccountID)
	s.Require().NotNil(got.ReblogOf.Account)
	s.ElementsMatch([]string{"go", "redis"}, got.ReblogOf.TagNames())
	s.Equal([]int64{2}, got.ReblogOf.MentionedAccountIDs())

	s.Require().NoError(s.statuses.Delete(s.ctx, 10))
	deleted, err := s.statuses.GetByID(s.ctx, 10)
	s.Require().NoError(err)
	s.True(deleted.DeletedAt.Valid)

	live, err := s.statuses.GetByIDs(s.ctx, []int64{10, 11})
	s.Require().NoError(err)
	s.NotContains(live, int64(10))
	s.Contains(live, int64(11))

	reblogs, err := s.statuses.ReblogsOf(s.ctx, 10)
	s.Require().NoError(err)
	s.Len(reblogs, 1)
}

func (s *RepositoryTestSuite) TestRecentQueries() {
	tags, _ := s.tags.FindOrCreate(s.ctx, []string{"go"})
	for i, v := range []model.Visibility{model.VisibilityPublic, model.VisibilityPrivate, model.VisibilityDirect, model.VisibilityPublic} {
		st := &model.Status{ID: int64(100 + i), AccountID: 1, Visibility: v, Tags: tags}
		if v == model.VisibilityDirect {
			st.Mentions = []model.Mention{{AccountID: 2}}
		}
		s.Require().NoError(s.statuses.Create(s.ctx, st))
	}

	rows, err := s.statuses.RecentByAccounts(s.ctx, []int64{1}, 100, 10)
	s.Require().NoError(err)
	s.Equal([]int64{103, 101}, statusIDs(rows))

	rows, err = s.statuses.RecentByTag(s.ctx, tags[0].ID, 0, 10)
	s.Require().NoError(err)
	s.Equal([]int64{103, 100}, statusIDs(rows))

	rows, err = s.statuses.RecentDirect(s.ctx, 2, 10)
	s.Require().NoError(err)
	s.Equal([]int64{102}, statusIDs(rows))
}

func (s *RepositoryTestSuite) TestAncestors() {
	var prev *int64
	for i := int64(1); i <= 4; i++ {
		st := &model.Status{ID: i, AccountID: 1, Visibility: model.VisibilityPublic, InReplyToID: prev}
		s.Require().NoError(s.statuses.Create(s.ctx, st))
		id := i
		prev = &id
	}
	anc, err := s.statuses.Ancestors(s.ctx, 4, 2)
	s.Require().NoError(err)
	s.Equal([]int64{3, 2}, statusIDs(anc))
}

func (s *RepositoryTestSuite) TestRelationshipsAmong() {
	past := time.Now().Add(-time.Hour)
	s.Require().NoError(s.relationships.Mute(s.ctx, &model.Mute{AccountID: 1, TargetAccountID: 2, ExpiresAt: &past}))
	s.Require().NoError(s.relationships.Block(s.ctx, 1, 3))
	s.Require().NoError(s.relationships.Block(s.ctx, 1, 3))
	s.Require().NoError(s.relationships.Block(s.ctx, 2, 1))
	s.Require().NoError(s.relationships.BlockDomain(s.ctx, 1, "remote.example"))
	s.Require().NoError(s.relationships.MuteConversation(s.ctx, 1, 77))

	mutes, err := s.relationships.MutesAmong(s.ctx, 1, []int64{2, 3})
	s.Require().NoError(err)
	s.Require().Contains(mutes, int64(2))
	s.False(mutes[2].ActiveAt(time.Now()))

	blocking, err := s.relationships.BlockingAmong(s.ctx, 1, []int64{2, 3})
	s.Require().NoError(err)
	s.Equal([]int64{3}, blocking)

	blockedBy, err := s.relationships.BlockedByAmong(s.ctx, 1, []int64{2, 3})
	s.Require().NoError(err)
	s.Equal([]int64{2}, blockedBy)

	domains, err := s.relationships.DomainBlocksAmong(s.ctx, 1, []string{"remote.example", "other.example"})
	s.Require().NoError(err)
	s.Equal([]string{"remote.example"}, domains)

	muted, err := s.relationships.ConversationMuted(s.ctx, 1, 77)
	s.Require().NoError(err)
	s.True(muted)
}

func (s *RepositoryTestSuite) TestListsAndExclusiveMembers() {
	l := &model.List{AccountID: 1, Title: "friends", Exclusive: true}
	s.Require().NoError(s.lists.Create(s.ctx, l))
	s.Equal(model.RepliesPolicyList, l.RepliesPolicy)
	s.Require().NoError(s.lists.AddAccount(s.ctx, l.ID, 2))
	s.Require().NoError(s.lists.AddAccount(s.ctx, l.ID, 2))

	members, err := s.lists.MemberIDs(s.ctx, l.ID)
	s.Require().NoError(err)
	s.Equal([]int64{2}, members)

	containing, err := s.lists.ContainingAccount(s.ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(containing, 1)
	s.Equal(l.ID, containing[0].ID)

	excl, err := s.lists.ExclusiveMembersAmong(s.ctx, 1, []int64{2, 3})
	s.Require().NoError(err)
	s.Equal([]int64{2}, excl)
}

func (s *RepositoryTestSuite) TestNotificationIdempotentCreate() {
	n := &model.Notification{AccountID: 1, FromAccountID: 2, Type: model.NotificationFavourite, ActivityType: "Favourite", ActivityID: 5}
	first, created, err := s.notifications.Create(s.ctx, n)
	s.Require().NoError(err)
	s.True(created)

	again, created, err := s.notifications.Create(s.ctx, &model.Notification{AccountID: 1, FromAccountID: 2, Type: model.NotificationFavourite, ActivityType: "Favourite", ActivityID: 5})
	s.Require().NoError(err)
	s.False(created)
	s.Equal(first.ID, again.ID)
}

func (s *RepositoryTestSuite) TestNotificationRequestsAndPolicy() {
	p, err := s.notifications.Policy(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(model.PolicyFilter, p.ForLimitedAccounts)
	p.ForNotFollowing = model.PolicyDrop
	s.Require().NoError(s.notifications.SavePolicy(s.ctx, p))
	p, _ = s.notifications.Policy(s.ctx, 1)
	s.Equal(model.PolicyDrop, p.ForNotFollowing)

	sid := int64(42)
	req, err := s.notifications.UpsertRequest(s.ctx, 1, 2, nil)
	s.Require().NoError(err)
	s.EqualValues(1, req.NotificationsCount)
	req, err = s.notifications.UpsertRequest(s.ctx, 1, 2, &sid)
	s.Require().NoError(err)
	s.EqualValues(2, req.NotificationsCount)
	s.Require().NotNil(req.LastStatusID)
	s.Equal(sid, *req.LastStatusID)

	s.Require().NoError(s.notifications.DismissRequest(s.ctx, req.ID))
	open, err := s.notifications.ListRequests(s.ctx, 1, false)
	s.Require().NoError(err)
	s.Empty(open)
}

func statusIDs(rows []*model.Status) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func TestNotificationListWindows(t *testing.T) {
	db := testutil.NewDB(t)
	repo := NewNotificationRepository(db)
	ctx := context.Background()
	for i := int64(1); i <= 6; i++ {
		n := &model.Notification{ID: i, AccountID: 1, FromAccountID: 2, Type: model.NotificationMention, ActivityType: "Mention", ActivityID: i, Filtered: i == 3}
		_, _, err := repo.Create(ctx, n)
		require.NoError(t, err)
	}

	rows, err := repo.List(ctx, 1, NotificationPage{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{6, 5, 4}, notificationIDs(rows))

	rows, _ = repo.List(ctx, 1, NotificationPage{MaxID: 5, Limit: 3})
	assert.Equal(t, []int64{4, 2, 1}, notificationIDs(rows))

	rows, _ = repo.List(ctx, 1, NotificationPage{MinID: 1, Limit: 2})
	assert.Equal(t, []int64{4, 2}, notificationIDs(rows))

	rows, _ = repo.List(ctx, 1, NotificationPage{MaxID: 5, Limit: 3, IncludeFiltered: true})
	assert.Equal(t, []int64{4, 3, 2}, notificationIDs(rows))
}

func notificationIDs(rows []*model.Notification) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

func (s *RepositoryTestSuite) TestCreateFilteredIsAtomic() {
	fail := true
	s.Require().NoError(s.db.Callback().Create().Before("gorm:create").Register("test:fail_requests", func(tx *gorm.DB) {
		if fail && tx.Statement.Table == "notification_requests" {
			_ = tx.AddError(errors.New("db timeout"))
		}
	}))
	sid := int64(42)
	build := func() *model.Notification {
		return &model.Notification{AccountID: 1, FromAccountID: 2, Type: model.NotificationMention, ActivityType: "status", ActivityID: 42, StatusID: &sid, Filtered: true}
	}

	_, _, err := s.notifications.CreateFiltered(s.ctx, build())
	s.Require().Error(err)
	rows, err := s.notifications.List(s.ctx, 1, NotificationPage{Limit: 10, IncludeFiltered: true})
	s.Require().NoError(err)
	s.Empty(rows)

	fail = false
	n, created, err := s.notifications.CreateFiltered(s.ctx, build())
	s.Require().NoError(err)
	s.True(created)
	s.True(n.Filtered)
	req, err := s.notifications.FindRequest(s.ctx, 1, 2)
	s.Require().NoError(err)
	s.EqualValues(1, req.NotificationsCount)
	s.Require().NotNil(req.LastStatusID)
	s.Equal(sid, *req.LastStatusID)

	_, created, err = s.notifications.CreateFiltered(s.ctx, build())
	s.Require().NoError(err)
	s.False(created)
	req, err = s.notifications.FindRequest(s.ctx, 1, 2)
	s.Require().NoError(err)
	s.EqualValues(1, req.NotificationsCount)
}
