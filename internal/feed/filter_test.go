package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

func account(id int64, domain string) *model.Account {
	return &model.Account{ID: id, Username: "u", Domain: domain}
}

func status(id, author int64, v model.Visibility) *model.Status {
	return &model.Status{ID: id, AccountID: author, Account: account(author, ""), Visibility: v}
}

func reblog(id, by int64, of *model.Status) *model.Status {
	s := status(id, by, model.VisibilityPublic)
	s.ReblogOfID = ptr(of.ID)
	s.ReblogOf = of
	return s
}

// recipient 1 follows 2
func homeSnap() *Snapshot {
	snap := NewSnapshot(account(1, ""), now)
	snap.Following[2] = &model.Follow{AccountID: 1, TargetAccountID: 2, ShowReblogs: true}
	return snap
}

func TestHomeFollowedPublicStatusIsEligible(t *testing.T) {
	d := NewFilter().Home(status(10, 2, model.VisibilityPublic), homeSnap())
	assert.True(t, d.Eligible)
}

func TestHomeOwnStatusBypassesRelationships(t *testing.T) {
	snap := homeSnap()
	s := status(10, 1, model.VisibilityPrivate)
	s.Mentions = []model.Mention{{AccountID: 9}}
	snap.Blocking[9] = true
	assert.True(t, NewFilter().Home(s, snap).Eligible)

	direct := status(11, 1, model.VisibilityDirect)
	assert.Equal(t, ReasonVisibility, NewFilter().Home(direct, snap).Reason)
}

func TestHomeRejections(t *testing.T) {
	f := NewFilter()
	cases := []struct {
		name   string
		status func() *model.Status
		snap   func(*Snapshot)
		want   Reason
	}{
		{
			name:   "not following author",
			status: func() *model.Status { return status(10, 3, model.VisibilityPublic) },
			want:   ReasonNotFollowing,
		},
		{
			name:   "blocking author",
			status: func() *model.Status { return status(10, 2, model.VisibilityPublic) },
			snap:   func(s *Snapshot) { s.Blocking[2] = true },
			want:   ReasonBlocked,
		},
		{
			name: "reblog of blocked account",
			status: func() *model.Status {
				return reblog(11, 2, status(10, 3, model.VisibilityPublic))
			},
			snap: func(s *Snapshot) { s.Blocking[3] = true },
			want: ReasonBlocked,
		},
		{
			name: "reblog of account that blocks recipient",
			status: func() *model.Status {
				return reblog(11, 2, status(10, 3, model.VisibilityPublic))
			},
			snap: func(s *Snapshot) { s.BlockedBy[3] = true },
			want: ReasonBlocked,
		},
		{
			name: "mentions a blocked account",
			status: func() *model.Status {
				s := status(10, 2, model.VisibilityPublic)
				s.Mentions = []model.Mention{{AccountID: 3}}
				return s
			},
			snap: func(s *Snapshot) { s.Blocking[3] = true },
			want: ReasonBlocked,
		},
		{
			name:   "muted author",
			status: func() *model.Status { return status(10, 2, model.VisibilityPublic) },
			snap:   func(s *Snapshot) { s.Muting[2] = &model.Mute{TargetAccountID: 2} },
			want:   ReasonMuted,
		},
		{
			name: "reblog of domain blocked account",
			status: func() *model.Status {
				orig := status(10, 3, model.VisibilityPublic)
				orig.Account.Domain = "evil.example"
				return reblog(11, 2, orig)
			},
			snap: func(s *Snapshot) { s.DomainBlocks["evil.example"] = true },
			want: ReasonDomainBlocked,
		},
		{
			name: "reblogs hidden",
			status: func() *model.Status {
				return reblog(11, 2, status(10, 3, model.VisibilityPublic))
			},
			snap: func(s *Snapshot) { s.Following[2].ShowReblogs = false },
			want: ReasonReblogsHidden,
		},
		{
			name: "reblog of private status",
			status: func() *model.Status {
				return reblog(11, 2, status(10, 3, model.VisibilityPrivate))
			},
			want: ReasonVisibility,
		},
		{
			name: "reply to unfollowed account",
			status: func() *model.Status {
				s := status(10, 2, model.VisibilityPublic)
				s.InReplyToID, s.InReplyToAccountID = ptr(int64(5)), ptr(int64(3))
				return s
			},
			want: ReasonReplyToUnfollowed,
		},
		{
			name: "reply with unknown parent",
			status: func() *model.Status {
				s := status(10, 2, model.VisibilityPublic)
				s.InReplyToID = ptr(int64(5))
				return s
			},
			want: ReasonReplyToUnfollowed,
		},
		{
			name: "language not in follow languages",
			status: func() *model.Status {
				s := status(10, 2, model.VisibilityPublic)
				s.Language = "de"
				return s
			},
			snap: func(s *Snapshot) { s.Following[2].Languages = []string{"en"} },
			want: ReasonLanguage,
		},
		{
			name:   "author on exclusive list",
			status: func() *model.Status { return status(10, 2, model.VisibilityPublic) },
			snap:   func(s *Snapshot) { s.ExclusiveMembers[2] = true },
			want:   ReasonExclusiveList,
		},
		{
			name:   "private status without follow",
			status: func() *model.Status { return status(10, 3, model.VisibilityPrivate) },
			want:   ReasonNotFollowing,
		},
		{
			name:   "limited status not addressed",
			status: func() *model.Status { return status(10, 2, model.VisibilityLimited) },
			want:   ReasonNotAddressed,
		},
		{
			name: "suspended author",
			status: func() *model.Status {
				s := status(10, 2, model.VisibilityPublic)
				s.Account.Suspended = true
				return s
			},
			want: ReasonSuspended,
		},
		{
			name: "deleted status",
			status: func() *model.Status {
				s := status(10, 2, model.VisibilityPublic)
				s.DeletedAt = gorm.DeletedAt{Time: now, Valid: true}
				return s
			},
			want: ReasonDeleted,
		},
		{
			name: "keyword filter with hide action",
			status: func() *model.Status {
				s := status(10, 2, model.VisibilityPublic)
				s.Text = "Spoilers for the Finale"
				return s
			},
			snap: func(s *Snapshot) {
				s.Filters = []KeywordFilter{CompileFilter(&model.CustomFilter{
					Keywords: []string{"finale"}, Contexts: []string{"home"}, Action: model.FilterActionHide,
				})}
			},
			want: ReasonKeywordFilter,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := homeSnap()
			if tc.snap != nil {
				tc.snap(snap)
			}
			d := f.Home(tc.status(), snap)
			assert.False(t, d.Eligible)
			assert.Equal(t, tc.want, d.Reason)
		})
	}
}

func TestHomeAcceptances(t *testing.T) {
	f := NewFilter()

	reply := status(10, 2, model.VisibilityPublic)
	reply.InReplyToID, reply.InReplyToAccountID = ptr(int64(5)), ptr(int64(1))
	assert.True(t, f.Home(reply, homeSnap()).Eligible, "reply to recipient")

	self := status(11, 2, model.VisibilityPublic)
	self.InReplyToID, self.InReplyToAccountID = ptr(int64(5)), ptr(int64(2))
	assert.True(t, f.Home(self, homeSnap()).Eligible, "self reply")

	snap := homeSnap()
	snap.Following[3] = &model.Follow{TargetAccountID: 3, ShowReblogs: true}
	other := status(12, 2, model.VisibilityPublic)
	other.InReplyToID, other.InReplyToAccountID = ptr(int64(5)), ptr(int64(3))
	assert.True(t, f.Home(other, snap).Eligible, "reply to followed")

	expired := homeSnap()
	expired.Muting[2] = &model.Mute{TargetAccountID: 2, ExpiresAt: ptr(now.Add(-time.Minute))}
	assert.True(t, f.Home(status(13, 2, model.VisibilityPublic), expired).Eligible, "expired mute")

	limited := status(14, 3, model.VisibilityLimited)
	limited.Mentions = []model.Mention{{AccountID: 1}}
	assert.True(t, f.Home(limited, homeSnap()).Eligible, "addressed limited")

	warn := homeSnap()
	warn.Filters = []KeywordFilter{CompileFilter(&model.CustomFilter{
		Keywords: []string{"finale"}, Contexts: []string{"home"}, Action: model.FilterActionWarn,
	})}
	s := status(15, 2, model.VisibilityPublic)
	s.Text = "the finale"
	assert.True(t, f.Home(s, warn).Eligible, "warn filters only annotate")

	lang := homeSnap()
	lang.Following[2].Languages = []string{"en"}
	assert.True(t, f.Home(status(16, 2, model.VisibilityPublic), lang).Eligible, "status without language")
}

func TestHomeViaFollowedTag(t *testing.T) {
	f := NewFilter()
	s := status(10, 3, model.VisibilityPublic)
	s.Tags = []model.Tag{{ID: 7, Name: "golang"}}

	snap := homeSnap()
	assert.Equal(t, ReasonNotFollowing, f.Home(s, snap).Reason)

	snap.FollowedTags[7] = true
	assert.True(t, f.Home(s, snap).Eligible)

	s.Visibility = model.VisibilityUnlisted
	assert.False(t, f.Home(s, snap).Eligible)
}

func TestTagTimeline(t *testing.T) {
	f := NewFilter()
	s := status(10, 3, model.VisibilityPublic)
	s.Tags = []model.Tag{{ID: 7, Name: "golang"}}
	snap := homeSnap()

	assert.True(t, f.Tag(s, snap, "GoLang").Eligible)
	assert.Equal(t, ReasonNotTagged, f.Tag(s, snap, "rust").Reason)

	own := status(11, 1, model.VisibilityPublic)
	own.Tags = s.Tags
	assert.Equal(t, ReasonSelf, f.Tag(own, snap, "golang").Reason)

	snap.Muting[3] = &model.Mute{TargetAccountID: 3}
	assert.Equal(t, ReasonMuted, f.Tag(s, snap, "golang").Reason)

	rb := reblog(12, 2, s)
	assert.Equal(t, ReasonVisibility, f.Tag(rb, homeSnap(), "golang").Reason)
}

func listSnap(policy model.RepliesPolicy) *Snapshot {
	snap := homeSnap()
	snap.List = &model.List{ID: 50, AccountID: 1, RepliesPolicy: policy}
	snap.ListMembers[2] = true
	snap.ListMembers[4] = true
	return snap
}

func TestListRepliesPolicy(t *testing.T) {
	f := NewFilter()
	replyTo := func(to int64) *model.Status {
		s := status(10, 2, model.VisibilityPublic)
		s.InReplyToID, s.InReplyToAccountID = ptr(int64(5)), ptr(to)
		return s
	}

	// reply to the list owner passes every policy
	for _, p := range []model.RepliesPolicy{model.RepliesPolicyNone, model.RepliesPolicyList, model.RepliesPolicyFollowed} {
		assert.True(t, f.List(replyTo(1), listSnap(p)).Eligible, p)
	}

	assert.Equal(t, ReasonRepliesPolicy, f.List(replyTo(4), listSnap(model.RepliesPolicyNone)).Reason)
	assert.True(t, f.List(replyTo(4), listSnap(model.RepliesPolicyList)).Eligible)
	assert.Equal(t, ReasonRepliesPolicy, f.List(replyTo(3), listSnap(model.RepliesPolicyList)).Reason)

	followed := listSnap(model.RepliesPolicyFollowed)
	followed.Following[3] = &model.Follow{TargetAccountID: 3, ShowReblogs: true}
	assert.True(t, f.List(replyTo(3), followed).Eligible)
	assert.Equal(t, ReasonRepliesPolicy, f.List(replyTo(6), listSnap(model.RepliesPolicyFollowed)).Reason)
}

func TestListMembershipAndExclusiveness(t *testing.T) {
	f := NewFilter()
	snap := listSnap(model.RepliesPolicyList)
	assert.Equal(t, ReasonNotListMember, f.List(status(10, 3, model.VisibilityPublic), snap).Reason)

	// exclusive lists only keep statuses out of home
	snap.ExclusiveMembers[2] = true
	assert.True(t, f.List(status(11, 2, model.VisibilityPublic), snap).Eligible)
	assert.Equal(t, ReasonExclusiveList, f.Home(status(11, 2, model.VisibilityPublic), snap).Reason)
}

func TestDirect(t *testing.T) {
	f := NewFilter()
	dm := status(10, 2, model.VisibilityDirect)
	dm.ConversationID = ptr(int64(88))
	dm.Mentions = []model.Mention{{AccountID: 1}}

	assert.True(t, f.Direct(dm, homeSnap()).Eligible)

	authorSnap := NewSnapshot(account(2, ""), now)
	assert.True(t, f.Direct(dm, authorSnap).Eligible, "author sees own direct message")

	outsider := NewSnapshot(account(3, ""), now)
	assert.Equal(t, ReasonNotAddressed, f.Direct(dm, outsider).Reason)

	muted := homeSnap()
	muted.MutedConversations[88] = true
	assert.Equal(t, ReasonConversationMuted, f.Direct(dm, muted).Reason)

	assert.Equal(t, ReasonVisibility, f.Direct(status(11, 2, model.VisibilityPublic), homeSnap()).Reason)
}

func TestRemoteOrSuspendedRecipientNeverEligible(t *testing.T) {
	f := NewFilter()
	snap := homeSnap()
	snap.Recipient = account(1, "remote.example")
	assert.Equal(t, ReasonSuspended, f.Home(status(10, 2, model.VisibilityPublic), snap).Reason)

	snap = homeSnap()
	snap.Recipient.Suspended = true
	assert.Equal(t, ReasonSuspended, f.Home(status(10, 1, model.VisibilityPublic), snap).Reason)
}

func TestFilterIsDeterministic(t *testing.T) {
	f := NewFilter()
	s := reblog(11, 2, status(10, 3, model.VisibilityPublic))
	snap := homeSnap()
	first := f.Home(s, snap)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, f.Home(s, snap))
	}
}

func TestKeywordWholeWord(t *testing.T) {
	kf := CompileFilter(&model.CustomFilter{
		Keywords: []string{"cat"}, WholeWord: true, Contexts: []string{"home"}, Action: model.FilterActionHide,
	})
	s := status(1, 2, model.VisibilityPublic)
	s.Text = "concatenate"
	assert.False(t, kf.Hides(s, model.FilterContextHome, now))
	s.Text = "a Cat appears"
	assert.True(t, kf.Hides(s, model.FilterContextHome, now))
	assert.False(t, kf.Hides(s, model.FilterContextNotifications, now))

	kf.Filter.ExpiresAt = ptr(now.Add(-time.Second))
	assert.False(t, kf.Hides(s, model.FilterContextHome, now))
}
