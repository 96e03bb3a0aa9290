package feed

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/d60-Lab/timeline-fanout/internal/model"
	"github.com/d60-Lab/timeline-fanout/internal/repository"
)

// Loader builds snapshots from the relationship tables.
type Loader struct {
	follows       repository.FollowRepository
	relationships repository.RelationshipRepository
	lists         repository.ListRepository
	tags          repository.TagRepository
	now           func() time.Time
}

func NewLoader(
	follows repository.FollowRepository,
	relationships repository.RelationshipRepository,
	lists repository.ListRepository,
	tags repository.TagRepository,
) *Loader {
	return &Loader{follows: follows, relationships: relationships, lists: lists, tags: tags, now: time.Now}
}

// WithClock replaces the clock used for mute and filter expiry.
func (l *Loader) WithClock(now func() time.Time) *Loader {
	cp := *l
	cp.now = now
	return &cp
}

// Load collects the recipient's relationships towards every account the
// statuses involve.
func (l *Loader) Load(ctx context.Context, recipient *model.Account, statuses ...*model.Status) (*Snapshot, error) {
	snap := NewSnapshot(recipient, l.now())
	ids, domains, tagged, conversations := involved(statuses)

	following, err := l.follows.Among(ctx, recipient.ID, ids)
	if err != nil {
		return nil, err
	}
	snap.Following = following

	blocking, err := l.relationships.BlockingAmong(ctx, recipient.ID, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range blocking {
		snap.Blocking[id] = true
	}

	blockedBy, err := l.relationships.BlockedByAmong(ctx, recipient.ID, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range blockedBy {
		snap.BlockedBy[id] = true
	}

	mutes, err := l.relationships.MutesAmong(ctx, recipient.ID, ids)
	if err != nil {
		return nil, err
	}
	snap.Muting = mutes

	blockedDomains, err := l.relationships.DomainBlocksAmong(ctx, recipient.ID, domains)
	if err != nil {
		return nil, err
	}
	for _, d := range blockedDomains {
		snap.DomainBlocks[d] = true
	}

	exclusive, err := l.lists.ExclusiveMembersAmong(ctx, recipient.ID, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range exclusive {
		snap.ExclusiveMembers[id] = true
	}

	if tagged {
		tagIDs, err := l.tags.FollowedTagIDs(ctx, recipient.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range tagIDs {
			snap.FollowedTags[id] = true
		}
	}

	for _, c := range conversations {
		muted, err := l.relationships.ConversationMuted(ctx, recipient.ID, c)
		if err != nil {
			return nil, err
		}
		if muted {
			snap.MutedConversations[c] = true
		}
	}

	filters, err := l.relationships.ActiveFilters(ctx, recipient.ID, snap.Now)
	if err != nil {
		return nil, err
	}
	snap.Filters = lo.Map(filters, func(f *model.CustomFilter, _ int) KeywordFilter { return CompileFilter(f) })

	return snap, nil
}

// LoadForList is Load for the list owner plus the list's membership.
func (l *Loader) LoadForList(ctx context.Context, list *model.List, owner *model.Account, statuses ...*model.Status) (*Snapshot, error) {
	snap, err := l.Load(ctx, owner, statuses...)
	if err != nil {
		return nil, err
	}
	members, err := l.lists.MemberIDs(ctx, list.ID)
	if err != nil {
		return nil, err
	}
	snap.List = list
	for _, id := range members {
		snap.ListMembers[id] = true
	}
	return snap, nil
}

func involved(statuses []*model.Status) (ids []int64, domains []string, tagged bool, conversations []int64) {
	for _, s := range statuses {
		for _, st := range lo.Uniq([]*model.Status{s, s.Target()}) {
			ids = append(ids, st.AccountID)
			ids = append(ids, st.MentionedAccountIDs()...)
			if st.InReplyToAccountID != nil {
				ids = append(ids, *st.InReplyToAccountID)
			}
			if st.Account != nil && st.Account.Domain != "" {
				domains = append(domains, st.Account.Domain)
			}
			if len(st.Tags) > 0 {
				tagged = true
			}
			if st.ConversationID != nil {
				conversations = append(conversations, *st.ConversationID)
			}
		}
	}
	return lo.Uniq(ids), lo.Uniq(domains), tagged, lo.Uniq(conversations)
}
