package feed

import (
	"github.com/d60-Lab/timeline-fanout/internal/model"
)

// Reason names why a status was rejected for a timeline.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDeleted           Reason = "deleted"
	ReasonSuspended         Reason = "suspended"
	ReasonSelf              Reason = "self"
	ReasonBlocked           Reason = "blocked"
	ReasonDomainBlocked     Reason = "domain_blocked"
	ReasonMuted             Reason = "muted"
	ReasonReblogsHidden     Reason = "reblogs_hidden"
	ReasonLanguage          Reason = "language"
	ReasonVisibility        Reason = "visibility"
	ReasonNotFollowing      Reason = "not_following"
	ReasonNotAddressed      Reason = "not_addressed"
	ReasonReplyToUnfollowed Reason = "reply_to_unfollowed"
	ReasonExclusiveList     Reason = "exclusive_list"
	ReasonNotListMember     Reason = "not_list_member"
	ReasonRepliesPolicy     Reason = "replies_policy"
	ReasonKeywordFilter     Reason = "keyword_filter"
	ReasonConversationMuted Reason = "conversation_muted"
	ReasonNotTagged         Reason = "not_tagged"
)

// Decision is the filter verdict.
type Decision struct {
	Eligible bool
	Reason   Reason
}

var accept = Decision{Eligible: true}

func reject(r Reason) Decision { return Decision{Reason: r} }

// Filter decides timeline eligibility. It is pure: the same status and
// snapshot always give the same decision.
type Filter struct{}

func NewFilter() *Filter { return &Filter{} }

// Eligible dispatches on the timeline kind. tag is only read for Tag keys.
func (f *Filter) Eligible(kind model.TimelineKind, s *model.Status, snap *Snapshot, tag string) Decision {
	switch kind {
	case model.TimelineHome:
		return f.Home(s, snap)
	case model.TimelineList:
		return f.List(s, snap)
	case model.TimelineTag:
		return f.Tag(s, snap, tag)
	case model.TimelineDirect:
		return f.Direct(s, snap)
	}
	return reject(ReasonVisibility)
}

// Home evaluates the recipient's home timeline.
//
// A status reaches home through a follow of its author (or reblogger), by
// being addressed to the recipient (limited), or through a followed tag.
func (f *Filter) Home(s *model.Status, snap *Snapshot) Decision {
	if d, done := baseline(s, snap); done {
		return d
	}
	if s.Visibility == model.VisibilityDirect {
		return reject(ReasonVisibility)
	}
	if s.AccountID == snap.Recipient.ID {
		return accept
	}
	if s.IsReblog() && !rebloggable(s.Target()) {
		return reject(ReasonVisibility)
	}
	addressed := s.Visibility == model.VisibilityLimited
	if addressed && !s.MentionsAccount(snap.Recipient.ID) {
		return reject(ReasonNotAddressed)
	}
	if d, done := relationships(s, snap); done {
		return d
	}
	if hiddenByKeyword(s, snap, model.FilterContextHome) {
		return reject(ReasonKeywordFilter)
	}

	if addressed || snap.follows(s.AccountID) {
		return followRoute(s, snap, true)
	}
	if d := f.Tag(s, snap, ""); d.Eligible {
		return d
	}
	return reject(ReasonNotFollowing)
}

// List evaluates snap.List, which must be set.
func (f *Filter) List(s *model.Status, snap *Snapshot) Decision {
	if d, done := baseline(s, snap); done {
		return d
	}
	if snap.List == nil || s.Visibility == model.VisibilityDirect {
		return reject(ReasonVisibility)
	}
	if !snap.ListMembers[s.AccountID] {
		return reject(ReasonNotListMember)
	}
	if s.IsReblog() && !rebloggable(s.Target()) {
		return reject(ReasonVisibility)
	}
	if s.Visibility == model.VisibilityLimited && !s.MentionsAccount(snap.Recipient.ID) {
		return reject(ReasonNotAddressed)
	}
	if s.Visibility == model.VisibilityPrivate && !snap.follows(s.AccountID) {
		return reject(ReasonNotFollowing)
	}
	if d, done := relationships(s, snap); done {
		return d
	}
	if hiddenByKeyword(s, snap, model.FilterContextHome) {
		return reject(ReasonKeywordFilter)
	}
	if d := followRoute(s, snap, false); !d.Eligible {
		return d
	}

	if s.IsReply() && s.InReplyToAccountID != nil && *s.InReplyToAccountID != s.AccountID {
		to := *s.InReplyToAccountID
		ok := to == snap.List.AccountID
		switch snap.List.RepliesPolicy {
		case model.RepliesPolicyList:
			ok = ok || snap.ListMembers[to]
		case model.RepliesPolicyFollowed:
			ok = ok || snap.ListMembers[to] || snap.follows(to)
		}
		if !ok {
			return reject(ReasonRepliesPolicy)
		}
	}
	return accept
}

// Tag evaluates delivery through a followed tag. An empty tag accepts any
// followed tag on the status. The author's own statuses never qualify.
func (f *Filter) Tag(s *model.Status, snap *Snapshot, tag string) Decision {
	if d, done := baseline(s, snap); done {
		return d
	}
	if s.IsReblog() || s.Visibility != model.VisibilityPublic {
		return reject(ReasonVisibility)
	}
	if s.AccountID == snap.Recipient.ID {
		return reject(ReasonSelf)
	}
	if !taggedWith(s, snap, model.NormalizeTag(tag)) {
		return reject(ReasonNotTagged)
	}
	if d, done := relationships(s, snap); done {
		return d
	}
	if hiddenByKeyword(s, snap, model.FilterContextPublic) {
		return reject(ReasonKeywordFilter)
	}
	return accept
}

// Direct evaluates the direct-message timeline: addressed statuses only.
func (f *Filter) Direct(s *model.Status, snap *Snapshot) Decision {
	if d, done := baseline(s, snap); done {
		return d
	}
	if s.Visibility != model.VisibilityDirect || s.IsReblog() {
		return reject(ReasonVisibility)
	}
	if s.AccountID == snap.Recipient.ID {
		return accept
	}
	if !s.MentionsAccount(snap.Recipient.ID) {
		return reject(ReasonNotAddressed)
	}
	if snap.Blocking[s.AccountID] || snap.BlockedBy[s.AccountID] {
		return reject(ReasonBlocked)
	}
	if snap.mutes(s.AccountID) {
		return reject(ReasonMuted)
	}
	if s.ConversationID != nil && snap.MutedConversations[*s.ConversationID] {
		return reject(ReasonConversationMuted)
	}
	return accept
}

func baseline(s *model.Status, snap *Snapshot) (Decision, bool) {
	if s.DeletedAt.Valid || (s.IsReblog() && (s.ReblogOf == nil || s.ReblogOf.DeletedAt.Valid)) {
		return reject(ReasonDeleted), true
	}
	if snap.Recipient == nil || snap.Recipient.Suspended || !snap.Recipient.Local() {
		return reject(ReasonSuspended), true
	}
	if s.Account != nil && s.Account.Suspended {
		return reject(ReasonSuspended), true
	}
	if t := s.Target(); t != s && t.Account != nil && t.Account.Suspended {
		return reject(ReasonSuspended), true
	}
	return Decision{}, false
}

func rebloggable(t *model.Status) bool {
	return t.Visibility == model.VisibilityPublic || t.Visibility == model.VisibilityUnlisted
}

// relationships applies blocks, mutes and domain blocks to every account the
// status involves: author, reblogged author and mentions of both.
func relationships(s *model.Status, snap *Snapshot) (Decision, bool) {
	involved := []int64{s.AccountID}
	involved = append(involved, s.MentionedAccountIDs()...)
	t := s.Target()
	if t != s {
		involved = append(involved, t.AccountID)
		involved = append(involved, t.MentionedAccountIDs()...)
	}
	for _, id := range involved {
		if snap.Blocking[id] {
			return reject(ReasonBlocked), true
		}
	}
	for _, id := range involved {
		if snap.mutes(id) {
			return reject(ReasonMuted), true
		}
	}
	if snap.BlockedBy[s.AccountID] || snap.BlockedBy[t.AccountID] {
		return reject(ReasonBlocked), true
	}
	if s.InReplyToAccountID != nil && snap.Blocking[*s.InReplyToAccountID] {
		return reject(ReasonBlocked), true
	}
	for _, a := range []*model.Account{s.Account, t.Account} {
		if a != nil && a.Domain != "" && snap.DomainBlocks[a.Domain] {
			return reject(ReasonDomainBlocked), true
		}
	}
	return Decision{}, false
}

// followRoute holds the rules that apply when the recipient follows the
// author or reblogger.
func followRoute(s *model.Status, snap *Snapshot, home bool) Decision {
	if s.IsReply() && s.InReplyToAccountID == nil {
		return reject(ReasonReplyToUnfollowed)
	}
	if fl := snap.Following[s.AccountID]; fl != nil && !fl.AcceptsLanguage(s.Language) {
		return reject(ReasonLanguage)
	}
	if home && snap.ExclusiveMembers[s.AccountID] {
		return reject(ReasonExclusiveList)
	}
	if s.IsReblog() {
		if fl := snap.Following[s.AccountID]; fl != nil && !fl.ShowReblogs {
			return reject(ReasonReblogsHidden)
		}
		return accept
	}
	if home && s.IsReply() {
		to := *s.InReplyToAccountID
		if to != s.AccountID && to != snap.Recipient.ID && !snap.follows(to) {
			return reject(ReasonReplyToUnfollowed)
		}
	}
	return accept
}

func taggedWith(s *model.Status, snap *Snapshot, tag string) bool {
	for _, t := range s.Tags {
		if tag != "" {
			if t.Name == tag {
				return true
			}
			continue
		}
		if snap.FollowedTags[t.ID] {
			return true
		}
	}
	return false
}

func hiddenByKeyword(s *model.Status, snap *Snapshot, ctx model.FilterContext) bool {
	for _, kf := range snap.Filters {
		if kf.Hides(s, ctx, snap.Now) {
			return true
		}
	}
	return false
}
