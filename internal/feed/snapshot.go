package feed

import (
	"regexp"
	"strings"
	"time"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

// Snapshot is everything the filter needs to know about one recipient.
// It is built by Loader and never touched by the filter afterwards.
type Snapshot struct {
	Now       time.Time
	Recipient *model.Account

	// keyed by target account id
	Following map[int64]*model.Follow
	Blocking  map[int64]bool
	BlockedBy map[int64]bool
	Muting    map[int64]*model.Mute

	DomainBlocks       map[string]bool
	ExclusiveMembers   map[int64]bool
	FollowedTags       map[int64]bool
	MutedConversations map[int64]bool
	Filters            []KeywordFilter

	// only set for list snapshots
	List        *model.List
	ListMembers map[int64]bool
}

// NewSnapshot returns an empty snapshot for recipient.
func NewSnapshot(recipient *model.Account, now time.Time) *Snapshot {
	return &Snapshot{
		Now:                now,
		Recipient:          recipient,
		Following:          map[int64]*model.Follow{},
		Blocking:           map[int64]bool{},
		BlockedBy:          map[int64]bool{},
		Muting:             map[int64]*model.Mute{},
		DomainBlocks:       map[string]bool{},
		ExclusiveMembers:   map[int64]bool{},
		FollowedTags:       map[int64]bool{},
		MutedConversations: map[int64]bool{},
		ListMembers:        map[int64]bool{},
	}
}

func (s *Snapshot) follows(id int64) bool { return s.Following[id] != nil }

func (s *Snapshot) mutes(id int64) bool {
	m := s.Muting[id]
	return m != nil && m.ActiveAt(s.Now)
}

// KeywordFilter is a custom filter with its keywords compiled.
type KeywordFilter struct {
	Filter *model.CustomFilter
	re     *regexp.Regexp
}

// CompileFilter builds the matcher for f. Filters without keywords never match.
func CompileFilter(f *model.CustomFilter) KeywordFilter {
	parts := make([]string, 0, len(f.Keywords))
	for _, kw := range f.Keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		q := regexp.QuoteMeta(kw)
		if f.WholeWord {
			q = `\b` + q + `\b`
		}
		parts = append(parts, q)
	}
	kf := KeywordFilter{Filter: f}
	if len(parts) > 0 {
		kf.re = regexp.MustCompile(`(?i)(?:` + strings.Join(parts, "|") + `)`)
	}
	return kf
}

// Hides reports whether the filter removes s from timelines of ctx at now.
func (k KeywordFilter) Hides(s *model.Status, ctx model.FilterContext, now time.Time) bool {
	if k.re == nil || k.Filter.Action != model.FilterActionHide {
		return false
	}
	if !k.Filter.ActiveAt(now) || !k.Filter.AppliesTo(ctx) {
		return false
	}
	t := s.Target()
	return k.re.MatchString(t.Text) || k.re.MatchString(t.SpoilerText)
}
