// Package timeline keeps the precomputed per-account feeds in Redis.
//
// Every timeline key K owns:
//
//	K                 sorted set of status ids, score = id
//	K:reblogs         hash original id -> id of the reblog occupying its slot
//	K:reblogged       hash occupant reblog id -> original id
//	K:reblogs:<orig>  sorted set of suppressed entries waiting for the slot of <orig>
//	K:built           marker set by the first push or a rebuild; an empty K with it is a built, empty timeline
//
// All mutations run as Lua scripts so push+trim and remove+promote are atomic per key.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/timeline-fanout/internal/model"
)

const (
	defaultMaxItems = 400
	// ids sharing a float64 score with a cursor are filtered in Go; fetch a few more than asked
	pageSlack = 64
)

// Entry is one status reference; ReblogOfID is zero for non-reblogs.
type Entry struct {
	StatusID   int64
	ReblogOfID int64
}

// EntryFor builds the entry for s.
func EntryFor(s *model.Status) Entry {
	e := Entry{StatusID: s.ID}
	if s.ReblogOfID != nil {
		e.ReblogOfID = *s.ReblogOfID
	}
	return e
}

// Removal reports what Remove did. Promoted is the id that took over the
// vacated slot, or zero.
type Removal struct {
	Removed  bool
	Promoted int64
}

// Range is a read window. Zero values mean unbounded.
type Range struct {
	MaxID   int64
	SinceID int64
	MinID   int64
	Limit   int
}

// Store is the timeline storage contract used by the fan-out engine.
type Store interface {
	Push(ctx context.Context, key model.TimelineKey, e Entry) (bool, error)
	Remove(ctx context.Context, key model.TimelineKey, e Entry) (Removal, error)
	Contains(ctx context.Context, key model.TimelineKey, statusID int64) (bool, error)
	Page(ctx context.Context, key model.TimelineKey, r Range) ([]int64, error)
	Entries(ctx context.Context, key model.TimelineKey) ([]int64, error)
	Count(ctx context.Context, key model.TimelineKey) (int64, error)
	Floor(ctx context.Context, key model.TimelineKey) (int64, bool, error)
	Exists(ctx context.Context, key model.TimelineKey) (bool, error)
	MarkBuilt(ctx context.Context, key model.TimelineKey) error
	Clear(ctx context.Context, key model.TimelineKey) error
	SetRegenerating(ctx context.Context, accountID int64, on bool) error
	Regenerating(ctx context.Context, accountID int64) (bool, error)
	MaxItems() int
}

// Options configures a RedisStore.
type Options struct {
	MaxItems        int
	RegenerationTTL time.Duration
}

// RedisStore implements Store on a go-redis client.
type RedisStore struct {
	rdb             redis.Cmdable
	maxItems        int
	regenerationTTL time.Duration
}

// NewRedisStore builds a store. MaxItems defaults to 400.
func NewRedisStore(rdb redis.Cmdable, opts Options) *RedisStore {
	if opts.MaxItems <= 0 {
		opts.MaxItems = defaultMaxItems
	}
	if opts.RegenerationTTL <= 0 {
		opts.RegenerationTTL = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, maxItems: opts.MaxItems, regenerationTTL: opts.RegenerationTTL}
}

func (s *RedisStore) MaxItems() int { return s.maxItems }

func keys(k string) []string {
	return []string{k, k + ":reblogs", k + ":reblogged", builtKey(k)}
}

func builtKey(k string) string { return k + ":built" }

func reblogArg(e Entry) string {
	if e.ReblogOfID == 0 {
		return ""
	}
	return strconv.FormatInt(e.ReblogOfID, 10)
}

// Push inserts e unless it or another entry of the same original already
// holds the slot. It reports whether e is present in the timeline afterwards.
func (s *RedisStore) Push(ctx context.Context, key model.TimelineKey, e Entry) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	if e.StatusID <= 0 || e.ReblogOfID < 0 || e.ReblogOfID == e.StatusID {
		return false, fmt.Errorf("timeline push: invalid entry %+v", e)
	}
	n, err := pushScript.Run(ctx, s.rdb, keys(key.String()),
		strconv.FormatInt(e.StatusID, 10), reblogArg(e), s.maxItems).Int64()
	if err != nil {
		return false, fmt.Errorf("timeline push %s: %w", key, err)
	}
	return n == 1, nil
}

// Remove deletes e from the timeline and from any alternate set. When e held
// a slot, the lowest-id alternate is promoted in the same step.
func (s *RedisStore) Remove(ctx context.Context, key model.TimelineKey, e Entry) (Removal, error) {
	if err := key.Validate(); err != nil {
		return Removal{}, err
	}
	res, err := removeScript.Run(ctx, s.rdb, keys(key.String()),
		strconv.FormatInt(e.StatusID, 10), reblogArg(e)).Slice()
	if err != nil {
		return Removal{}, fmt.Errorf("timeline remove %s: %w", key, err)
	}
	if len(res) != 2 {
		return Removal{}, fmt.Errorf("timeline remove %s: unexpected reply %v", key, res)
	}
	var out Removal
	if n, ok := res[0].(int64); ok && n == 1 {
		out.Removed = true
	}
	if p, ok := res[1].(string); ok && p != "" {
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return Removal{}, fmt.Errorf("timeline remove %s: bad promoted id %q", key, p)
		}
		out.Promoted = id
	}
	return out, nil
}

func (s *RedisStore) Contains(ctx context.Context, key model.TimelineKey, statusID int64) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	err := s.rdb.ZScore(ctx, key.String(), strconv.FormatInt(statusID, 10)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("timeline contains %s: %w", key, err)
	}
	return true, nil
}

// Page returns ids newest first.
//
// With MinID set the window is read upwards from MinID (exclusive) and capped
// by MaxID, so a client walking forward never skips entries. Otherwise it is
// read downwards from MaxID (exclusive) and stops at SinceID (exclusive).
func (s *RedisStore) Page(ctx context.Context, key model.TimelineKey, r Range) ([]int64, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if r.Limit <= 0 {
		return []int64{}, nil
	}

	lower := r.SinceID
	if r.MinID > 0 {
		lower = r.MinID
	}
	by := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: int64(r.Limit + pageSlack)}
	if lower > 0 {
		by.Min = strconv.FormatInt(lower, 10)
	}
	if r.MaxID > 0 {
		by.Max = strconv.FormatInt(r.MaxID, 10)
	}

	var members []string
	var err error
	if r.MinID > 0 {
		members, err = s.rdb.ZRangeByScore(ctx, key.String(), by).Result()
	} else {
		members, err = s.rdb.ZRevRangeByScore(ctx, key.String(), by).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("timeline page %s: %w", key, err)
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		if lower > 0 && id <= lower {
			continue
		}
		if r.MaxID > 0 && id >= r.MaxID {
			continue
		}
		ids = append(ids, id)
	}

	if r.MinID > 0 {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if len(ids) > r.Limit {
			ids = ids[:r.Limit]
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
		return ids, nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if len(ids) > r.Limit {
		ids = ids[:r.Limit]
	}
	return ids, nil
}

// Entries returns every id in the timeline, newest first.
func (s *RedisStore) Entries(ctx context.Context, key model.TimelineKey) ([]int64, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	members, err := s.rdb.ZRevRange(ctx, key.String(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("timeline entries %s: %w", key, err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if id, err := strconv.ParseInt(m, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids, nil
}

func (s *RedisStore) Count(ctx context.Context, key model.TimelineKey) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	n, err := s.rdb.ZCard(ctx, key.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("timeline count %s: %w", key, err)
	}
	return n, nil
}

// Floor returns the lowest retained id and whether the timeline is at capacity.
func (s *RedisStore) Floor(ctx context.Context, key model.TimelineKey) (int64, bool, error) {
	if err := key.Validate(); err != nil {
		return 0, false, err
	}
	k := key.String()
	pipe := s.rdb.Pipeline()
	card := pipe.ZCard(ctx, k)
	low := pipe.ZRange(ctx, k, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, false, fmt.Errorf("timeline floor %s: %w", key, err)
	}
	members := low.Val()
	if len(members) == 0 {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(members[0], 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("timeline floor %s: %w", key, err)
	}
	return id, card.Val() >= int64(s.maxItems), nil
}

// Exists reports whether the timeline has been built, even if it is empty now.
func (s *RedisStore) Exists(ctx context.Context, key model.TimelineKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	n, err := s.rdb.Exists(ctx, key.String(), builtKey(key.String())).Result()
	if err != nil {
		return false, fmt.Errorf("timeline exists %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkBuilt records that key was built, so an empty timeline is not taken for a missing one.
func (s *RedisStore) MarkBuilt(ctx context.Context, key model.TimelineKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, builtKey(key.String()), "1", 0).Err(); err != nil {
		return fmt.Errorf("timeline mark built %s: %w", key, err)
	}
	return nil
}

// Clear drops the timeline together with its reblog bookkeeping.
func (s *RedisStore) Clear(ctx context.Context, key model.TimelineKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := clearScript.Run(ctx, s.rdb, keys(key.String())).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("timeline clear %s: %w", key, err)
	}
	return nil
}

func regenerationKey(accountID int64) string {
	return "account:" + strconv.FormatInt(accountID, 10) + ":regeneration"
}

// SetRegenerating raises or clears the per-account regeneration marker.
func (s *RedisStore) SetRegenerating(ctx context.Context, accountID int64, on bool) error {
	var err error
	if on {
		err = s.rdb.Set(ctx, regenerationKey(accountID), "1", s.regenerationTTL).Err()
	} else {
		err = s.rdb.Del(ctx, regenerationKey(accountID)).Err()
	}
	if err != nil {
		return fmt.Errorf("timeline regeneration flag %d: %w", accountID, err)
	}
	return nil
}

func (s *RedisStore) Regenerating(ctx context.Context, accountID int64) (bool, error) {
	n, err := s.rdb.Exists(ctx, regenerationKey(accountID)).Result()
	if err != nil {
		return false, fmt.Errorf("timeline regeneration flag %d: %w", accountID, err)
	}
	return n > 0, nil
}
