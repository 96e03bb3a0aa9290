// Package followcache keeps the local follower id index of an account in a
// Redis list so fan-out does not page the follows table on every status.
package followcache

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/timeline-fanout/internal/repository"
)

// FollowerIndex serves follower ids from Redis and falls back to the DB.
type FollowerIndex struct {
	follows repository.FollowRepository
	cache   redis.Cmdable
	ttl     time.Duration
	batch   int

	indexLoads atomic.Int64
	cacheHits  atomic.Int64
}

// NewFollowerIndex builds an index. batch bounds both the DB page size and
// the LRANGE window handed to callers.
func NewFollowerIndex(follows repository.FollowRepository, cache redis.Cmdable, ttl time.Duration, batch int) *FollowerIndex {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if batch <= 0 {
		batch = 1000
	}
	return &FollowerIndex{follows: follows, cache: cache, ttl: ttl, batch: batch}
}

func indexKey(accountID int64) string {
	return "followers:index:" + strconv.FormatInt(accountID, 10)
}

// Each calls fn with successive batches of local follower ids of accountID.
// Iteration stops at the first error returned by fn.
func (s *FollowerIndex) Each(ctx context.Context, accountID int64, fn func(ids []int64) error) error {
	key := indexKey(accountID)

	exists, err := s.cache.Exists(ctx, key).Result()
	if err == nil && exists > 0 {
		s.cacheHits.Add(1)
		for start := int64(0); ; start += int64(s.batch) {
			vals, err := s.cache.LRange(ctx, key, start, start+int64(s.batch)-1).Result()
			if err != nil {
				return fmt.Errorf("follower index %d: %w", accountID, err)
			}
			if len(vals) == 0 {
				return nil
			}
			ids := make([]int64, 0, len(vals))
			for _, v := range vals {
				if id, err := strconv.ParseInt(v, 10, 64); err == nil {
					ids = append(ids, id)
				}
			}
			if err := fn(ids); err != nil {
				return err
			}
			if len(vals) < s.batch {
				return nil
			}
		}
	}

	all, err := s.loadAndCache(ctx, accountID)
	if err != nil {
		return err
	}
	for start := 0; start < len(all); start += s.batch {
		end := start + s.batch
		if end > len(all) {
			end = len(all)
		}
		if err := fn(all[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// IDs returns every cached follower id.
func (s *FollowerIndex) IDs(ctx context.Context, accountID int64) ([]int64, error) {
	var out []int64
	err := s.Each(ctx, accountID, func(ids []int64) error {
		out = append(out, ids...)
		return nil
	})
	return out, err
}

// Invalidate drops the cached index; the next read reloads it.
func (s *FollowerIndex) Invalidate(ctx context.Context, accountID int64) error {
	return s.cache.Del(ctx, indexKey(accountID)).Err()
}

func (s *FollowerIndex) loadAndCache(ctx context.Context, accountID int64) ([]int64, error) {
	s.indexLoads.Add(1)

	var all []int64
	var after int64
	for {
		ids, err := s.follows.LocalFollowerIDs(ctx, accountID, after, s.batch)
		if err != nil {
			return nil, fmt.Errorf("load followers of %d: %w", accountID, err)
		}
		all = append(all, ids...)
		if len(ids) < s.batch {
			break
		}
		after = ids[len(ids)-1]
	}

	// Store as Redis List
	if len(all) > 0 {
		key := indexKey(accountID)
		pipe := s.cache.Pipeline()
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, interfaceSlice(all)...)
		pipe.Expire(ctx, key, s.ttl)
		// a failed cache write only costs a reload
		_, _ = pipe.Exec(ctx)
	}
	return all, nil
}

func interfaceSlice(ids []int64) []interface{} {
	result := make([]interface{}, len(ids))
	for i, id := range ids {
		result[i] = id
	}
	return result
}

// ResetCounters clears recorded load counters.
func (s *FollowerIndex) ResetCounters() {
	s.indexLoads.Store(0)
	s.cacheHits.Store(0)
}

// Counters reports how often the index was rebuilt from the DB or served from Redis.
func (s *FollowerIndex) Counters() Counters {
	return Counters{
		IndexLoads: s.indexLoads.Load(),
		CacheHits:  s.cacheHits.Load(),
	}
}

// Counters summarises index reads during a run.
type Counters struct {
	IndexLoads int64
	CacheHits  int64
}
