package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"shelfmatch/internal/logging"
	"shelfmatch/internal/model"
)

// defaultCacheTTL bounds how long a cached result set is served before
// the catalog is consulted again.
const defaultCacheTTL = 12 * time.Hour

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// CachedSearcher serves catalog results from Redis when a matching
// query was searched recently, falling back to the wrapped searcher
// on a miss. Cache failures degrade to a live search; they never fail
// the lookup.
type CachedSearcher struct {
	next Searcher
	rdb  *redis.Client
	ttl  time.Duration
}

var _ Searcher = (*CachedSearcher)(nil)

// NewCachedSearcher wraps next with a Redis read-through cache.
func NewCachedSearcher(next Searcher, rdb *redis.Client, ttl time.Duration) *CachedSearcher {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedSearcher{next: next, rdb: rdb, ttl: ttl}
}

// Name returns the searcher identifier for logging.
func (s *CachedSearcher) Name() string {
	return "cached/" + s.next.Name()
}

// Search returns the cached result set for the query when present,
// otherwise performs a live search and caches its outcome. Empty
// result sets are cached too; "no candidates" is as cacheable as any
// other answer.
func (s *CachedSearcher) Search(ctx context.Context, query, retailerHint string) ([]model.Candidate, error) {
	key := cacheKey(query, retailerHint)

	val, err := s.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		var cands []model.Candidate
		if jsonErr := json.Unmarshal([]byte(val), &cands); jsonErr == nil {
			return cands, nil
		}
		// Undecodable entry: fall through to a live search, which
		// rewrites the key.
	case !errors.Is(err, redis.Nil):
		logging.Warn("search cache read failed, using live search", "key", key, "err", err)
	}

	cands, err := s.next.Search(ctx, query, retailerHint)
	if err != nil {
		return nil, err
	}

	if data, jsonErr := json.Marshal(cands); jsonErr == nil {
		if setErr := s.rdb.Set(ctx, key, data, s.ttl).Err(); setErr != nil {
			logging.Warn("search cache write failed", "key", key, "err", setErr)
		}
	}
	return cands, nil
}

func cacheKey(query, retailerHint string) string {
	sum := sha256.Sum256([]byte(query + "\x00" + retailerHint))
	return fmt.Sprintf("shelfmatch:search:%x", sum[:12])
}
