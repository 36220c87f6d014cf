package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/xypriss/xypriss/xyerrors"
)

// redisTier is the optional second tier backing StrategyRedis and
// StrategyHybrid, using go-redis/v9 directly rather than through a
// higher-level cache wrapper so TTLs and byte payloads stay explicit.
type redisTier struct {
	client *redis.Client
}

func newRedisTier(client *redis.Client) *redisTier {
	return &redisTier{client: client}
}

func (r *redisTier) set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return xyerrors.Transient(err, "cache: redis set failed for key %q", key)
	}
	return nil
}

func (r *redisTier) get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xyerrors.Transient(err, "cache: redis get failed for key %q", key)
	}
	return v, true, nil
}

func (r *redisTier) delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return xyerrors.Transient(err, "cache: redis delete failed for key %q", key)
	}
	return nil
}

func (r *redisTier) exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, xyerrors.Transient(err, "cache: redis exists failed for key %q", key)
	}
	return n > 0, nil
}

func (r *redisTier) ttl(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, xyerrors.Transient(err, "cache: redis ttl failed for key %q", key)
	}
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (r *redisTier) expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, xyerrors.Transient(err, "cache: redis expire failed for key %q", key)
	}
	return ok, nil
}

// keys scans the keyspace for every key matching pattern (glob syntax per
// Redis SCAN MATCH), cursoring until exhausted rather than using the
// blocking KEYS command.
func (r *redisTier) keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, xyerrors.Transient(err, "cache: redis scan failed for pattern %q", pattern)
		}
		out = append(out, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// purge deletes every key in the client's current database.
func (r *redisTier) purge(ctx context.Context) error {
	if err := r.client.FlushDB(ctx).Err(); err != nil {
		return xyerrors.Transient(err, "cache: redis flushdb failed")
	}
	return nil
}

// mget fetches multiple keys concurrently using an errgroup, returning a
// map of only the keys that were present.
func (r *redisTier) mget(ctx context.Context, keys []string) (map[string][]byte, error) {
	results := make(map[string][]byte, len(keys))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, k := range keys {
		k := k
		g.Go(func() error {
			v, ok, err := r.get(ctx, k)
			if err != nil {
				return err
			}
			if ok {
				mu.Lock()
				results[k] = v
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// mset writes multiple entries concurrently using an errgroup, aborting on
// the first failure.
func (r *redisTier) mset(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)
	for k, v := range entries {
		k, v := k, v
		g.Go(func() error { return r.set(ctx, k, v, ttl) })
	}
	return g.Wait()
}
