package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_MemorySetGet(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Strategy: StrategyMemory, Namespace: "test"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, Entry{Key: "a", Value: []byte("hello")}))

	v, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", string(v))
}

func TestCache_RejectsEmptyKey(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Strategy: StrategyMemory})
	require.NoError(t, err)

	err = c.Set(context.Background(), Entry{Key: "", Value: []byte("x")})
	assert.Error(t, err)
}

func TestCache_EncryptionRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := New(Options{
		Strategy:  StrategyMemory,
		Namespace: "secure",
		Encrypt:   true,
		MasterKey: []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, Entry{Key: "k", Value: []byte("secret")}))

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "secret", string(v))
}

func TestCache_TagInvalidation(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Strategy: StrategyMemory, Namespace: "tagged"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, Entry{Key: "p1", Value: []byte("1"), Tags: []string{"products"}}))
	require.NoError(t, c.Set(ctx, Entry{Key: "p2", Value: []byte("2"), Tags: []string{"products"}}))
	require.NoError(t, c.Set(ctx, Entry{Key: "u1", Value: []byte("3"), Tags: []string{"users"}}))

	require.NoError(t, c.InvalidateTags(ctx, "products"))

	_, ok, _ := c.Get(ctx, "p1")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "p2")
	assert.False(t, ok)
	_, ok, _ = c.Get(ctx, "u1")
	assert.True(t, ok)
}

func TestCache_HybridPromotesHotRedisKeys(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	c, err := New(Options{
		Strategy:    StrategyHybrid,
		Namespace:   "hybrid",
		RedisClient: client,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, Entry{Key: "hot", Value: []byte("v")}))
	c.memory.delete(c.mustWireKey(t, "hot"))

	for i := 0; i < defaultHotAccessThreshold; i++ {
		_, ok, err := c.Get(ctx, "hot")
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, ok := c.memory.get(c.mustWireKey(t, "hot"))
	assert.True(t, ok)
}

func TestCache_Health_ReportsHitRate(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Strategy: StrategyMemory})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, Entry{Key: "k", Value: []byte("v")}))
	_, _, _ = c.Get(ctx, "k")
	_, _, _ = c.Get(ctx, "missing")

	h := c.Health()
	assert.Equal(t, int64(1), h.Hits)
	assert.Equal(t, int64(1), h.Misses)
	assert.InDelta(t, 0.5, h.HitRate, 0.001)
}

func TestCache_ExistsClearGetTTLExpire(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Strategy: StrategyMemory, Namespace: "ops"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, Entry{Key: "a", Value: []byte("1")}))

	ok, err := c.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, ok, err := c.GetTTL(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, ttl.Seconds(), 0.0)

	extended, err := c.Expire(ctx, "a", 0)
	require.NoError(t, err)
	assert.True(t, extended)

	require.NoError(t, c.Clear(ctx))
	ok, err = c.Exists(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_MGetMSet(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Strategy: StrategyMemory, Namespace: "batch"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.MSet(ctx, []Entry{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2")},
	}))

	got, err := c.MGet(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got["a"])
	assert.Equal(t, []byte("2"), got["b"])
	_, present := got["missing"]
	assert.False(t, present)
}

func TestCache_Keys(t *testing.T) {
	t.Parallel()

	c, err := New(Options{Strategy: StrategyMemory, Namespace: "keys"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, Entry{Key: "user:1", Value: []byte("1")}))
	require.NoError(t, c.Set(ctx, Entry{Key: "user:2", Value: []byte("2")}))
	require.NoError(t, c.Set(ctx, Entry{Key: "order:1", Value: []byte("3")}))

	matched, err := c.Keys(ctx, "user:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user:1", "user:2"}, matched)
}

func TestCache_Get_SwallowsRedisFailure(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	c, err := New(Options{Strategy: StrategyRedis, Namespace: "broken", RedisClient: client})
	require.NoError(t, err)

	mr.Close() // subsequent redis calls now fail

	v, ok, err := c.Get(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
}

// mustWireKey exposes wireKey for the promotion test above without
// widening the package's public surface.
func (c *Cache) mustWireKey(t *testing.T, key string) string {
	t.Helper()
	k, err := c.wireKey(key)
	require.NoError(t, err)
	return k
}
