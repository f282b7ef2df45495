package local

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *LocalCache {
	t.Helper()
	c, err := NewCache(Config{GCInterval: time.Minute})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestStrings(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "auth:nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "auth:tok", "42", 0))
	got, err := c.Get(ctx, "auth:tok")
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	live, err := c.Exists(ctx, "auth:tok")
	require.NoError(t, err)
	assert.True(t, live)

	require.NoError(t, c.Del(ctx, "auth:tok", "auth:never-set"))
	_, err = c.Get(ctx, "auth:tok")
	assert.ErrorIs(t, err, ErrNotFound)
}

// fakeClock lets tests move the cache's notion of now.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClockedCache(t *testing.T) (*LocalCache, *fakeClock) {
	c := newTestCache(t)
	clk := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c.mu.Lock()
	c.now = clk.now
	c.mu.Unlock()
	return c, clk
}

func TestTTLExpiry(t *testing.T) {
	c, clk := newClockedCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ttl_key", "val", 10*time.Second))
	clk.advance(9 * time.Second)
	v, err := c.Get(ctx, "ttl_key")
	require.NoError(t, err)
	assert.Equal(t, "val", v)

	clk.advance(time.Second)
	_, err = c.Get(ctx, "ttl_key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpireAppliesToCollections(t *testing.T) {
	c, clk := newClockedCache(t)
	ctx := context.Background()

	require.NoError(t, c.LPush(ctx, "vote:win:ip:1.2.3.4", "1"))
	require.NoError(t, c.Expire(ctx, "vote:win:ip:1.2.3.4", time.Minute))
	clk.advance(time.Minute)
	ok, err := c.Exists(ctx, "vote:win:ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, c.Expire(ctx, "missing", time.Minute), ErrNotFound)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	require.NoError(t, c.Expire(ctx, "k", 0))
	ok, _ = c.Exists(ctx, "k")
	assert.False(t, ok, "non-positive ttl deletes")
}

func TestSetNX_AfterExpiry(t *testing.T) {
	c, clk := newClockedCache(t)
	ctx := context.Background()
	ok, _ := c.SetNX(ctx, "lock", "a", time.Second)
	require.True(t, ok)
	clk.advance(2 * time.Second)
	ok, _ = c.SetNX(ctx, "lock", "b", time.Second)
	assert.True(t, ok)
	v, _ := c.Get(ctx, "lock")
	assert.Equal(t, "b", v)
}

func TestWrongType(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.ZAdd(ctx, "board", 1, "x"))

	_, err := c.Get(ctx, "board")
	assert.ErrorIs(t, err, ErrWrongType)
	assert.ErrorIs(t, c.LPush(ctx, "board", "v"), ErrWrongType)
	assert.ErrorIs(t, c.SAdd(ctx, "board", "v"), ErrWrongType)

	require.NoError(t, c.Set(ctx, "board", "plain", 0), "SET replaces any type")
	v, err := c.Get(ctx, "board")
	require.NoError(t, err)
	assert.Equal(t, "plain", v)
}

func TestEmptyCollectionsVanish(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, "s", "a"))
	require.NoError(t, c.SRem(ctx, "s", "a"))
	ok, _ := c.Exists(ctx, "s")
	assert.False(t, ok)

	require.NoError(t, c.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, c.ZRem(ctx, "z", "a"))
	ok, _ = c.Exists(ctx, "z")
	assert.False(t, ok)

	require.NoError(t, c.LPush(ctx, "l", "a"))
	require.NoError(t, c.LTrim(ctx, "l", 5, 10))
	ok, _ = c.Exists(ctx, "l")
	assert.False(t, ok)
}

func TestNegativeIndices(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.LPush(ctx, "l", "e", "d", "c", "b", "a"))

	tail, err := c.LRange(ctx, "l", -2, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, tail)

	all, _ := c.LRange(ctx, "l", -100, 100)
	assert.Len(t, all, 5)

	none, _ := c.LRange(ctx, "l", 3, 1)
	assert.Empty(t, none)

	require.NoError(t, c.LTrim(ctx, "l", 1, -2))
	mid, _ := c.LRange(ctx, "l", 0, -1)
	assert.Equal(t, []string{"b", "c", "d"}, mid)

	for i, m := range []string{"a", "b", "c"} {
		require.NoError(t, c.ZAdd(ctx, "z", float64(i), m))
	}
	bottom, _ := c.ZRevRange(ctx, "z", -1, -1)
	assert.Equal(t, []string{"a"}, bottom)
}

func TestZSetTiesOrderByMemberDescending(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	for _, m := range []string{"12", "30", "7"} {
		require.NoError(t, c.ZAdd(ctx, "board", 5, m))
	}
	got, _ := c.ZRevRange(ctx, "board", 0, -1)
	assert.Equal(t, []string{"7", "30", "12"}, got)
}

func TestSetNX_HeldLock(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	won, err := c.SetNX(ctx, "reaper:lock", "node-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = c.SetNX(ctx, "reaper:lock", "node-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)
	holder, _ := c.Get(ctx, "reaper:lock")
	assert.Equal(t, "node-a", holder)
}

func TestSetMembers(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, "vote:win:keys", "k1", "k2", "k3", "k2"))
	keys, err := c.SMembers(ctx, "vote:win:keys")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"k1", "k2", "k3"}, keys)

	require.NoError(t, c.SRem(ctx, "vote:win:keys", "k2"))
	keys, _ = c.SMembers(ctx, "vote:win:keys")
	assert.ElementsMatch(t, []string{"k1", "k3"}, keys)

	keys, err = c.SMembers(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSortedSet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	levels := map[string]float64{"Tarl": 90, "Vek": 80, "Orra": 84}
	for name, lvl := range levels {
		require.NoError(t, c.ZAdd(ctx, "rank:level", lvl, name))
	}
	order, err := c.ZRevRange(ctx, "rank:level", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Tarl", "Orra", "Vek"}, order)

	lvl, err := c.ZScore(ctx, "rank:level", "Orra")
	require.NoError(t, err)
	assert.Equal(t, 84.0, lvl)
	_, err = c.ZScore(ctx, "rank:level", "Nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	top, err := c.ZRevRangeWithScores(ctx, "rank:level", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []ScoredMember{{"Tarl", 90}, {"Orra", 84}}, top)

	require.NoError(t, c.ZRem(ctx, "rank:level", "Tarl", "Nobody"))
	order, _ = c.ZRevRange(ctx, "rank:level", 0, -1)
	assert.Equal(t, []string{"Orra", "Vek"}, order)
}

func TestZIncrBy(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	n, err := c.ZIncrBy(ctx, "votes:guild", 1, "7")
	require.NoError(t, err)
	assert.Equal(t, 1.0, n)

	for i := 0; i < 2; i++ {
		_, err = c.ZIncrBy(ctx, "votes:guild", 1, "9")
		require.NoError(t, err)
	}
	n, err = c.ZIncrBy(ctx, "votes:guild", -1, "7")
	require.NoError(t, err)
	assert.Zero(t, n)

	order, _ := c.ZRevRange(ctx, "votes:guild", 0, -1)
	assert.Equal(t, []string{"9", "7"}, order, "a zero score keeps its member")
}

func TestListPushTrim(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.LPush(ctx, "vote:win:ip:1.2.3.4", "t1"))
	require.NoError(t, c.LPush(ctx, "vote:win:ip:1.2.3.4", "t3", "t2"))
	got, err := c.LRange(ctx, "vote:win:ip:1.2.3.4", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t3", "t1"}, got, "each pushed value lands at the head in turn")

	require.NoError(t, c.LTrim(ctx, "vote:win:ip:1.2.3.4", 0, 1))
	got, _ = c.LRange(ctx, "vote:win:ip:1.2.3.4", 0, -1)
	assert.Equal(t, []string{"t2", "t3"}, got)
}

func TestDelClearsCollections(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.LPush(ctx, "win", "1", "2"))
	require.NoError(t, c.ZAdd(ctx, "board", 3, "x"))
	require.NoError(t, c.Del(ctx, "win", "board"))

	l, err := c.LRange(ctx, "win", 0, -1)
	require.NoError(t, err)
	assert.Empty(t, l)
	_, err = c.ZScore(ctx, "board", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}
