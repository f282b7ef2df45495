// Package local is the in-process cache backend used when no Redis address
// is configured. It follows Redis semantics closely enough that the vote
// windows, leaderboards and session tokens behave the same on either backend:
// every key has one type, TTLs apply to any type, empty collections vanish,
// and range indices may be negative.
package local

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("cache: key not found")
	// ErrWrongType is returned when an operation targets a key holding a
	// different type, like Redis' WRONGTYPE.
	ErrWrongType = errors.New("cache: operation against a key holding the wrong kind of value")
)

// Config holds LocalCache settings.
type Config struct {
	// GCInterval is how often expired keys are swept. Expired keys are also
	// dropped lazily on access.
	GCInterval time.Duration
}

type kind uint8

const (
	kindString kind = iota + 1
	kindSet
	kindZSet
	kindList
)

type item struct {
	kind     kind
	str      string
	set      map[string]struct{}
	zset     *zset
	list     []string
	expireAt time.Time // zero: no expiry
}

func (it *item) expired(now time.Time) bool {
	return !it.expireAt.IsZero() && !now.Before(it.expireAt)
}

func (it *item) empty() bool {
	switch it.kind {
	case kindSet:
		return len(it.set) == 0
	case kindZSet:
		return len(it.zset.scores) == 0
	case kindList:
		return len(it.list) == 0
	}
	return false
}

// LocalCache is an in-process cache implementing the Cache interface.
type LocalCache struct {
	mu    sync.Mutex
	items map[string]*item
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewCache creates a LocalCache and starts the expiry sweeper.
func NewCache(cfg Config) (*LocalCache, error) {
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c := &LocalCache{
		items: make(map[string]*item),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go c.sweep(interval)
	return c, nil
}

// Close stops the sweeper. It is safe to call more than once.
func (c *LocalCache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *LocalCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for k, it := range c.items {
				if it.expired(now) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// lookup returns the live item at key. Callers hold c.mu.
func (c *LocalCache) lookup(key string) *item {
	it, ok := c.items[key]
	if !ok {
		return nil
	}
	if it.expired(c.now()) {
		delete(c.items, key)
		return nil
	}
	return it
}

// typed returns the item at key if it has kind k, creating an empty one when
// create is set. A nil item with nil error means the key is absent.
func (c *LocalCache) typed(key string, k kind, create bool) (*item, error) {
	it := c.lookup(key)
	if it != nil {
		if it.kind != k {
			return nil, ErrWrongType
		}
		return it, nil
	}
	if !create {
		return nil, nil
	}
	it = &item{kind: k}
	switch k {
	case kindSet:
		it.set = make(map[string]struct{})
	case kindZSet:
		it.zset = newZSet()
	}
	c.items[key] = it
	return it, nil
}

// dropIfEmpty removes a collection that lost its last element.
func (c *LocalCache) dropIfEmpty(key string, it *item) {
	if it.empty() {
		delete(c.items, key)
	}
}

func (c *LocalCache) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

// span converts Redis-style inclusive indices, which may count from the end,
// into bounds within a sequence of length n.
func span(n, start, stop int64) (lo, hi int64, ok bool) {
	if start < 0 {
		start = max(start+n, 0)
	}
	if stop < 0 {
		stop += n
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

// ---- KV ----

func (c *LocalCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindString, false)
	if err != nil {
		return "", err
	}
	if it == nil {
		return "", ErrNotFound
	}
	return it.str, nil
}

// Set stores value, replacing a key of any type. A ttl <= 0 never expires.
func (c *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = &item{kind: kindString, str: value, expireAt: c.deadline(ttl)}
	return nil
}

func (c *LocalCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

func (c *LocalCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key) != nil, nil
}

func (c *LocalCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookup(key) != nil {
		return false, nil
	}
	c.items[key] = &item{kind: kindString, str: value, expireAt: c.deadline(ttl)}
	return true, nil
}

// Expire sets a TTL on a key of any type. A ttl <= 0 deletes the key.
func (c *LocalCache) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := c.lookup(key)
	if it == nil {
		return ErrNotFound
	}
	if ttl <= 0 {
		delete(c.items, key)
		return nil
	}
	it.expireAt = c.deadline(ttl)
	return nil
}

// ---- Set ----

func (c *LocalCache) SAdd(_ context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindSet, true)
	if err != nil {
		return err
	}
	for _, m := range members {
		it.set[m] = struct{}{}
	}
	return nil
}

func (c *LocalCache) SRem(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindSet, false)
	if it == nil {
		return err
	}
	for _, m := range members {
		delete(it.set, m)
	}
	c.dropIfEmpty(key, it)
	return nil
}

func (c *LocalCache) SMembers(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindSet, false)
	if it == nil {
		return []string{}, err
	}
	out := make([]string, 0, len(it.set))
	for m := range it.set {
		out = append(out, m)
	}
	return out, nil
}

// ---- ZSet ----

// ScoredMember is one sorted set member with its score. It is an alias of an
// unnamed struct so the redis backend can declare the identical type.
type ScoredMember = struct {
	Member string
	Score  float64
}

// zset keeps scores by member and rebuilds the descending order lazily.
type zset struct {
	scores map[string]float64
	order  []string
	dirty  bool
}

func newZSet() *zset {
	return &zset{scores: make(map[string]float64)}
}

// ranked returns members by score descending; ties order by member
// descending, as ZREVRANGE does.
func (z *zset) ranked() []string {
	if !z.dirty {
		return z.order
	}
	z.order = z.order[:0]
	for m := range z.scores {
		z.order = append(z.order, m)
	}
	slices.SortFunc(z.order, func(a, b string) int {
		sa, sb := z.scores[a], z.scores[b]
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return -strings.Compare(a, b)
	})
	z.dirty = false
	return z.order
}

func (c *LocalCache) ZAdd(_ context.Context, key string, score float64, member string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindZSet, true)
	if err != nil {
		return err
	}
	it.zset.scores[member] = score
	it.zset.dirty = true
	return nil
}

// ZIncrBy adds delta to member's score, creating it at delta if absent.
func (c *LocalCache) ZIncrBy(_ context.Context, key string, delta float64, member string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindZSet, true)
	if err != nil {
		return 0, err
	}
	it.zset.scores[member] += delta
	it.zset.dirty = true
	return it.zset.scores[member], nil
}

func (c *LocalCache) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	scored, err := c.ZRevRangeWithScores(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.Member
	}
	return out, nil
}

// ZRevRangeWithScores is ZRevRange returning scores alongside members.
func (c *LocalCache) ZRevRangeWithScores(_ context.Context, key string, start, stop int64) ([]ScoredMember, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindZSet, false)
	if it == nil {
		return nil, err
	}
	ranked := it.zset.ranked()
	lo, hi, ok := span(int64(len(ranked)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]ScoredMember, 0, hi-lo+1)
	for _, m := range ranked[lo : hi+1] {
		out = append(out, ScoredMember{Member: m, Score: it.zset.scores[m]})
	}
	return out, nil
}

// ZRem removes members from the sorted set.
func (c *LocalCache) ZRem(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindZSet, false)
	if it == nil {
		return err
	}
	for _, m := range members {
		delete(it.zset.scores, m)
	}
	it.zset.dirty = true
	c.dropIfEmpty(key, it)
	return nil
}

func (c *LocalCache) ZScore(_ context.Context, key, member string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindZSet, false)
	if err != nil {
		return 0, err
	}
	if it != nil {
		if s, ok := it.zset.scores[member]; ok {
			return s, nil
		}
	}
	return 0, ErrNotFound
}

// ---- List ----

// LPush inserts values at the head one at a time, so the last value ends up
// first.
func (c *LocalCache) LPush(_ context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindList, true)
	if err != nil {
		return err
	}
	head := slices.Clone(values)
	slices.Reverse(head)
	it.list = append(head, it.list...)
	return nil
}

func (c *LocalCache) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindList, false)
	if it == nil {
		return []string{}, err
	}
	lo, hi, ok := span(int64(len(it.list)), start, stop)
	if !ok {
		return []string{}, nil
	}
	return slices.Clone(it.list[lo : hi+1]), nil
}

// LTrim keeps only the elements in [start, stop]; an empty result deletes
// the key.
func (c *LocalCache) LTrim(_ context.Context, key string, start, stop int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, err := c.typed(key, kindList, false)
	if it == nil {
		return err
	}
	lo, hi, ok := span(int64(len(it.list)), start, stop)
	if !ok {
		delete(c.items, key)
		return nil
	}
	it.list = slices.Clone(it.list[lo : hi+1])
	return nil
}
