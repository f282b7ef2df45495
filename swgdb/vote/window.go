package vote

import (
	"context"
	"strconv"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/cache"
)

// windowKeysSet tracks every live window list so GC can find them.
const windowKeysSet = "vote:win:keys"

// windowState counts the timestamps inside (now-window, now] and returns
// the oldest one among them.
func windowState(stamps []time.Time, now time.Time, window time.Duration) (count int, oldest time.Time) {
	lower := now.Add(-window)
	for _, ts := range stamps {
		if !ts.After(lower) || ts.After(now) {
			continue
		}
		count++
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
	}
	return count, oldest
}

// retryAfter is how long until the oldest in-window stamp leaves the window.
func retryAfter(oldest, now time.Time, window time.Duration) time.Duration {
	d := oldest.Add(window).Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// slidingWindow is a timestamp log stored in a cache list, newest first.
type slidingWindow struct {
	c      cache.Cache
	window time.Duration
}

func (w slidingWindow) load(ctx context.Context, key string) ([]time.Time, error) {
	raw, err := w.c.LRange(ctx, key, 0, -1)
	if err != nil {
		if cache.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]time.Time, 0, len(raw))
	for _, s := range raw {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, time.Unix(0, n))
	}
	return out, nil
}

// check reports whether one more event fits under limit at now.
func (w slidingWindow) check(ctx context.Context, key string, limit int, now time.Time) (ok bool, retry time.Duration, remaining int, err error) {
	stamps, err := w.load(ctx, key)
	if err != nil {
		return false, 0, 0, err
	}
	count, oldest := windowState(stamps, now, w.window)
	if count >= limit {
		return false, retryAfter(oldest, now, w.window), 0, nil
	}
	return true, 0, limit - count - 1, nil
}

// record appends now and trims the log to the newest keep entries.
func (w slidingWindow) record(ctx context.Context, key string, keep int, now time.Time) error {
	if err := w.c.LPush(ctx, key, strconv.FormatInt(now.UnixNano(), 10)); err != nil {
		return err
	}
	if err := w.c.LTrim(ctx, key, 0, int64(keep-1)); err != nil {
		return err
	}
	// The log is useless once its newest stamp leaves the window; let the
	// cache drop it even if gc never runs.
	if err := w.c.Expire(ctx, key, w.window+time.Minute); err != nil {
		return err
	}
	return w.c.SAdd(ctx, windowKeysSet, key)
}

// gc drops logs whose newest stamp has left the window. Returns how many
// logs were removed.
func (w slidingWindow) gc(ctx context.Context, now time.Time) (int, error) {
	keys, err := w.c.SMembers(ctx, windowKeysSet)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		stamps, err := w.load(ctx, key)
		if err != nil {
			return removed, err
		}
		if n, _ := windowState(stamps, now, w.window); n > 0 {
			continue
		}
		if err := w.c.Del(ctx, key); err != nil {
			return removed, err
		}
		_ = w.c.SRem(ctx, windowKeysSet, key)
		removed++
	}
	return removed, nil
}
