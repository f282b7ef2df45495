package vote

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/testutil"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestWindowState(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	stamps := []time.Time{
		now.Add(-2 * time.Hour), // outside
		now.Add(-time.Hour),     // exactly on the lower bound: outside
		now.Add(-59 * time.Minute),
		now.Add(-time.Minute),
		now,
		now.Add(time.Minute), // future: ignored
	}
	count, oldest := windowState(stamps, now, time.Hour)
	assert.Equal(t, 3, count)
	assert.Equal(t, now.Add(-59*time.Minute), oldest)

	count, oldest = windowState(nil, now, time.Hour)
	assert.Zero(t, count)
	assert.True(t, oldest.IsZero())
}

func TestRetryAfterFloor(t *testing.T) {
	now := time.Now()
	assert.Equal(t, time.Second, retryAfter(now.Add(-time.Hour), now, time.Hour))
	assert.Equal(t, 10*time.Minute, retryAfter(now.Add(-50*time.Minute), now, time.Hour))
}

// Whatever the arrival pattern, no window of length w ever holds more than
// limit accepted events.
func TestProperty_SlidingWindowNeverExceedsLimit(t *testing.T) {
	properties := gopter.NewProperties(nil)
	c, _ := testutil.SetupTestCache(t)
	run := 0
	nextKey := func() string {
		run++
		return fmt.Sprintf("prop:%d", run)
	}

	properties.Property("accepted events per window <= limit", prop.ForAll(
		func(gaps []int, limit int) bool {
			key := nextKey()
			w := slidingWindow{c: c, window: time.Hour}
			ctx := context.Background()
			now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

			var accepted []time.Time
			for _, g := range gaps {
				now = now.Add(time.Duration(g) * time.Minute)
				ok, _, _, err := w.check(ctx, key, limit, now)
				if err != nil {
					return false
				}
				if ok {
					if err := w.record(ctx, key, limit, now); err != nil {
						return false
					}
					accepted = append(accepted, now)
				}
			}
			for _, at := range accepted {
				if n, _ := windowState(accepted, at, time.Hour); n > limit {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 45)),
		gen.IntRange(1, 6),
	))

	properties.Property("a rejection's retry-after is enough", prop.ForAll(
		func(gaps []int) bool {
			key := nextKey()
			w := slidingWindow{c: c, window: time.Hour}
			ctx := context.Background()
			now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			for _, g := range gaps {
				now = now.Add(time.Duration(g) * time.Minute)
				ok, retry, _, _ := w.check(ctx, key, 2, now)
				if ok {
					_ = w.record(ctx, key, 2, now)
					continue
				}
				if again, _, _, _ := w.check(ctx, key, 2, now.Add(retry)); !again {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 30)),
	))

	properties.TestingRun(t)
}
