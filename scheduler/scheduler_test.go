package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func counter(n *int32, by int32) TaskFn {
	return func(context.Context) error {
		atomic.AddInt32(n, by)
		return nil
	}
}

func noop(context.Context) error { return nil }

func TestAddTicker_Fires(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var count int32
	s.AddTicker("tick", 20*time.Millisecond, counter(&count, 1))

	time.Sleep(120 * time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&count), int32(3))
}

func TestAddTicker_Replaces(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var count1, count2 int32
	s.AddTicker("task", 20*time.Millisecond, counter(&count1, 1))
	time.Sleep(30 * time.Millisecond)
	s.AddTicker("task", 20*time.Millisecond, counter(&count2, 1))
	time.Sleep(80 * time.Millisecond)

	snap1 := atomic.LoadInt32(&count1)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, snap1, atomic.LoadInt32(&count1), "old ticker must stop after replacement")
	assert.Positive(t, atomic.LoadInt32(&count2))
}

func TestAddDelay_ReplacesCancelsOld(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var count int32
	s.AddDelay("d", 500*time.Millisecond, counter(&count, 1))
	s.AddDelay("d", 30*time.Millisecond, counter(&count, 10))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(10), atomic.LoadInt32(&count))
}

func TestRemove(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var ticks, delays int32
	s.AddTicker("task", 20*time.Millisecond, counter(&ticks, 1))
	s.AddDelay("d", 100*time.Millisecond, counter(&delays, 1))
	time.Sleep(50 * time.Millisecond)
	s.Remove("task")
	s.Remove("d")
	s.Remove("nope")

	snap := atomic.LoadInt32(&ticks)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, snap, atomic.LoadInt32(&ticks), "ticker must stop after Remove")
	assert.Equal(t, int32(0), atomic.LoadInt32(&delays))
}

func TestStop_CancelsContext(t *testing.T) {
	s := New(zap.NewNop())

	var c1 int32
	done := make(chan struct{})
	s.AddTicker("a", 20*time.Millisecond, counter(&c1, 1))
	s.AddDelay("ctx", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		close(done)
		return ctx.Err()
	})
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled by Stop")
	}
	time.Sleep(30 * time.Millisecond)
	snap := atomic.LoadInt32(&c1)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, snap, atomic.LoadInt32(&c1))
}

func TestListTickers_Sorted(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	require.Empty(t, s.ListTickers())
	s.AddTicker("session_reaper", time.Hour, noop)
	s.AddTicker("leaderboard_rebuild", time.Hour, noop)
	assert.Equal(t, []string{"leaderboard_rebuild", "session_reaper"}, s.ListTickers())

	s.Remove("session_reaper")
	assert.Equal(t, []string{"leaderboard_rebuild"}, s.ListTickers())
}

func TestTasks_RecordsFailures(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	s.AddTicker("flaky", 15*time.Millisecond, func(context.Context) error {
		return errors.New("db down")
	})
	s.AddTicker("panics", 15*time.Millisecond, func(context.Context) error {
		panic("oops")
	})

	assert.Eventually(t, func() bool {
		for _, ti := range s.Tasks() {
			if ti.Runs < 2 {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)

	tasks := s.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, "flaky", tasks[0].Name)
	assert.Equal(t, tasks[0].Runs, tasks[0].Failures)
	assert.Equal(t, "db down", tasks[0].LastError)
	assert.Equal(t, "panics", tasks[1].Name)
	assert.Positive(t, tasks[1].Failures)
}

func TestRunNow(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	var n int32
	require.NoError(t, s.RunNow("manual", counter(&n, 1)))
	assert.Equal(t, int32(1), n)
	assert.Error(t, s.RunNow("boom", func(context.Context) error { panic("x") }))
}

func TestAddTicker_RejectsNonPositiveInterval(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()
	s.AddTicker("spin", 0, noop)
	assert.Empty(t, s.Tasks())
}

func TestDelay_ListedUntilItRuns(t *testing.T) {
	s := New(zap.NewNop())
	defer s.Stop()

	ran := make(chan struct{})
	s.AddDelay("warmup", 20*time.Millisecond, func(context.Context) error {
		close(ran)
		return nil
	})
	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].Repeating)
	assert.Empty(t, s.ListTickers(), "one-shot tasks are not tickers")

	<-ran
	assert.Eventually(t, func() bool { return len(s.Tasks()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestAddAfterStop_Ignored(t *testing.T) {
	s := New(zap.NewNop())
	s.Stop()
	s.AddTicker("late", time.Millisecond, noop)
	assert.Empty(t, s.Tasks())
}
