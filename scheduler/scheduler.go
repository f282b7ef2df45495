// Package scheduler runs the backend's periodic jobs: session reaping,
// leaderboard rebuilds and vote window GC.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TaskFn is one unit of scheduled work. ctx ends when the task is removed or
// the scheduler stops.
type TaskFn func(ctx context.Context) error

// TaskInfo is a snapshot of one task for the admin API.
type TaskInfo struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Repeating bool          `json:"repeating"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastRun   time.Time     `json:"last_run"`
	LastError string        `json:"last_error,omitempty"`
}

type task struct {
	fn     TaskFn
	cancel context.CancelFunc
	info   TaskInfo
}

// Scheduler owns a set of named tasks. Registering a name that already
// exists replaces the old task.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup

	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func New(log *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{tasks: map[string]*task{}, log: log, ctx: ctx, cancel: cancel}
}

// AddTicker runs fn every interval. The next run is timed from the end of
// the previous one, so slow runs never overlap.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	if interval <= 0 {
		s.log.Warn("task not scheduled: interval must be positive", zap.String("task", name))
		return
	}
	s.start(name, interval, true, fn)
	s.log.Info("scheduled", zap.String("task", name), zap.Duration("every", interval))
}

// AddDelay runs fn once after delay.
func (s *Scheduler) AddDelay(name string, delay time.Duration, fn TaskFn) {
	s.start(name, delay, false, fn)
}

func (s *Scheduler) start(name string, d time.Duration, repeat bool, fn TaskFn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if old, ok := s.tasks[name]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{fn: fn, cancel: cancel, info: TaskInfo{Name: name, Interval: d, Repeating: repeat}}
	s.tasks[name] = t

	s.wg.Add(1)
	go s.loop(ctx, t)
}

func (s *Scheduler) loop(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer t.cancel()

	timer := time.NewTimer(t.info.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		err := s.exec(ctx, t.info.Name, t.fn)

		s.mu.Lock()
		t.info.Runs++
		t.info.LastRun = time.Now()
		t.info.LastError = ""
		if err != nil {
			t.info.Failures++
			t.info.LastError = err.Error()
		}
		if !t.info.Repeating && s.tasks[t.info.Name] == t {
			delete(s.tasks, t.info.Name)
		}
		s.mu.Unlock()

		if !t.info.Repeating {
			return
		}
		timer.Reset(t.info.Interval)
	}
}

// RunNow runs fn on the calling goroutine, outside the task table, with the
// same recovery and logging as a scheduled run.
func (s *Scheduler) RunNow(name string, fn TaskFn) error {
	return s.exec(s.ctx, name, fn)
}

func (s *Scheduler) exec(ctx context.Context, name string, fn TaskFn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", zap.String("task", name), zap.Any("panic", r))
			err = fmt.Errorf("scheduler: task %s panicked: %v", name, r)
		}
	}()
	if err = fn(ctx); err != nil {
		s.log.Warn("task failed", zap.String("task", name), zap.Error(err))
	}
	return err
}

// Remove cancels the named task. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		t.cancel()
		delete(s.tasks, name)
	}
}

// Stop cancels every task and waits for running ones to return. Safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	clear(s.tasks)
	s.mu.Unlock()
	s.wg.Wait()
}

// ListTickers returns the names of the repeating tasks, sorted.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name, t := range s.tasks {
		if t.info.Repeating {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Tasks snapshots every pending task, sorted by name.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.info)
	}
	slices.SortFunc(out, func(a, b TaskInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}
