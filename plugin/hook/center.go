// Package hook lets operators and tests observe or veto SWGDB events without
// the emitting service knowing who listens.
package hook

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// ErrInterrupt stops the chain. For Before* events it vetoes the action.
var ErrInterrupt = errors.New("hook interrupted")

// HookFn handles one event. It returns the (possibly replaced) data; returning
// ErrInterrupt stops the remaining handlers.
type HookFn func(ctx context.Context, event string, data any) (any, error)

type hookEntry struct {
	priority int
	seq      uint64
	name     string
	fn       HookFn
}

// HookCenter holds handlers per event, ordered by priority then registration.
type HookCenter struct {
	mu     sync.RWMutex
	hooks  map[string][]*hookEntry
	seq    uint64
	logger *zap.Logger
}

// Option configures a HookCenter.
type Option func(*HookCenter)

// WithLogger reports handler errors and panics to l.
func WithLogger(l *zap.Logger) Option {
	return func(hc *HookCenter) { hc.logger = l.Named("hook") }
}

// NewHookCenter creates an empty HookCenter.
func NewHookCenter(opts ...Option) *HookCenter {
	hc := &HookCenter{hooks: make(map[string][]*hookEntry), logger: zap.NewNop()}
	for _, o := range opts {
		o(hc)
	}
	return hc
}

// Register adds fn for event. Lower priority runs first; equal priorities run
// in registration order. The returned func removes just this handler.
func (hc *HookCenter) Register(event string, priority int, name string, fn HookFn) func() {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.seq++
	e := &hookEntry{priority: priority, seq: hc.seq, name: name, fn: fn}
	entries := append(hc.hooks[event], e)
	slices.SortStableFunc(entries, func(a, b *hookEntry) int {
		return a.priority - b.priority
	})
	hc.hooks[event] = entries
	return func() {
		hc.remove(func(ev string, x *hookEntry) bool { return ev == event && x.seq == e.seq })
	}
}

// Unregister removes every handler called name from event.
func (hc *HookCenter) Unregister(event, name string) {
	hc.remove(func(ev string, x *hookEntry) bool { return ev == event && x.name == name })
}

// UnregisterAll removes every handler called name from all events.
func (hc *HookCenter) UnregisterAll(name string) {
	hc.remove(func(_ string, x *hookEntry) bool { return x.name == name })
}

func (hc *HookCenter) remove(match func(event string, e *hookEntry) bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	for event, entries := range hc.hooks {
		kept := slices.DeleteFunc(slices.Clone(entries), func(e *hookEntry) bool { return match(event, e) })
		if len(kept) == 0 {
			delete(hc.hooks, event)
			continue
		}
		hc.hooks[event] = kept
	}
}

// Trigger runs the handlers for event in order, threading data through them.
// ErrInterrupt stops the chain and is returned as is. Other errors, including
// recovered panics, are logged and joined into the result while the chain
// continues.
func (hc *HookCenter) Trigger(ctx context.Context, event string, data any) (any, error) {
	hc.mu.RLock()
	entries := slices.Clone(hc.hooks[event])
	hc.mu.RUnlock()

	var errs []error
	for _, e := range entries {
		out, err := hc.call(ctx, e, event, data)
		if errors.Is(err, ErrInterrupt) {
			return out, err
		}
		if err != nil {
			hc.logger.Warn("hook failed", zap.String("event", event), zap.String("hook", e.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
			continue
		}
		data = out
	}
	return data, errors.Join(errs...)
}

func (hc *HookCenter) call(ctx context.Context, e *hookEntry, event string, data any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = data, fmt.Errorf("panic: %v", r)
		}
	}()
	return e.fn(ctx, event, data)
}

// Count reports how many handlers are registered for event.
func (hc *HookCenter) Count(event string) int {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return len(hc.hooks[event])
}

// ---- Hook event names ----

const (
	// BeforeVoteCast receives a *vote.Ballot; ErrInterrupt rejects the vote.
	BeforeVoteCast = "before_vote_cast"
	OnVoteCast     = "on_vote_cast"
	// BeforeLootStore receives a *model.LootEntry; ErrInterrupt drops it.
	BeforeLootStore  = "before_loot_store"
	OnLootLogged     = "on_loot_logged"
	OnQuestComplete  = "on_quest_complete"
	OnHeroicComplete = "on_heroic_complete"
	OnSessionStart   = "on_session_start"
	OnSessionEnd     = "on_session_end"
	OnSessionLost    = "on_session_lost"
	OnStuckDetected  = "on_stuck_detected"
	OnRecovery       = "on_recovery"
	OnWatchdogAlert  = "on_watchdog_alert"
	OnBotConnect     = "on_bot_connect"
	OnBotDisconnect  = "on_bot_disconnect"
)
