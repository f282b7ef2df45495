// Package recovery detects when the bot is stuck and drives corrective
// actions until the condition clears or the incident is given up.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"go.uber.org/zap"
)

// ErrUnrecoverable closes an incident that exhausted its attempts.
var ErrUnrecoverable = errors.New("recovery: incident unrecoverable")

// State of the engine.
type State string

const (
	StateMonitoring State = "monitoring"
	StateRecovering State = "recovering"
	StateFailed     State = "failed"
)

var validTransitions = map[State]map[State]bool{
	StateMonitoring: {
		StateRecovering: true, // detection opens an incident
	},
	StateRecovering: {
		StateMonitoring: true, // verification cleared the condition
		StateFailed:     true, // max attempts exhausted
	},
	StateFailed: {
		StateMonitoring: true, // failed cooldown elapsed
	},
}

// Attempt outcomes.
const (
	AttemptDispatched = "dispatched"
	AttemptError      = "error"
	AttemptCleared    = "cleared"
	AttemptNotCleared = "not_cleared"
)

// Incident outcomes.
const (
	OutcomeResolved = "resolved"
	OutcomeFailed   = "failed"
)

// Attempt is one dispatched action.
type Attempt struct {
	Action  string    `json:"action"`
	At      time.Time `json:"at"`
	Outcome string    `json:"outcome"`
	Err     string    `json:"error,omitempty"`
}

// Incident is one stuck episode from detection to resolution or failure.
type Incident struct {
	ID        int        `json:"id"`
	Kind      Kind       `json:"kind"`
	Detection Detection  `json:"detection"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Attempts  []Attempt  `json:"attempts"`
	Outcome   string     `json:"outcome,omitempty"`
	Err       error      `json:"-"`
}

func (inc *Incident) clone() Incident {
	c := *inc
	c.Attempts = append([]Attempt(nil), inc.Attempts...)
	return c
}

// Event types delivered to the listener.
const (
	EventDetected = "detected"
	EventAction   = "action"
	EventResolved = "resolved"
	EventFailed   = "failed"
)

// Event reports an engine transition.
type Event struct {
	Type     string   `json:"type"`
	Incident Incident `json:"incident"`
	Attempt  *Attempt `json:"attempt,omitempty"`
}

// Listener receives engine events. It is called without the engine lock
// held.
type Listener func(Event)

// Executor performs an action in the game client.
type Executor interface {
	Execute(ctx context.Context, action string, d Detection) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action string, d Detection) error

func (f ExecutorFunc) Execute(ctx context.Context, action string, d Detection) error {
	return f(ctx, action, d)
}

const historyLimit = 100

// Engine is the recovery state machine. Time comes from sample timestamps
// or the now passed to Tick, so replays are deterministic.
type Engine struct {
	mu        sync.Mutex
	cfg       config.RecoveryConfig
	window    *Window
	detectors []Detector
	byKind    map[Kind]Detector
	playbook  Playbook
	priority  []Kind
	exec      Executor
	listener  Listener
	logger    *zap.Logger

	state        State
	incident     *Incident
	next         int
	pending      bool
	lastDispatch time.Time
	verifyAt     time.Time
	failedUntil  time.Time
	cooldowns    map[string]time.Time
	history      []Incident
	seq          int
	events       []Event
}

// NewEngine creates an engine with the default detectors, playbook and
// priority.
func NewEngine(cfg config.RecoveryConfig, exec Executor, logger *zap.Logger) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	e := &Engine{
		cfg:       cfg,
		window:    NewWindow(cfg.WindowSize, cfg.WindowMaxAge),
		playbook:  DefaultPlaybook(),
		priority:  DefaultPriority,
		exec:      exec,
		logger:    logger,
		state:     StateMonitoring,
		cooldowns: make(map[string]time.Time),
	}
	e.SetDetectors(Detectors(cfg))
	if len(cfg.Priority) > 0 {
		order := make([]Kind, len(cfg.Priority))
		for i, k := range cfg.Priority {
			order[i] = Kind(k)
		}
		e.SetPriority(order)
	}
	return e
}

// SetDetectors replaces the detector set.
func (e *Engine) SetDetectors(ds []Detector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detectors = ds
	e.byKind = make(map[Kind]Detector, len(ds))
	for _, d := range ds {
		e.byKind[d.Kind()] = d
	}
}

// SetPlaybook replaces the actions for one kind.
func (e *Engine) SetPlaybook(kind Kind, acts []Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playbook[kind] = acts
}

// SetPriority sets the tie-break order, lowest priority first.
func (e *Engine) SetPriority(p []Kind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priority = p
}

// SetListener registers the event listener.
func (e *Engine) SetListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

// Observe records a sample and advances the state machine to its time.
// Samples older than the newest one are ignored.
func (e *Engine) Observe(ctx context.Context, s Sample) {
	e.mu.Lock()
	if e.window.Add(s) {
		e.tick(ctx, s.Time)
	}
	events, l := e.drain()
	e.mu.Unlock()
	emit(l, events)
}

// Tick advances the state machine without a new sample.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.mu.Lock()
	e.tick(ctx, now)
	events, l := e.drain()
	e.mu.Unlock()
	emit(l, events)
}

func (e *Engine) drain() ([]Event, Listener) {
	ev := e.events
	e.events = nil
	return ev, e.listener
}

func emit(l Listener, events []Event) {
	if l == nil {
		return
	}
	for _, ev := range events {
		l(ev)
	}
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Current returns the open incident, if any.
func (e *Engine) Current() (Incident, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.incident == nil {
		return Incident{}, false
	}
	return e.incident.clone(), true
}

// History returns closed incidents, oldest first.
func (e *Engine) History() []Incident {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Incident, len(e.history))
	for i := range e.history {
		out[i] = e.history[i].clone()
	}
	return out
}

func (e *Engine) transition(to State) {
	if !validTransitions[e.state][to] {
		panic(fmt.Sprintf("recovery: invalid transition %s -> %s", e.state, to))
	}
	e.state = to
}

func (e *Engine) tick(ctx context.Context, now time.Time) {
	switch e.state {
	case StateMonitoring:
		d, ok := e.detect(now)
		if !ok {
			return
		}
		e.open(d, now)
		if len(e.playbook[d.Kind]) == 0 {
			e.close(OutcomeFailed, now)
			return
		}
		e.dispatch(ctx, now)

	case StateRecovering:
		inc := e.incident
		if e.pending {
			if now.Before(e.verifyAt) {
				return
			}
			e.pending = false
			last := &inc.Attempts[len(inc.Attempts)-1]
			if det, ok := e.byKind[inc.Kind]; !ok || det.Cleared(e.window, e.lastDispatch.Add(time.Nanosecond), now) {
				last.Outcome = AttemptCleared
				e.close(OutcomeResolved, now)
				return
			}
			last.Outcome = AttemptNotCleared
		}
		if len(inc.Attempts) >= e.cfg.MaxAttempts {
			e.close(OutcomeFailed, now)
			return
		}
		if now.Before(e.lastDispatch.Add(e.backoff(len(inc.Attempts)))) {
			return
		}
		e.dispatch(ctx, now)

	case StateFailed:
		if now.Before(e.failedUntil) {
			return
		}
		e.transition(StateMonitoring)
	}
}

func (e *Engine) detect(now time.Time) (Detection, bool) {
	var fired []Detection
	for _, d := range e.detectors {
		if det, ok := d.Detect(e.window, now); ok {
			fired = append(fired, det)
		}
	}
	return Select(fired, e.priority)
}

// backoff is the minimum gap after the n-th attempt of an incident.
func (e *Engine) backoff(n int) time.Duration {
	if n <= 0 || e.cfg.BaseBackoff <= 0 {
		return 0
	}
	d := e.cfg.BaseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if e.cfg.MaxBackoff > 0 && d >= e.cfg.MaxBackoff {
			return e.cfg.MaxBackoff
		}
	}
	if e.cfg.MaxBackoff > 0 && d > e.cfg.MaxBackoff {
		return e.cfg.MaxBackoff
	}
	return d
}

func (e *Engine) open(d Detection, now time.Time) {
	e.seq++
	e.incident = &Incident{ID: e.seq, Kind: d.Kind, Detection: d, StartedAt: now}
	e.next = 0
	e.pending = false
	e.transition(StateRecovering)
	e.logger.Info("stuck detected",
		zap.String("kind", string(d.Kind)),
		zap.Float64("severity", d.Severity),
		zap.String("evidence", d.Evidence))
	e.events = append(e.events, Event{Type: EventDetected, Incident: e.incident.clone()})
}

// pick returns the next action in playbook order that is not cooling down,
// wrapping around once the playbook is exhausted.
func (e *Engine) pick(now time.Time) (Action, bool) {
	acts := e.playbook[e.incident.Kind]
	for i := 0; i < len(acts); i++ {
		idx := (e.next + i) % len(acts)
		if until, ok := e.cooldowns[acts[idx].Name]; ok && now.Before(until) {
			continue
		}
		e.next = idx + 1
		return acts[idx], true
	}
	return Action{}, false
}

func (e *Engine) dispatch(ctx context.Context, now time.Time) {
	inc := e.incident
	act, ok := e.pick(now)
	if !ok {
		e.logger.Debug("all recovery actions cooling down", zap.String("kind", string(inc.Kind)))
		return
	}
	e.cooldowns[act.Name] = now.Add(act.Cooldown)
	e.lastDispatch = now

	at := Attempt{Action: act.Name, At: now, Outcome: AttemptDispatched}
	if err := e.exec.Execute(ctx, act.Name, inc.Detection); err != nil {
		at.Outcome, at.Err = AttemptError, err.Error()
		e.logger.Warn("recovery action failed", zap.String("action", act.Name), zap.Error(err))
	} else {
		e.pending = true
		e.verifyAt = now.Add(e.cfg.VerifyDelay)
	}
	inc.Attempts = append(inc.Attempts, at)
	e.events = append(e.events, Event{Type: EventAction, Incident: inc.clone(), Attempt: &at})

	if at.Outcome == AttemptError && len(inc.Attempts) >= e.cfg.MaxAttempts {
		e.close(OutcomeFailed, now)
	}
}

func (e *Engine) close(outcome string, now time.Time) {
	inc := e.incident
	inc.EndedAt = &now
	inc.Outcome = outcome
	evType := EventResolved
	if outcome == OutcomeFailed {
		inc.Err = ErrUnrecoverable
		evType = EventFailed
		e.failedUntil = now.Add(e.cfg.FailedCooldown)
		e.transition(StateFailed)
		e.logger.Warn("stuck incident unrecoverable",
			zap.String("kind", string(inc.Kind)),
			zap.Int("attempts", len(inc.Attempts)))
	} else {
		e.transition(StateMonitoring)
		e.logger.Info("stuck incident resolved",
			zap.String("kind", string(inc.Kind)),
			zap.Int("attempts", len(inc.Attempts)))
	}
	e.history = append(e.history, inc.clone())
	if len(e.history) > historyLimit {
		e.history = e.history[len(e.history)-historyLimit:]
	}
	e.events = append(e.events, Event{Type: evType, Incident: inc.clone()})
	e.incident = nil
	e.pending = false

	// Evidence from before the incident closed must not reopen it.
	last, ok := e.window.Last()
	e.window.Reset()
	if ok {
		e.window.Add(last)
	}
}
