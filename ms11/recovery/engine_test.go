package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() config.RecoveryConfig {
	return config.RecoveryConfig{
		WindowSize:             1000,
		WindowMaxAge:           10 * time.Minute,
		StallWindow:            10 * time.Second,
		MinMovement:            2,
		MinSamples:             5,
		ClickRepeat:            5,
		ClickRadius:            3,
		ClickWindow:            15 * time.Second,
		QuestStallTimeout:      time.Minute,
		OscillationWindow:      20 * time.Second,
		OscillationReversals:   4,
		OscillationNetDistance: 8,
		VerifyDelay:            3 * time.Second,
		MaxAttempts:            3,
		BaseBackoff:            2 * time.Second,
		MaxBackoff:             10 * time.Second,
		FailedCooldown:         30 * time.Second,
	}
}

type recorder struct {
	calls []string
	err   error
}

func (r *recorder) Execute(ctx context.Context, action string, d Detection) error {
	r.calls = append(r.calls, action)
	return r.err
}

func newTestEngine(cfg config.RecoveryConfig, exec Executor) (*Engine, *[]Event) {
	e := NewEngine(cfg, exec, zap.NewNop())
	var events []Event
	e.SetListener(func(ev Event) { events = append(events, ev) })
	return e, &events
}

func feed(e *Engine, from, to int, p Position) {
	for i := from; i <= to; i++ {
		e.Observe(context.Background(), Sample{Time: at(i), Pos: p})
	}
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestEngine_ResolvesAfterFirstAction(t *testing.T) {
	rec := &recorder{}
	e, events := newTestEngine(testConfig(), rec)

	feed(e, 0, 7, pos(0, 0))
	assert.Equal(t, StateMonitoring, e.State())

	feed(e, 8, 8, pos(0, 0))
	assert.Equal(t, StateRecovering, e.State())
	assert.Equal(t, []string{"jump"}, rec.calls)

	// the jump worked
	feed(e, 9, 11, pos(5, 0))
	assert.Equal(t, StateMonitoring, e.State())
	assert.Equal(t, []string{EventDetected, EventAction, EventResolved}, eventTypes(*events))

	h := e.History()
	require.Len(t, h, 1)
	assert.Equal(t, OutcomeResolved, h[0].Outcome)
	require.Len(t, h[0].Attempts, 1)
	assert.Equal(t, AttemptCleared, h[0].Attempts[0].Outcome)
	assert.Equal(t, at(11), *h[0].EndedAt)
	_, open := e.Current()
	assert.False(t, open)
}

func TestEngine_EscalatesThenFails(t *testing.T) {
	rec := &recorder{}
	e, events := newTestEngine(testConfig(), rec)

	feed(e, 0, 17, pos(0, 0))
	// jump at 8, strafe_left at 11 (backoff 2s), strafe_right at 15 (backoff 4s)
	assert.Equal(t, []string{"jump", "strafe_left", "strafe_right"}, rec.calls)
	cur, ok := e.Current()
	require.True(t, ok)
	require.Len(t, cur.Attempts, 3)
	assert.Equal(t, at(8), cur.Attempts[0].At)
	assert.Equal(t, at(11), cur.Attempts[1].At)
	assert.Equal(t, at(15), cur.Attempts[2].At)
	assert.Equal(t, AttemptNotCleared, cur.Attempts[1].Outcome)

	feed(e, 18, 18, pos(0, 0))
	assert.Equal(t, StateFailed, e.State())
	h := e.History()
	require.Len(t, h, 1)
	assert.Equal(t, OutcomeFailed, h[0].Outcome)
	assert.ErrorIs(t, h[0].Err, ErrUnrecoverable)
	assert.Len(t, h[0].Attempts, 3, "never more than max attempts")
	assert.Equal(t, EventFailed, (*events)[len(*events)-1].Type)

	e.Tick(context.Background(), at(47))
	assert.Equal(t, StateFailed, e.State())
	e.Tick(context.Background(), at(48))
	assert.Equal(t, StateMonitoring, e.State())
}

func TestEngine_ExecutorErrorsCountAsAttempts(t *testing.T) {
	rec := &recorder{err: errors.New("client gone")}
	e, _ := newTestEngine(testConfig(), rec)

	feed(e, 0, 14, pos(0, 0))
	assert.Equal(t, []string{"jump", "strafe_left", "strafe_right"}, rec.calls)
	assert.Equal(t, StateFailed, e.State())
	h := e.History()
	require.Len(t, h, 1)
	for _, a := range h[0].Attempts {
		assert.Equal(t, AttemptError, a.Outcome)
		assert.Equal(t, "client gone", a.Err)
	}
	assert.Equal(t, at(14), h[0].Attempts[2].At)
}

func TestEngine_WaitsWhileActionsCoolDown(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(testConfig(), rec)
	e.SetPlaybook(KindPositionStall, []Action{{Name: "jump", Cooldown: time.Hour}})

	feed(e, 0, 60, pos(0, 0))
	assert.Equal(t, []string{"jump"}, rec.calls)
	assert.Equal(t, StateRecovering, e.State())
	cur, _ := e.Current()
	assert.Len(t, cur.Attempts, 1)

	e.Tick(context.Background(), at(8).Add(time.Hour))
	assert.Equal(t, []string{"jump", "jump"}, rec.calls)
}

func TestEngine_CooldownCarriesAcrossIncidents(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(testConfig(), rec)
	e.SetPlaybook(KindPositionStall, []Action{{Name: "jump", Cooldown: time.Minute}, {Name: "strafe_left", Cooldown: 5 * time.Second}})

	feed(e, 0, 8, pos(0, 0))
	feed(e, 9, 11, pos(5, 0)) // resolved by jump at 8
	require.Equal(t, StateMonitoring, e.State())

	// stuck again at the new spot at 19; jump cools down until 68
	feed(e, 12, 20, pos(5, 0))
	require.Len(t, rec.calls, 2)
	assert.Equal(t, "strafe_left", rec.calls[1])
}

func TestEngine_EmptyPlaybookFails(t *testing.T) {
	rec := &recorder{}
	e, events := newTestEngine(testConfig(), rec)
	e.SetPlaybook(KindPositionStall, nil)

	feed(e, 0, 8, pos(0, 0))
	assert.Empty(t, rec.calls)
	assert.Equal(t, StateFailed, e.State())
	assert.Equal(t, []string{EventDetected, EventFailed}, eventTypes(*events))
}

func TestEngine_Backoff(t *testing.T) {
	e := NewEngine(testConfig(), &recorder{}, zap.NewNop())
	assert.Equal(t, time.Duration(0), e.backoff(0))
	assert.Equal(t, 2*time.Second, e.backoff(1))
	assert.Equal(t, 4*time.Second, e.backoff(2))
	assert.Equal(t, 8*time.Second, e.backoff(3))
	assert.Equal(t, 10*time.Second, e.backoff(4))
	assert.Equal(t, 10*time.Second, e.backoff(30))
}

func TestEngine_IgnoresOutOfOrderSamples(t *testing.T) {
	rec := &recorder{}
	e, _ := newTestEngine(testConfig(), rec)
	feed(e, 0, 8, pos(0, 0))
	require.Len(t, rec.calls, 1)
	e.Observe(context.Background(), Sample{Time: at(3), Pos: pos(50, 50)})
	assert.Equal(t, StateRecovering, e.State())
}

func TestNewEngine_PriorityFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Priority = []string{"path_oscillation", "repeated_click", "position_stall", "quest_stall"}
	e := NewEngine(cfg, &recorder{}, zap.NewNop())
	assert.Equal(t, []Kind{KindPathOscillation, KindRepeatedClick, KindPositionStall, KindQuestStall}, e.priority)

	assert.Equal(t, DefaultPriority, NewEngine(testConfig(), &recorder{}, zap.NewNop()).priority)
}
