package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/R21Digital/Project-MorningStar-sub014/ms11/recovery"
	"github.com/R21Digital/Project-MorningStar-sub014/ms11/watchdog"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type recordingReporter struct {
	mu     sync.Mutex
	events []session.Event
	ids    []string
	fail   bool
}

func (r *recordingReporter) RecordEvent(_ context.Context, id string, ev session.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("dashboard down")
	}
	r.events = append(r.events, ev)
	r.ids = append(r.ids, id)
	return nil
}

func (r *recordingReporter) kinds() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for _, ev := range r.events {
		out[ev.Kind]++
	}
	return out
}

func testRecoveryConfig() config.RecoveryConfig {
	cfg := config.Default().Recovery
	cfg.StallWindow = 10 * time.Second
	cfg.MinSamples = 3
	cfg.VerifyDelay = 2 * time.Second
	return cfg
}

func sampleAt(sec int, x float64) *recovery.Sample {
	return &recovery.Sample{
		Time: t0.Add(time.Duration(sec) * time.Second),
		Pos:  recovery.Position{Planet: "tatooine", X: x},
	}
}

// stuckThenFreed stands still for 8s, which opens an incident, then moves
// away so the first action is verified as clearing it.
func stuckThenFreed() []Frame {
	var frames []Frame
	for i := 0; i <= 8; i++ {
		frames = append(frames, Frame{Sample: sampleAt(i, 0)})
	}
	frames = append(frames, Frame{Sample: sampleAt(9, 5)}, Frame{Sample: sampleAt(10, 6)})
	return frames
}

func threatScan(sec int) *watchdog.Scan {
	return &watchdog.Scan{
		Time: t0.Add(time.Duration(sec) * time.Second),
		Self: watchdog.Self{Faction: watchdog.FactionImperial, Status: watchdog.StatusOvert, Level: 80, Health: 100},
		Contacts: []watchdog.Contact{
			{Name: "Ganker", Faction: watchdog.FactionRebel, Status: watchdog.StatusOvert, Level: 80, Distance: 10, Attacking: true},
		},
	}
}

func newRunner(t *testing.T) *Runner {
	t.Helper()
	logger := zap.NewNop()
	eng := recovery.NewEngine(testRecoveryConfig(), LogExecutor(logger), logger)
	wd, err := watchdog.New(config.Default().Watchdog, logger)
	require.NoError(t, err)
	return New(eng, wd, logger)
}

func TestRunner_ResolvesIncidentAndReports(t *testing.T) {
	r := newRunner(t)
	rep := &recordingReporter{}
	r.SetReporter(rep, "sess-1")

	frames := stuckThenFreed()
	frames[2].Scan = threatScan(2)
	frames[3].Scan = threatScan(3)

	report, err := r.Run(context.Background(), NewSliceSource(frames))
	require.NoError(t, err)

	assert.Equal(t, 11, report.Frames)
	assert.Equal(t, 11, report.Samples)
	assert.Equal(t, 2, report.Scans)
	assert.Equal(t, 10*time.Second, report.Duration())

	require.Len(t, report.Incidents, 1)
	assert.Equal(t, recovery.KindPositionStall, report.Incidents[0].Kind)
	assert.Equal(t, recovery.OutcomeResolved, report.Incidents[0].Outcome)
	assert.Nil(t, report.Open)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, map[string]int{"jump": 1}, report.Actions)

	// The second scan is within the alert cooldown for the same contact.
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, watchdog.LevelCritical, report.Alerts[0].Level)
	assert.Equal(t, watchdog.ActionRetreat, report.Alerts[0].Action)
	assert.Equal(t, watchdog.LevelCritical, report.PeakLevel)

	assert.Equal(t, 4, report.Reported)
	assert.Equal(t, map[string]int{
		session.EventStuck:    1,
		session.EventRecovery: 2,
		session.EventWatchdog: 1,
	}, rep.kinds())
	for _, id := range rep.ids {
		assert.Equal(t, "sess-1", id)
	}
}

func TestRunner_ReporterErrorsCounted(t *testing.T) {
	r := newRunner(t)
	rep := &recordingReporter{fail: true}
	r.SetReporter(rep, "sess-1")

	report, err := r.Run(context.Background(), NewSliceSource(stuckThenFreed()))
	require.NoError(t, err)
	assert.Equal(t, 0, report.Reported)
	assert.Equal(t, 3, report.ReportErrors)
	assert.Equal(t, 1, report.Resolved)
}

func TestRunner_WatchdogOnly(t *testing.T) {
	wd, err := watchdog.New(config.Default().Watchdog, zap.NewNop())
	require.NoError(t, err)
	r := New(nil, wd, zap.NewNop())

	report, err := r.Run(context.Background(), NewSliceSource([]Frame{{Scan: threatScan(0)}}))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scans)
	assert.Len(t, report.Alerts, 1)
	assert.Empty(t, report.Incidents)
}

func TestRunner_SourceError(t *testing.T) {
	r := newRunner(t)
	src := NewJSONLines(strings.NewReader(`{"sample":{"time":"2024-05-01T12:00:00Z","pos":{"planet":"naboo"}}}` + "\nnot json\n"))

	report, err := r.Run(context.Background(), src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Equal(t, 1, report.Samples)
}

func TestJSONLines(t *testing.T) {
	in := `{"sample":{"time":"2024-05-01T12:00:00Z","pos":{"planet":"naboo","x":1,"y":2},"click":{"x":10,"y":20},"quest_key":"q1","quest_progress":2}}

{"scan":{"time":"2024-05-01T12:00:01Z","self":{"faction":"rebel","status":"overt","health":80},"contacts":[{"name":"Vader","faction":"imperial"}]}}
`
	src := NewJSONLines(strings.NewReader(in))
	ctx := context.Background()

	f, err := src.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.Sample)
	assert.Nil(t, f.Scan)
	assert.Equal(t, "naboo", f.Sample.Pos.Planet)
	require.NotNil(t, f.Sample.Click)
	assert.Equal(t, 10.0, f.Sample.Click.X)
	assert.Equal(t, "q1", f.Sample.QuestKey)

	f, err = src.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.Scan)
	assert.Equal(t, 80, f.Scan.Self.Health)
	require.Len(t, f.Scan.Contacts, 1)
	assert.Equal(t, "Vader", f.Scan.Contacts[0].Name)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestIncidentEvent(t *testing.T) {
	inc := recovery.Incident{
		ID:        3,
		Kind:      recovery.KindRepeatedClick,
		Detection: recovery.Detection{Kind: recovery.KindRepeatedClick, Severity: 0.7, Evidence: "5 clicks"},
		Attempts:  []recovery.Attempt{{Action: "clear_target", Outcome: recovery.AttemptNotCleared}},
		Outcome:   recovery.OutcomeFailed,
	}

	ev := incidentEvent(recovery.Event{Type: recovery.EventDetected, Incident: inc})
	assert.Equal(t, session.EventStuck, ev.Kind)
	assert.Equal(t, "5 clicks", ev.Message)
	assert.Equal(t, "repeated_click", ev.Data["kind"])

	at := recovery.Attempt{Action: "camera_reset", Outcome: recovery.AttemptError, Err: "no window"}
	ev = incidentEvent(recovery.Event{Type: recovery.EventAction, Incident: inc, Attempt: &at})
	assert.Equal(t, session.EventRecovery, ev.Kind)
	assert.Equal(t, "camera_reset", ev.Data["action"])
	assert.Equal(t, recovery.AttemptError, ev.Data["outcome"])
	assert.Equal(t, "no window", ev.Data["error"])

	ev = incidentEvent(recovery.Event{Type: recovery.EventFailed, Incident: inc})
	assert.Equal(t, "clear_target", ev.Data["action"])
	assert.Equal(t, recovery.OutcomeFailed, ev.Data["outcome"])
	assert.Equal(t, "repeated_click failed after 1 attempts", ev.Message)
}
