// Package agent drives recorded or live bot telemetry through the recovery
// and watchdog engines and forwards what they decide to the dashboard.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/ms11/recovery"
	"github.com/R21Digital/Project-MorningStar-sub014/ms11/watchdog"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/session"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const chanBuf = 64

// Frame is one unit of telemetry. Either part may be absent.
type Frame struct {
	Sample *recovery.Sample `json:"sample,omitempty"`
	Scan   *watchdog.Scan   `json:"scan,omitempty"`
}

// Source yields frames until io.EOF.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

// Reporter receives session events. The dashboard client implements it.
type Reporter interface {
	RecordEvent(ctx context.Context, sessionID string, ev session.Event) error
}

// Report summarises a run.
type Report struct {
	Frames       int                 `json:"frames"`
	Samples      int                 `json:"samples"`
	Scans        int                 `json:"scans"`
	Start        time.Time           `json:"start"`
	End          time.Time           `json:"end"`
	Incidents    []recovery.Incident `json:"incidents"`
	Open         *recovery.Incident  `json:"open,omitempty"`
	Resolved     int                 `json:"resolved"`
	Failed       int                 `json:"failed"`
	Actions      map[string]int      `json:"actions"`
	Alerts       []watchdog.Alert    `json:"alerts"`
	PeakLevel    watchdog.Level      `json:"peak_level"`
	FinalLevel   watchdog.Level      `json:"final_level"`
	Reported     int                 `json:"reported"`
	ReportErrors int                 `json:"report_errors"`
}

// Duration is the span of telemetry time covered.
func (r *Report) Duration() time.Duration {
	if r.Start.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Runner wires one recovery engine and one watchdog together.
type Runner struct {
	engine    *recovery.Engine
	watchdog  *watchdog.Watchdog
	reporter  Reporter
	sessionID string
	logger    *zap.Logger
}

// New creates a Runner. Either engine may be nil to skip it.
func New(engine *recovery.Engine, wd *watchdog.Watchdog, logger *zap.Logger) *Runner {
	return &Runner{engine: engine, watchdog: wd, logger: logger}
}

// SetReporter forwards events for sessionID to rep.
func (r *Runner) SetReporter(rep Reporter, sessionID string) {
	r.reporter = rep
	r.sessionID = sessionID
}

// Run consumes src until it is exhausted or ctx is cancelled. Reporter
// failures are counted in the report and do not stop the run.
func (r *Runner) Run(ctx context.Context, src Source) (*Report, error) {
	rep := &Report{Actions: make(map[string]int)}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	samples := make(chan recovery.Sample, chanBuf)
	scans := make(chan watchdog.Scan, chanBuf)
	events := make(chan session.Event, chanBuf)

	push := func(ev session.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	if r.engine != nil {
		r.engine.SetListener(func(ev recovery.Event) {
			mu.Lock()
			switch ev.Type {
			case recovery.EventAction:
				rep.Actions[ev.Attempt.Action]++
			case recovery.EventResolved:
				rep.Resolved++
			case recovery.EventFailed:
				rep.Failed++
			}
			mu.Unlock()
			push(incidentEvent(ev))
		})
	}

	// reader
	g.Go(func() error {
		defer close(samples)
		defer close(scans)
		for {
			f, err := src.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			mu.Lock()
			rep.Frames++
			if f.Sample != nil {
				rep.Samples++
				rep.observe(f.Sample.Time)
			}
			if f.Scan != nil {
				rep.Scans++
				rep.observe(f.Scan.Time)
			}
			mu.Unlock()

			if f.Sample != nil && r.engine != nil {
				select {
				case samples <- *f.Sample:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if f.Scan != nil && r.watchdog != nil {
				select {
				case scans <- *f.Scan:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	})

	var producers sync.WaitGroup
	producers.Add(2)

	// recovery
	g.Go(func() error {
		defer producers.Done()
		for s := range samples {
			r.engine.Observe(ctx, s)
		}
		return nil
	})

	// watchdog
	g.Go(func() error {
		defer producers.Done()
		for scan := range scans {
			a := r.watchdog.Assess(scan)
			mu.Lock()
			if a.Level > rep.PeakLevel {
				rep.PeakLevel = a.Level
			}
			rep.FinalLevel = a.Level
			if a.Alert != nil {
				rep.Alerts = append(rep.Alerts, *a.Alert)
			}
			mu.Unlock()
			if a.Alert != nil {
				r.logger.Info("pvp alert",
					zap.String("level", a.Alert.Level.String()),
					zap.String("contact", a.Alert.Contact),
					zap.String("action", a.Alert.Action),
					zap.Int("score", a.Alert.Score))
				push(alertEvent(a.Alert))
			}
		}
		return nil
	})

	g.Go(func() error {
		producers.Wait()
		close(events)
		return nil
	})

	// reporter
	g.Go(func() error {
		for ev := range events {
			if r.reporter == nil {
				continue
			}
			if err := r.reporter.RecordEvent(ctx, r.sessionID, ev); err != nil {
				r.logger.Warn("report event failed", zap.String("kind", ev.Kind), zap.Error(err))
				mu.Lock()
				rep.ReportErrors++
				mu.Unlock()
				continue
			}
			mu.Lock()
			rep.Reported++
			mu.Unlock()
		}
		return nil
	})

	err := g.Wait()
	if r.engine != nil {
		rep.Incidents = r.engine.History()
		if inc, ok := r.engine.Current(); ok {
			rep.Open = &inc
		}
	}
	if err != nil {
		return rep, fmt.Errorf("agent: run: %w", err)
	}
	return rep, nil
}

func (r *Report) observe(t time.Time) {
	if t.IsZero() {
		return
	}
	if r.Start.IsZero() || t.Before(r.Start) {
		r.Start = t
	}
	if t.After(r.End) {
		r.End = t
	}
}

func incidentEvent(ev recovery.Event) session.Event {
	inc := ev.Incident
	data := map[string]interface{}{
		"incident": inc.ID,
		"kind":     string(inc.Kind),
		"severity": inc.Detection.Severity,
	}
	switch ev.Type {
	case recovery.EventDetected:
		return session.Event{Kind: session.EventStuck, Message: inc.Detection.Evidence, Data: data}
	case recovery.EventAction:
		data["action"] = ev.Attempt.Action
		data["outcome"] = ev.Attempt.Outcome
		msg := fmt.Sprintf("%s for %s", ev.Attempt.Action, inc.Kind)
		if ev.Attempt.Err != "" {
			data["error"] = ev.Attempt.Err
			msg += ": " + ev.Attempt.Err
		}
		return session.Event{Kind: session.EventRecovery, Message: msg, Data: data}
	default:
		if n := len(inc.Attempts); n > 0 {
			data["action"] = inc.Attempts[n-1].Action
		}
		data["outcome"] = inc.Outcome
		data["attempts"] = len(inc.Attempts)
		msg := fmt.Sprintf("%s %s after %d attempts", inc.Kind, inc.Outcome, len(inc.Attempts))
		return session.Event{Kind: session.EventRecovery, Message: msg, Data: data}
	}
}

func alertEvent(a *watchdog.Alert) session.Event {
	return session.Event{
		Kind:    session.EventWatchdog,
		Message: fmt.Sprintf("%s threat from %s, %s", a.Level, a.Contact, a.Action),
		Data: map[string]interface{}{
			"level":   a.Level.String(),
			"score":   a.Score,
			"contact": a.Contact,
			"action":  a.Action,
			"reasons": a.Reasons,
		},
	}
}

// JSONLines reads one Frame per line. Blank lines are skipped.
type JSONLines struct {
	sc   *bufio.Scanner
	line int
}

// NewJSONLines wraps r.
func NewJSONLines(r io.Reader) *JSONLines {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	return &JSONLines{sc: sc}
}

func (j *JSONLines) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if !j.sc.Scan() {
			if err := j.sc.Err(); err != nil {
				return Frame{}, fmt.Errorf("agent: line %d: %w", j.line+1, err)
			}
			return Frame{}, io.EOF
		}
		j.line++
		b := j.sc.Bytes()
		if len(bytes.TrimSpace(b)) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			return Frame{}, fmt.Errorf("agent: line %d: %w", j.line, err)
		}
		return f, nil
	}
}

// SliceSource replays frames from memory.
type SliceSource struct {
	frames []Frame
	i      int
}

func NewSliceSource(frames []Frame) *SliceSource { return &SliceSource{frames: frames} }

func (s *SliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.i >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.i]
	s.i++
	return f, nil
}

// LogExecutor performs no game input; it logs each action and succeeds.
// Used for replays.
func LogExecutor(logger *zap.Logger) recovery.Executor {
	return recovery.ExecutorFunc(func(ctx context.Context, action string, d recovery.Detection) error {
		logger.Info("recovery action",
			zap.String("action", action),
			zap.String("kind", string(d.Kind)),
			zap.Float64("severity", d.Severity))
		return nil
	})
}
