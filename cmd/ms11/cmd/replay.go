package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/ms11/agent"
	"github.com/R21Digital/Project-MorningStar-sub014/ms11/client"
	"github.com/R21Digital/Project-MorningStar-sub014/ms11/recovery"
	"github.com/R21Digital/Project-MorningStar-sub014/ms11/watchdog"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type replayOptions struct {
	report    bool
	character string
	mode      string
	rules     string
}

func newReplayCmd(a *app) *cobra.Command {
	var opts replayOptions
	c := &cobra.Command{
		Use:   "replay <file|->",
		Short: "Replay recorded telemetry",
		Long: `Replay a JSON-lines telemetry recording through the recovery and watchdog engines.
Each line holds a "sample" (position, click, quest progress, combat flag), a "scan"
(self and nearby players), or both.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, a, opts, args[0])
		},
	}
	c.Flags().BoolVar(&opts.report, "report", false, "report the run to the dashboard as a session")
	c.Flags().StringVar(&opts.character, "character", "replay", "character name for the dashboard session")
	c.Flags().StringVar(&opts.mode, "mode", "replay", "session mode for the dashboard session")
	c.Flags().StringVar(&opts.rules, "rules", "", "YAML file with extra watchdog rules")
	return c
}

func runReplay(cmd *cobra.Command, a *app, opts replayOptions, path string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	in, err := openInput(cmd, path)
	if err != nil {
		return err
	}
	defer in.Close()

	wcfg := a.cfg.Watchdog
	if opts.rules != "" {
		extra, err := watchdog.LoadRules(opts.rules)
		if err != nil {
			return err
		}
		wcfg.Rules = append(append(wcfg.Rules[:0:0], wcfg.Rules...), extra...)
	}
	wd, err := watchdog.New(wcfg, a.logger)
	if err != nil {
		return err
	}
	engine := recovery.NewEngine(a.cfg.Recovery, agent.LogExecutor(a.logger), a.logger)
	runner := agent.New(engine, wd, a.logger)

	var (
		dash      *client.Client
		sessionID string
	)
	if opts.report {
		dash = client.New(a.cfg.Dashboard, a.logger)
		sess, err := dash.StartSession(ctx, session.StartRequest{Character: opts.character, Mode: opts.mode})
		if err != nil {
			return fmt.Errorf("start dashboard session: %w", err)
		}
		sessionID = sess.ID
		runner.SetReporter(dash, sessionID)
		a.logger.Info("reporting replay", zap.String("session_id", sessionID))
	}

	report, runErr := runner.Run(ctx, agent.NewJSONLines(in))

	if dash != nil {
		reason := "replay complete"
		if runErr != nil {
			reason = "replay error"
		}
		if err := dash.EndSession(ctx, sessionID, reason); err != nil {
			a.logger.Warn("end dashboard session", zap.Error(err))
		}
	}
	if runErr != nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if a.json() {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return renderReport(out, report, sessionID)
}

func renderReport(w io.Writer, r *agent.Report, sessionID string) error {
	summary := newTable(w, "Metric", "Value")
	rows := [][]string{
		{"Frames", fmt.Sprint(r.Frames)},
		{"Samples", fmt.Sprint(r.Samples)},
		{"Scans", fmt.Sprint(r.Scans)},
		{"Span", r.Duration().String()},
		{"Incidents", fmt.Sprint(len(r.Incidents))},
		{"Resolved", fmt.Sprint(r.Resolved)},
		{"Failed", fmt.Sprint(r.Failed)},
		{"Actions", formatCounts(r.Actions)},
		{"PvP alerts", fmt.Sprint(len(r.Alerts))},
		{"Peak level", r.PeakLevel.String()},
		{"Final level", r.FinalLevel.String()},
	}
	if r.Open != nil {
		rows = append(rows, []string{"Open incident", fmt.Sprintf("#%d %s", r.Open.ID, r.Open.Kind)})
	}
	if sessionID != "" {
		rows = append(rows,
			[]string{"Session", sessionID},
			[]string{"Reported", fmt.Sprintf("%d (%d failed)", r.Reported, r.ReportErrors)})
	}
	for _, row := range rows {
		if err := summary.Append(row); err != nil {
			return err
		}
	}
	if err := summary.Render(); err != nil {
		return err
	}

	if len(r.Incidents) > 0 {
		fmt.Fprintln(w)
		t := newTable(w, "#", "Kind", "Severity", "Started", "Took", "Actions", "Outcome")
		for _, inc := range r.Incidents {
			took := "-"
			if inc.EndedAt != nil {
				took = inc.EndedAt.Sub(inc.StartedAt).String()
			}
			acts := make([]string, 0, len(inc.Attempts))
			for _, at := range inc.Attempts {
				acts = append(acts, at.Action)
			}
			if err := t.Append([]string{
				fmt.Sprint(inc.ID),
				string(inc.Kind),
				fmt.Sprintf("%.2f", inc.Detection.Severity),
				inc.StartedAt.Format(time.TimeOnly),
				took,
				strings.Join(acts, ", "),
				inc.Outcome,
			}); err != nil {
				return err
			}
		}
		if err := t.Render(); err != nil {
			return err
		}
	}

	if len(r.Alerts) > 0 {
		fmt.Fprintln(w)
		t := newTable(w, "Time", "Level", "Score", "Contact", "Action", "Reasons")
		for _, al := range r.Alerts {
			if err := t.Append([]string{
				al.Time.Format(time.TimeOnly),
				al.Level.String(),
				fmt.Sprint(al.Score),
				al.Contact,
				al.Action,
				strings.Join(al.Reasons, "; "),
			}); err != nil {
				return err
			}
		}
		if err := t.Render(); err != nil {
			return err
		}
	}
	return nil
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}
