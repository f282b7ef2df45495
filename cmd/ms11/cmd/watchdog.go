package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/ms11/watchdog"
	"github.com/spf13/cobra"
)

func newWatchdogCmd(a *app) *cobra.Command {
	c := &cobra.Command{
		Use:   "watchdog",
		Short: "PvP watchdog tools",
	}
	var rules string
	score := &cobra.Command{
		Use:   "score <file|->",
		Short: "Score a scenario",
		Long: `Score a JSON scenario: a single scan object or an array of scans in time order.
Scans are assessed in sequence so sightings and hysteresis carry over.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatchdogScore(cmd, a, args[0], rules)
		},
	}
	score.Flags().StringVar(&rules, "rules", "", "YAML file with extra watchdog rules")
	c.AddCommand(score)
	return c
}

func decodeScans(r io.Reader) ([]watchdog.Scan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty scenario")
	}
	if data[0] == '[' {
		var scans []watchdog.Scan
		if err := json.Unmarshal(data, &scans); err != nil {
			return nil, fmt.Errorf("decode scenario: %w", err)
		}
		return scans, nil
	}
	var scan watchdog.Scan
	if err := json.Unmarshal(data, &scan); err != nil {
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	return []watchdog.Scan{scan}, nil
}

func runWatchdogScore(cmd *cobra.Command, a *app, path, rules string) error {
	in, err := openInput(cmd, path)
	if err != nil {
		return err
	}
	defer in.Close()
	scans, err := decodeScans(in)
	if err != nil {
		return err
	}

	cfg := a.cfg.Watchdog
	if rules != "" {
		extra, err := watchdog.LoadRules(rules)
		if err != nil {
			return err
		}
		cfg.Rules = append(append(cfg.Rules[:0:0], cfg.Rules...), extra...)
	}
	wd, err := watchdog.New(cfg, a.logger)
	if err != nil {
		return err
	}

	base := time.Now()
	results := make([]watchdog.Assessment, 0, len(scans))
	for i, s := range scans {
		if s.Time.IsZero() {
			s.Time = base.Add(time.Duration(i) * time.Second)
		}
		results = append(results, wd.Assess(s))
	}

	out := cmd.OutOrStdout()
	if a.json() {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	t := newTable(out, "#", "Score", "Raw", "Level", "Action", "Top contact", "Alert")
	for i, r := range results {
		top := "-"
		if len(r.Contacts) > 0 && r.Contacts[0].Score > 0 {
			top = fmt.Sprintf("%s (%d)", r.Contacts[0].Contact.Name, r.Contacts[0].Score)
		}
		alert := "-"
		if r.Alert != nil {
			alert = r.Alert.Level.String()
		}
		if err := t.Append([]string{
			fmt.Sprint(i + 1),
			fmt.Sprint(r.Score),
			r.RawLevel.String(),
			r.Level.String(),
			r.Action,
			top,
			alert,
		}); err != nil {
			return err
		}
	}
	if err := t.Render(); err != nil {
		return err
	}

	last := results[len(results)-1]
	if len(last.Contacts) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	ct := newTable(out, "Contact", "Score", "Reasons")
	for _, c := range last.Contacts {
		if err := ct.Append([]string{c.Contact.Name, fmt.Sprint(c.Score), strings.Join(c.Reasons, "; ")}); err != nil {
			return err
		}
	}
	return ct.Render()
}
