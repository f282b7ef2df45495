package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/ms11/client"
	"github.com/R21Digital/Project-MorningStar-sub014/script"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/loot"
	"github.com/spf13/cobra"
)

const uploadBatch = 1000

// parsedLoot is one classified loot line.
type parsedLoot struct {
	Time     time.Time `json:"time,omitempty"`
	Kind     string    `json:"kind"`
	Item     string    `json:"item"`
	Quantity int64     `json:"quantity"`
	Category string    `json:"category"`
	Rarity   string    `json:"rarity"`
	Source   string    `json:"source,omitempty"`
	Looter   string    `json:"looter,omitempty"`
}

type lootSummary struct {
	Lines      int              `json:"lines"`
	Parsed     int              `json:"parsed"`
	Credits    int64            `json:"credits"`
	ByCategory map[string]int64 `json:"by_category"`
	Entries    []parsedLoot     `json:"entries"`
}

func newLootCmd(a *app) *cobra.Command {
	c := &cobra.Command{
		Use:   "loot",
		Short: "Loot log tools",
	}

	var date string
	parse := &cobra.Command{
		Use:   "parse <file|->",
		Short: "Parse and classify a chat log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLootParse(cmd, a, args[0], date)
		},
	}
	parse.Flags().StringVar(&date, "date", "", "date for [HH:MM:SS] stamps (YYYY-MM-DD, default today)")

	var character, planet string
	upload := &cobra.Command{
		Use:   "upload <file|->",
		Short: "Upload a chat log to the dashboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLootUpload(cmd, a, args[0], character, planet, date)
		},
	}
	upload.Flags().StringVar(&character, "character", "", "character the log belongs to (default loot.character)")
	upload.Flags().StringVar(&planet, "planet", "", "planet the loot was collected on")
	upload.Flags().StringVar(&date, "date", "", "date for [HH:MM:SS] stamps (YYYY-MM-DD, default today)")

	c.AddCommand(parse, upload)
	return c
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q: %w", s, err)
	}
	return t, nil
}

func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func (a *app) classifier() (*loot.Classifier, error) {
	var sb *script.Sandbox
	if len(a.cfg.Loot.CustomRules) > 0 {
		sb = script.NewSandbox(a.cfg.Script.VMPoolSize, a.cfg.Script.Timeout, a.logger)
	}
	return loot.NewClassifier(sb, a.cfg.Loot.CustomRules, a.logger)
}

func runLootParse(cmd *cobra.Command, a *app, path, date string) error {
	day, err := parseDate(date)
	if err != nil {
		return err
	}
	in, err := openInput(cmd, path)
	if err != nil {
		return err
	}
	defer in.Close()
	lines, err := readLines(in)
	if err != nil {
		return err
	}
	cl, err := a.classifier()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sum := summarizeLoot(ctx, loot.Parser{Date: day}, cl, lines)

	out := cmd.OutOrStdout()
	if a.json() {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}

	t := newTable(out, "Time", "Item", "Qty", "Category", "Rarity", "Source")
	for _, e := range sum.Entries {
		ts := "-"
		if !e.Time.IsZero() {
			ts = e.Time.Format(time.TimeOnly)
		}
		src := e.Source
		if e.Looter != "" {
			src = "group: " + e.Looter
		}
		if err := t.Append([]string{ts, e.Item, fmt.Sprint(e.Quantity), e.Category, e.Rarity, src}); err != nil {
			return err
		}
	}
	if err := t.Render(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	st := newTable(out, "Category", "Quantity")
	cats := make([]string, 0, len(sum.ByCategory))
	for c := range sum.ByCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	for _, c := range cats {
		if err := st.Append([]string{c, fmt.Sprint(sum.ByCategory[c])}); err != nil {
			return err
		}
	}
	if err := st.Render(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d of %d lines were loot\n", sum.Parsed, sum.Lines)
	return nil
}

func summarizeLoot(ctx context.Context, p loot.Parser, cl *loot.Classifier, lines []string) *lootSummary {
	sum := &lootSummary{Lines: len(lines), ByCategory: make(map[string]int64)}
	for _, line := range lines {
		ev, err := p.ParseLine(line)
		if err != nil {
			continue
		}
		e := parsedLoot{Time: ev.Time, Kind: ev.Kind, Item: ev.Item, Quantity: ev.Quantity, Source: ev.Source, Looter: ev.Character}
		if ev.Kind == loot.KindCredits {
			e.Item, e.Category, e.Rarity = "credits", loot.CategoryCredits, loot.RarityCommon
			sum.Credits += ev.Quantity
		} else {
			c := cl.Classify(ctx, ev.Item)
			e.Category, e.Rarity = c.Category, c.Rarity
		}
		sum.ByCategory[e.Category] += e.Quantity
		sum.Entries = append(sum.Entries, e)
		sum.Parsed++
	}
	return sum
}

func runLootUpload(cmd *cobra.Command, a *app, path, character, planet, date string) error {
	day, err := parseDate(date)
	if err != nil {
		return err
	}
	if character == "" {
		character = a.cfg.Loot.Character
	}
	if character == "" {
		return errors.New("--character is required")
	}
	in, err := openInput(cmd, path)
	if err != nil {
		return err
	}
	defer in.Close()
	lines, err := readLines(in)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	dash := client.New(a.cfg.Dashboard, a.logger)
	res := &loot.IngestResult{}
	for start := 0; start < len(lines); start += uploadBatch {
		end := min(start+uploadBatch, len(lines))
		part, err := dash.IngestLoot(ctx, loot.IngestRequest{Character: character, Planet: planet, Date: day, Lines: lines[start:end]})
		if err != nil {
			return fmt.Errorf("upload lines %d-%d: %w", start+1, end, err)
		}
		res.Parsed += part.Parsed
		res.Skipped += part.Skipped
		res.Stored += part.Stored
	}

	out := cmd.OutOrStdout()
	if a.json() {
		return json.NewEncoder(out).Encode(res)
	}
	fmt.Fprintf(out, "parsed %d, skipped %d, stored %d\n", res.Parsed, res.Skipped, res.Stored)
	return nil
}
