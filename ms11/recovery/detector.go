package recovery

import (
	"fmt"
	"math"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
)

// Kind identifies a stuck condition.
type Kind string

const (
	KindPositionStall   Kind = "position_stall"
	KindRepeatedClick   Kind = "repeated_click"
	KindQuestStall      Kind = "quest_stall"
	KindPathOscillation Kind = "path_oscillation"
)

// DefaultPriority orders kinds from lowest to highest tie-break priority.
var DefaultPriority = []Kind{KindQuestStall, KindPositionStall, KindRepeatedClick, KindPathOscillation}

// minStep is the smallest movement between samples that counts as a step
// with a heading.
const minStep = 0.25

// reversalAngle is the heading change, in degrees, treated as a reversal.
const reversalAngle = 150.0

// Detection is a fired detector.
type Detection struct {
	Kind     Kind      `json:"kind"`
	Severity float64   `json:"severity"` // 0..1
	Evidence string    `json:"evidence"`
	At       time.Time `json:"at"`
}

// Detector recognises one stuck condition. Detect inspects the window at
// now; Cleared reports whether the samples recorded since an action was
// dispatched show the condition is gone.
type Detector interface {
	Kind() Kind
	Detect(w *Window, now time.Time) (Detection, bool)
	Cleared(w *Window, since, now time.Time) bool
}

// Detectors builds the four detectors from cfg.
func Detectors(cfg config.RecoveryConfig) []Detector {
	return []Detector{
		&PositionStall{Window: cfg.StallWindow, MinMovement: cfg.MinMovement, MinSamples: cfg.MinSamples},
		&RepeatedClick{Repeat: cfg.ClickRepeat, Radius: cfg.ClickRadius, Window: cfg.ClickWindow},
		&QuestStall{Timeout: cfg.QuestStallTimeout, MinMovement: cfg.MinMovement},
		&PathOscillation{Window: cfg.OscillationWindow, Reversals: cfg.OscillationReversals, NetDistance: cfg.OscillationNetDistance},
	}
}

func clamp01(v float64) float64 { return math.Max(0, math.Min(1, v)) }

// PositionStall fires when the character has not moved more than
// MinMovement from where it stood at the start of the stall window. At
// least three quarters of the window must be covered by samples. Combat
// suppresses it.
type PositionStall struct {
	Window      time.Duration
	MinMovement float64
	MinSamples  int
}

func (d *PositionStall) Kind() Kind { return KindPositionStall }

func (d *PositionStall) Detect(w *Window, now time.Time) (Detection, bool) {
	ss := w.Since(now.Add(-d.Window))
	if len(ss) < max(d.MinSamples, 2) {
		return Detection{}, false
	}
	if ss[len(ss)-1].InCombat {
		return Detection{}, false
	}
	if ss[len(ss)-1].Time.Sub(ss[0].Time) < d.Window*3/4 {
		return Detection{}, false
	}
	origin := ss[0].Pos
	maxDisp := 0.0
	for _, s := range ss[1:] {
		maxDisp = math.Max(maxDisp, origin.Distance(s.Pos))
		if maxDisp >= d.MinMovement {
			return Detection{}, false
		}
	}
	return Detection{
		Kind:     KindPositionStall,
		Severity: 0.6 + 0.4*clamp01(1-maxDisp/d.MinMovement),
		Evidence: fmt.Sprintf("moved %.2f in %s over %d samples", maxDisp, ss[len(ss)-1].Time.Sub(ss[0].Time).Round(time.Second), len(ss)),
		At:       now,
	}, true
}

func (d *PositionStall) Cleared(w *Window, since, now time.Time) bool {
	all := w.All()
	ss := w.Since(since)
	if len(ss) == 0 {
		return false
	}
	origin := ss[0].Pos
	if n := len(all) - len(ss); n > 0 {
		origin = all[n-1].Pos
	}
	for _, s := range ss {
		if origin.Distance(s.Pos) >= d.MinMovement || s.InCombat {
			return true
		}
	}
	return false
}

// RepeatedClick fires when at least Repeat clicks land within Radius of one
// another inside Window.
type RepeatedClick struct {
	Repeat int
	Radius float64
	Window time.Duration
}

func (d *RepeatedClick) Kind() Kind { return KindRepeatedClick }

// cluster returns the size of the largest click cluster and its centre.
func (d *RepeatedClick) cluster(ss []Sample) (int, Click) {
	var clicks []Click
	for _, s := range ss {
		if s.Click != nil {
			clicks = append(clicks, *s.Click)
		}
	}
	best, centre := 0, Click{}
	for _, c := range clicks {
		n := 0
		for _, o := range clicks {
			if c.distance(o) <= d.Radius {
				n++
			}
		}
		if n > best {
			best, centre = n, c
		}
	}
	return best, centre
}

func (d *RepeatedClick) Detect(w *Window, now time.Time) (Detection, bool) {
	n, c := d.cluster(w.Since(now.Add(-d.Window)))
	if d.Repeat <= 0 || n < d.Repeat {
		return Detection{}, false
	}
	return Detection{
		Kind:     KindRepeatedClick,
		Severity: clamp01(0.5 * float64(n) / float64(d.Repeat)),
		Evidence: fmt.Sprintf("%d clicks within %.1f of (%.0f,%.0f) in %s", n, d.Radius, c.X, c.Y, d.Window),
		At:       now,
	}, true
}

func (d *RepeatedClick) Cleared(w *Window, since, now time.Time) bool {
	ss := w.Since(since)
	if len(ss) == 0 {
		return false
	}
	n, _ := d.cluster(ss)
	return n < (d.Repeat+1)/2
}

// QuestStall fires when the active quest step has not progressed for
// Timeout while the character kept moving or clicking.
type QuestStall struct {
	Timeout     time.Duration
	MinMovement float64
}

func (d *QuestStall) Kind() Kind { return KindQuestStall }

// unchanged returns the samples since the quest key and progress last
// changed.
func unchanged(ss []Sample) []Sample {
	if len(ss) == 0 {
		return nil
	}
	last := ss[len(ss)-1]
	i := len(ss) - 1
	for i > 0 && ss[i-1].QuestKey == last.QuestKey && ss[i-1].QuestProgress == last.QuestProgress {
		i--
	}
	return ss[i:]
}

func (d *QuestStall) Detect(w *Window, now time.Time) (Detection, bool) {
	ss := unchanged(w.All())
	if len(ss) < 2 || ss[0].QuestKey == "" {
		return Detection{}, false
	}
	elapsed := now.Sub(ss[0].Time)
	if elapsed < d.Timeout {
		return Detection{}, false
	}
	active, path := false, 0.0
	for i, s := range ss {
		if s.Click != nil {
			active = true
		}
		if i > 0 {
			if step := ss[i-1].Pos.Distance(s.Pos); !math.IsInf(step, 1) {
				path += step
			}
		}
	}
	if !active && path < d.MinMovement {
		return Detection{}, false
	}
	over := 0.0
	if d.Timeout > 0 {
		over = float64(elapsed-d.Timeout) / float64(d.Timeout)
	}
	return Detection{
		Kind:     KindQuestStall,
		Severity: 0.5 + 0.5*clamp01(over),
		Evidence: fmt.Sprintf("quest %s stuck at %d for %s", ss[0].QuestKey, ss[0].QuestProgress, elapsed.Round(time.Second)),
		At:       now,
	}, true
}

func (d *QuestStall) Cleared(w *Window, since, now time.Time) bool {
	all := w.All()
	ss := w.Since(since)
	if len(ss) == 0 {
		return false
	}
	ref := ss[0]
	if n := len(all) - len(ss); n > 0 {
		ref = all[n-1]
	}
	for _, s := range ss {
		if s.QuestKey != ref.QuestKey || s.QuestProgress != ref.QuestProgress {
			return true
		}
	}
	return false
}

// PathOscillation fires when the character keeps reversing direction
// without getting anywhere.
type PathOscillation struct {
	Window      time.Duration
	Reversals   int
	NetDistance float64
}

func (d *PathOscillation) Kind() Kind { return KindPathOscillation }

// reversals counts heading changes sharper than reversalAngle between
// consecutive steps longer than minStep.
func reversals(ss []Sample) int {
	n := 0
	var prev [2]float64
	havePrev := false
	for i := 1; i < len(ss); i++ {
		a, b := ss[i-1].Pos, ss[i].Pos
		if a.Planet != b.Planet {
			havePrev = false
			continue
		}
		dx, dy := b.X-a.X, b.Y-a.Y
		l := math.Hypot(dx, dy)
		if l < minStep {
			continue
		}
		cur := [2]float64{dx / l, dy / l}
		if havePrev {
			cos := prev[0]*cur[0] + prev[1]*cur[1]
			angle := math.Acos(math.Max(-1, math.Min(1, cos))) * 180 / math.Pi
			if angle > reversalAngle {
				n++
			}
		}
		prev, havePrev = cur, true
	}
	return n
}

func (d *PathOscillation) Detect(w *Window, now time.Time) (Detection, bool) {
	ss := w.Since(now.Add(-d.Window))
	if len(ss) < 3 || d.Reversals <= 0 {
		return Detection{}, false
	}
	net := ss[0].Pos.Distance(ss[len(ss)-1].Pos)
	if net >= d.NetDistance {
		return Detection{}, false
	}
	r := reversals(ss)
	if r < d.Reversals {
		return Detection{}, false
	}
	return Detection{
		Kind:     KindPathOscillation,
		Severity: 0.5 + 0.5*clamp01(float64(r-d.Reversals+1)/float64(d.Reversals)),
		Evidence: fmt.Sprintf("%d reversals in %s, net %.2f", r, d.Window, net),
		At:       now,
	}, true
}

func (d *PathOscillation) Cleared(w *Window, since, now time.Time) bool {
	all := w.All()
	ss := w.Since(since)
	if len(ss) == 0 {
		return false
	}
	origin := ss[0].Pos
	if n := len(all) - len(ss); n > 0 {
		origin = all[n-1].Pos
		ss = all[n-1:]
	}
	if origin.Distance(ss[len(ss)-1].Pos) >= d.NetDistance {
		return true
	}
	return len(ss) >= 3 && reversals(ss) == 0
}

// Select picks the detection to act on: highest severity first, then the
// kind ranked later in priority.
func Select(ds []Detection, priority []Kind) (Detection, bool) {
	if len(ds) == 0 {
		return Detection{}, false
	}
	rank := func(k Kind) int {
		for i, p := range priority {
			if p == k {
				return i
			}
		}
		return -1
	}
	best := ds[0]
	for _, d := range ds[1:] {
		if d.Severity > best.Severity || (d.Severity == best.Severity && rank(d.Kind) > rank(best.Kind)) {
			best = d
		}
	}
	return best, true
}
