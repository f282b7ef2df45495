// Package watchdog scores PvP threat from nearby players and decides how
// the bot should avoid it.
package watchdog

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"
)

// Score weights.
const (
	weightHostile       = 30
	weightEnemyFaction  = 5
	weightTEF           = 10
	weightAttacking     = 35
	weightKOSGuild      = 25
	weightWatchList     = 20
	weightHigherLevel   = 5
	weightMuchHigher    = 10
	weightMuchLower     = -5
	weightSighting      = 5
	maxSightingWeight   = 15
	weightGroupMember   = 8
	maxGroupWeight      = 24
	weightHurt          = 10
	weightBadlyHurt     = 20
	threatContactScore  = 25
	sightingGap         = 10 * time.Second
	levelDeltaThreshold = 10
)

var distanceBands = []struct {
	within float64
	weight int
}{
	{16, 20},
	{32, 12},
	{64, 6},
}

// RuleEnv is the environment custom rules are evaluated in, e.g.
// `contact.guild == "BOSS" && contact.level >= self.level`.
type RuleEnv struct {
	Contact   Contact `expr:"contact"`
	Self      Self    `expr:"self"`
	Sightings int     `expr:"sightings"`
}

type rule struct {
	name    string
	weight  int
	program *vm.Program
}

// ContactScore is the threat contributed by one contact.
type ContactScore struct {
	Contact Contact  `json:"contact"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

// Alert is raised for the top contact when the level is caution or worse.
type Alert struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Score   int       `json:"score"`
	Contact string    `json:"contact"`
	Action  string    `json:"action"`
	Reasons []string  `json:"reasons"`
}

// Assessment is the result of one scan.
type Assessment struct {
	Time     time.Time      `json:"time"`
	Score    int            `json:"score"`
	RawLevel Level          `json:"raw_level"`
	Level    Level          `json:"level"`
	Action   string         `json:"action"`
	Contacts []ContactScore `json:"contacts"`
	Alert    *Alert         `json:"alert,omitempty"`
}

type alertMark struct {
	at    time.Time
	level Level
}

// Watchdog keeps threat state across scans.
type Watchdog struct {
	mu     sync.Mutex
	cfg    config.WatchdogConfig
	rules  []rule
	kos    map[string]bool
	watch  map[string]bool
	logger *zap.Logger

	level     Level
	calmSince time.Time
	sightings map[string][]time.Time
	lastSeen  map[string]time.Time
	alerted   map[string]alertMark
}

// New creates a Watchdog, compiling cfg.Rules.
func New(cfg config.WatchdogConfig, logger *zap.Logger) (*Watchdog, error) {
	if cfg.Memory <= 0 {
		cfg.Memory = 10 * time.Minute
	}
	w := &Watchdog{
		cfg:       cfg,
		kos:       lowerSet(cfg.KOSGuilds),
		watch:     lowerSet(cfg.WatchList),
		logger:    logger,
		sightings: make(map[string][]time.Time),
		lastSeen:  make(map[string]time.Time),
		alerted:   make(map[string]alertMark),
	}
	for i, r := range cfg.Rules {
		prog, err := expr.Compile(r.Expr, expr.Env(RuleEnv{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("watchdog: rule %d (%s): %w", i, r.Name, err)
		}
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule_%d", i)
		}
		w.rules = append(w.rules, rule{name: name, weight: r.Weight, program: prog})
	}
	return w, nil
}

func lowerSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			m[s] = true
		}
	}
	return m
}

// Level returns the current (hysteresis-smoothed) level.
func (w *Watchdog) Level() Level {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.level
}

func enemies(a, b string) bool {
	return (a == FactionImperial && b == FactionRebel) || (a == FactionRebel && b == FactionImperial)
}

// pvpEligible reports whether the two sides can fight: both overt, or
// either carrying a temporary enemy flag.
func pvpEligible(self Self, c Contact) bool {
	return (self.Status == StatusOvert && c.Status == StatusOvert) || self.TEF || c.TEF
}

func (w *Watchdog) scoreContact(self Self, c Contact, sightings int) ContactScore {
	cs := ContactScore{Contact: c}
	add := func(n int, reason string) {
		cs.Score += n
		cs.Reasons = append(cs.Reasons, reason)
	}

	hostile := enemies(self.Faction, c.Faction) && pvpEligible(self, c)
	listed := false
	switch {
	case hostile:
		add(weightHostile, "hostile faction, pvp eligible")
	case enemies(self.Faction, c.Faction):
		add(weightEnemyFaction, "enemy faction")
	}
	if c.TEF {
		add(weightTEF, "tef")
	}
	if c.Attacking {
		add(weightAttacking, "attacking")
	}
	if c.Guild != "" && w.kos[strings.ToLower(c.Guild)] {
		add(weightKOSGuild, "kos guild "+c.Guild)
		listed = true
	}
	if w.watch[strings.ToLower(c.Name)] {
		add(weightWatchList, "watch list")
		listed = true
	}
	if hostile || c.Attacking || listed {
		for _, b := range distanceBands {
			if c.Distance < b.within {
				add(b.weight, fmt.Sprintf("within %.0fm", b.within))
				break
			}
		}
		switch delta := c.Level - self.Level; {
		case delta > levelDeltaThreshold:
			add(weightMuchHigher, "much higher level")
		case delta > 0:
			add(weightHigherLevel, "higher level")
		case delta < -levelDeltaThreshold:
			add(weightMuchLower, "much lower level")
		}
	}
	if prev := sightings - 1; prev > 0 {
		add(min(prev*weightSighting, maxSightingWeight), fmt.Sprintf("seen %d times", sightings))
	}
	for _, r := range w.rules {
		out, err := expr.Run(r.program, RuleEnv{Contact: c, Self: self, Sightings: sightings})
		if err != nil {
			w.logger.Debug("watchdog rule failed", zap.String("rule", r.name), zap.Error(err))
			continue
		}
		if ok, _ := out.(bool); ok {
			add(r.weight, "rule "+r.name)
		}
	}
	if cs.Score < 0 {
		cs.Score = 0
	}
	return cs
}

// sight records c at now and returns how many distinct sightings of it
// fall inside the memory window.
func (w *Watchdog) sight(name string, now time.Time) int {
	key := strings.ToLower(name)
	if last, ok := w.lastSeen[key]; !ok || now.Sub(last) > sightingGap {
		w.sightings[key] = append(w.sightings[key], now)
	}
	w.lastSeen[key] = now
	kept := w.sightings[key][:0]
	for _, t := range w.sightings[key] {
		if now.Sub(t) <= w.cfg.Memory {
			kept = append(kept, t)
		}
	}
	w.sightings[key] = kept
	return len(kept)
}

// forget drops contacts unseen for the memory window and alert marks whose
// cooldown has passed.
func (w *Watchdog) forget(now time.Time) {
	for key, last := range w.lastSeen {
		if now.Sub(last) > w.cfg.Memory {
			delete(w.lastSeen, key)
			delete(w.sightings, key)
		}
	}
	for key, m := range w.alerted {
		if now.Sub(m.at) >= w.cfg.AlertCooldown {
			delete(w.alerted, key)
		}
	}
}

// Score computes the raw score of a scan without touching watchdog state.
func (w *Watchdog) Score(scan Scan) (int, []ContactScore) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.score(scan, func(string) int { return 1 })
}

func (w *Watchdog) score(scan Scan, sightings func(string) int) (int, []ContactScore) {
	scores := make([]ContactScore, 0, len(scan.Contacts))
	for _, c := range scan.Contacts {
		scores = append(scores, w.scoreContact(scan.Self, c, sightings(c.Name)))
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if len(scores) == 0 || scores[0].Score == 0 {
		return 0, scores
	}

	total := scores[0].Score
	group := 0
	for _, cs := range scores[1:] {
		if cs.Score >= threatContactScore {
			group += weightGroupMember
		}
	}
	total += min(group, maxGroupWeight)
	switch {
	case scan.Self.Health > 0 && scan.Self.Health < 25:
		total += weightBadlyHurt
	case scan.Self.Health > 0 && scan.Self.Health < 50:
		total += weightHurt
	}
	return max(0, min(total, 100)), scores
}

// Assess scores a scan, applies hysteresis to the level and decides the
// avoidance action.
func (w *Watchdog) Assess(scan Scan) Assessment {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.forget(scan.Time)
	score, contacts := w.score(scan, func(name string) int { return w.sight(name, scan.Time) })
	raw := LevelFor(score)
	w.applyHysteresis(score, raw, scan.Time)

	a := Assessment{
		Time:     scan.Time,
		Score:    score,
		RawLevel: raw,
		Level:    w.level,
		Action:   w.action(scan.Self),
		Contacts: contacts,
	}
	if w.level >= LevelCaution && len(contacts) > 0 && contacts[0].Score > 0 {
		a.Alert = w.alert(a, contacts[0])
	}
	return a
}

func (w *Watchdog) applyHysteresis(score int, raw Level, now time.Time) {
	if raw >= w.level {
		if raw > w.level {
			w.logger.Info("watchdog level raised",
				zap.Stringer("from", w.level),
				zap.Stringer("to", raw),
				zap.Int("score", score))
		}
		w.level = raw
		w.calmSince = time.Time{}
		return
	}
	if score >= thresholds[w.level]-w.cfg.Hysteresis {
		w.calmSince = time.Time{}
		return
	}
	if w.calmSince.IsZero() {
		w.calmSince = now
	}
	if now.Sub(w.calmSince) >= w.cfg.CalmPeriod {
		w.logger.Info("watchdog level lowered",
			zap.Stringer("from", w.level),
			zap.Stringer("to", raw),
			zap.Int("score", score))
		w.level = raw
		w.calmSince = time.Time{}
	}
}

func (w *Watchdog) action(self Self) string {
	switch w.level {
	case LevelCaution:
		return ActionAlert
	case LevelDanger:
		return ActionEvade
	case LevelCritical:
		if self.Health > 0 && self.Health < w.cfg.LogoutHealth {
			return ActionLogout
		}
		return ActionRetreat
	}
	return ActionContinue
}

// alert returns an alert for top unless the same contact was alerted at the
// same or a higher level within the cooldown.
func (w *Watchdog) alert(a Assessment, top ContactScore) *Alert {
	key := strings.ToLower(top.Contact.Name)
	if m, ok := w.alerted[key]; ok && a.Time.Sub(m.at) < w.cfg.AlertCooldown && a.Level <= m.level {
		return nil
	}
	w.alerted[key] = alertMark{at: a.Time, level: a.Level}
	return &Alert{
		Time:    a.Time,
		Level:   a.Level,
		Score:   a.Score,
		Contact: top.Contact.Name,
		Action:  a.Action,
		Reasons: top.Reasons,
	}
}
