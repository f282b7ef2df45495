package watchdog

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/R21Digital/Project-MorningStar-sub014/config"
	"gopkg.in/yaml.v3"
)

// PvP status values.
const (
	StatusOnLeave = "on_leave"
	StatusCovert  = "covert"
	StatusOvert   = "overt"
)

// Factions.
const (
	FactionNeutral  = "neutral"
	FactionImperial = "imperial"
	FactionRebel    = "rebel"
)

// Self is the bot's own character state.
type Self struct {
	Faction string `json:"faction" expr:"faction"`
	Status  string `json:"status" expr:"status"`
	Level   int    `json:"level" expr:"level"`
	Health  int    `json:"health" expr:"health"` // percent
	TEF     bool   `json:"tef" expr:"tef"`
}

// Contact is another player in range.
type Contact struct {
	Name      string  `json:"name" expr:"name"`
	Faction   string  `json:"faction" expr:"faction"`
	Status    string  `json:"status" expr:"status"`
	Level     int     `json:"level" expr:"level"`
	Distance  float64 `json:"distance" expr:"distance"`
	TEF       bool    `json:"tef" expr:"tef"`
	Attacking bool    `json:"attacking" expr:"attacking"`
	Guild     string  `json:"guild" expr:"guild"`
}

// Scan is one observation of the surroundings.
type Scan struct {
	Time     time.Time `json:"time"`
	Self     Self      `json:"self"`
	Contacts []Contact `json:"contacts"`
}

// Level is a threat level.
type Level int

const (
	LevelSafe Level = iota
	LevelCaution
	LevelDanger
	LevelCritical
)

var levelNames = [...]string{"safe", "caution", "danger", "critical"}

func (l Level) String() string {
	if l < LevelSafe || l > LevelCritical {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// MarshalText encodes the level by name.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

// UnmarshalText decodes a level name.
func (l *Level) UnmarshalText(b []byte) error {
	for i, n := range levelNames {
		if n == string(b) {
			*l = Level(i)
			return nil
		}
	}
	return fmt.Errorf("watchdog: unknown level %q", b)
}

// Thresholds: safe < 25 <= caution < 50 <= danger < 75 <= critical.
var thresholds = [...]int{0, 25, 50, 75}

// LevelFor maps a score to its level.
func LevelFor(score int) Level {
	for l := LevelCritical; l > LevelSafe; l-- {
		if score >= thresholds[l] {
			return l
		}
	}
	return LevelSafe
}

// Avoidance actions.
const (
	ActionContinue = "continue"
	ActionAlert    = "alert"
	ActionEvade    = "evade"
	ActionRetreat  = "retreat"
	ActionLogout   = "logout"
)

// LoadRules reads custom rules from a YAML file holding a top-level
// "rules" list.
func LoadRules(path string) ([]config.WatchRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("watchdog: read rules: %w", err)
	}
	var f struct {
		Rules []config.WatchRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("watchdog: parse rules: %w", err)
	}
	for i, r := range f.Rules {
		if strings.TrimSpace(r.Expr) == "" {
			return nil, fmt.Errorf("watchdog: rule %d (%s) has no expr", i, r.Name)
		}
	}
	return f.Rules, nil
}
