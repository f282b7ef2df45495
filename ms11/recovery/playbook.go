package recovery

import "time"

// Action is a corrective step with its own cooldown.
type Action struct {
	Name     string        `json:"name" yaml:"name"`
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// Playbook maps each stuck kind to actions ordered from mildest to most
// drastic.
type Playbook map[Kind][]Action

var actionCooldowns = map[string]time.Duration{
	"jump":            5 * time.Second,
	"strafe_left":     5 * time.Second,
	"strafe_right":    5 * time.Second,
	"back_up":         10 * time.Second,
	"turn_around":     10 * time.Second,
	"clear_target":    5 * time.Second,
	"camera_reset":    10 * time.Second,
	"random_walk":     20 * time.Second,
	"reset_waypoint":  30 * time.Second,
	"mount_toggle":    30 * time.Second,
	"reload_quest":    time.Minute,
	"travel_terminal": 5 * time.Minute,
	"relog":           10 * time.Minute,
}

func actions(names ...string) []Action {
	out := make([]Action, len(names))
	for i, n := range names {
		out[i] = Action{Name: n, Cooldown: actionCooldowns[n]}
	}
	return out
}

// DefaultPlaybook returns the built-in playbook.
func DefaultPlaybook() Playbook {
	return Playbook{
		KindPositionStall:   actions("jump", "strafe_left", "strafe_right", "back_up", "random_walk", "mount_toggle", "travel_terminal", "relog"),
		KindRepeatedClick:   actions("clear_target", "camera_reset", "back_up", "random_walk", "relog"),
		KindQuestStall:      actions("reload_quest", "reset_waypoint", "back_up", "travel_terminal", "relog"),
		KindPathOscillation: actions("reset_waypoint", "turn_around", "random_walk", "travel_terminal", "relog"),
	}
}
