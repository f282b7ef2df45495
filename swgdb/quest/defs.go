package quest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepType categorizes a quest step.
type StepType string

const (
	StepGoto    StepType = "goto"
	StepKill    StepType = "kill"
	StepTalk    StepType = "talk"
	StepCollect StepType = "collect"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepGoto, StepKill, StepTalk, StepCollect:
		return true
	}
	return false
}

// Step is one requirement within a quest.
type Step struct {
	Type   StepType `yaml:"type" json:"type"`
	Target string   `yaml:"target" json:"target"`
	Count  int      `yaml:"count" json:"count"`
	Label  string   `yaml:"label,omitempty" json:"label,omitempty"`
}

// Def is a quest definition.
type Def struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	Planet        string `yaml:"planet" json:"planet"`
	Level         int    `yaml:"level,omitempty" json:"level,omitempty"`
	Steps         []Step `yaml:"steps" json:"steps"`
	RewardCredits int64  `yaml:"reward_credits" json:"reward_credits"`
	RewardXP      int64  `yaml:"reward_xp" json:"reward_xp"`
	Heroic        bool   `yaml:"heroic,omitempty" json:"heroic,omitempty"`
}

type defsFile struct {
	Quests []*Def `yaml:"quests"`
}

// LoadDefs reads quest definitions from a YAML file, or from every .yaml and
// .yml file in a directory. Each file holds a top-level "quests" list.
func LoadDefs(path string) (map[string]*Def, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("quest: load defs: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files = files[:0]
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("quest: read dir: %w", err)
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	defs := make(map[string]*Def)
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("quest: read %s: %w", f, err)
		}
		var df defsFile
		if err := yaml.Unmarshal(data, &df); err != nil {
			return nil, fmt.Errorf("quest: parse %s: %w", f, err)
		}
		for _, d := range df.Quests {
			if err := d.normalize(); err != nil {
				return nil, fmt.Errorf("quest: %s: %w", f, err)
			}
			if _, dup := defs[d.ID]; dup {
				return nil, fmt.Errorf("quest: %s: duplicate quest id %q", f, d.ID)
			}
			defs[d.ID] = d
		}
	}
	return defs, nil
}

func (d *Def) normalize() error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return fmt.Errorf("quest without id")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("quest %q has no steps", d.ID)
	}
	for i := range d.Steps {
		s := &d.Steps[i]
		s.Type = StepType(strings.ToLower(string(s.Type)))
		if !s.Type.Valid() {
			return fmt.Errorf("quest %q step %d: unknown type %q", d.ID, i, s.Type)
		}
		if s.Count <= 0 {
			s.Count = 1
		}
	}
	return nil
}
