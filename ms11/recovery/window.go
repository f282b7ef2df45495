package recovery

import (
	"math"
	"time"
)

// Position is a character location in world coordinates.
type Position struct {
	Planet string  `json:"planet"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z,omitempty"`
}

// Distance is the ground distance to o. Positions on different planets are
// infinitely far apart.
func (p Position) Distance(o Position) float64 {
	if p.Planet != o.Planet {
		return math.Inf(1)
	}
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// Click is a screen coordinate the bot clicked.
type Click struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (c Click) distance(o Click) float64 { return math.Hypot(c.X-o.X, c.Y-o.Y) }

// Sample is one observation of the game state.
type Sample struct {
	Time          time.Time `json:"time"`
	Pos           Position  `json:"pos"`
	Click         *Click    `json:"click,omitempty"`
	QuestKey      string    `json:"quest_key,omitempty"`
	QuestProgress int       `json:"quest_progress,omitempty"`
	InCombat      bool      `json:"in_combat,omitempty"`
}

// Window is a bounded rolling buffer of samples ordered by time.
type Window struct {
	capacity int
	maxAge   time.Duration
	samples  []Sample
}

// NewWindow creates a window holding at most capacity samples no older
// than maxAge relative to the newest one.
func NewWindow(capacity int, maxAge time.Duration) *Window {
	if capacity <= 0 {
		capacity = 600
	}
	return &Window{capacity: capacity, maxAge: maxAge}
}

// Add appends s. Samples older than the newest one are dropped.
func (w *Window) Add(s Sample) bool {
	if n := len(w.samples); n > 0 && s.Time.Before(w.samples[n-1].Time) {
		return false
	}
	w.samples = append(w.samples, s)
	drop := 0
	if over := len(w.samples) - w.capacity; over > 0 {
		drop = over
	}
	if w.maxAge > 0 {
		cutoff := s.Time.Add(-w.maxAge)
		for drop < len(w.samples) && w.samples[drop].Time.Before(cutoff) {
			drop++
		}
	}
	if drop > 0 {
		w.samples = append(w.samples[:0], w.samples[drop:]...)
	}
	return true
}

// Since returns the samples at or after t. The slice aliases the window.
func (w *Window) Since(t time.Time) []Sample {
	for i := range w.samples {
		if !w.samples[i].Time.Before(t) {
			return w.samples[i:]
		}
	}
	return nil
}

// All returns every buffered sample. The slice aliases the window.
func (w *Window) All() []Sample { return w.samples }

// Len returns the number of buffered samples.
func (w *Window) Len() int { return len(w.samples) }

// Last returns the newest sample.
func (w *Window) Last() (Sample, bool) {
	if len(w.samples) == 0 {
		return Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Reset empties the window.
func (w *Window) Reset() { w.samples = w.samples[:0] }
