package recovery

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func pos(x, y float64) Position { return Position{Planet: "tatooine", X: x, Y: y} }

func TestWindow_Capacity(t *testing.T) {
	w := NewWindow(3, 0)
	for i := 0; i < 5; i++ {
		w.Add(Sample{Time: at(i)})
	}
	require.Equal(t, 3, w.Len())
	assert.Equal(t, at(2), w.All()[0].Time)
	last, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, at(4), last.Time)
}

func TestWindow_MaxAge(t *testing.T) {
	w := NewWindow(100, 10*time.Second)
	w.Add(Sample{Time: at(0)})
	w.Add(Sample{Time: at(5)})
	w.Add(Sample{Time: at(12)})
	require.Equal(t, 2, w.Len())
	assert.Equal(t, at(5), w.All()[0].Time)
}

func TestWindow_RejectsOutOfOrder(t *testing.T) {
	w := NewWindow(10, 0)
	assert.True(t, w.Add(Sample{Time: at(5)}))
	assert.False(t, w.Add(Sample{Time: at(4)}))
	assert.True(t, w.Add(Sample{Time: at(5)}), "equal timestamps are fine")
	assert.Equal(t, 2, w.Len())
}

func TestWindow_Since(t *testing.T) {
	w := NewWindow(10, 0)
	for i := 0; i < 5; i++ {
		w.Add(Sample{Time: at(i)})
	}
	assert.Len(t, w.Since(at(3)), 2)
	assert.Len(t, w.Since(at(0)), 5)
	assert.Empty(t, w.Since(at(10)))

	w.Reset()
	assert.Zero(t, w.Len())
	_, ok := w.Last()
	assert.False(t, ok)
}

func TestPosition_Distance(t *testing.T) {
	assert.Equal(t, 5.0, pos(0, 0).Distance(pos(3, 4)))
	assert.True(t, math.IsInf(pos(0, 0).Distance(Position{Planet: "naboo"}), 1))
}
