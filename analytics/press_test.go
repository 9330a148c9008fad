package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPressDetectorDisabledByDefault(t *testing.T) {
	d := NewPressDetector(2, 1)
	assert.Empty(t, d.Update([]float64{-100, -100}, time.Time{}))
	assert.Equal(t, []bool{false, false}, d.Pressed())
}

func TestPressDetectorHysteresis(t *testing.T) {
	d := NewPressDetector(1, 2)
	d.SetThresholds([]float64{10})
	at := time.Unix(100, 0)

	ev := d.Update([]float64{9}, at)
	require.Len(t, ev, 1)
	assert.Equal(t, PressEvent{Channel: 0, Pressed: true, Value: 9, At: at}, ev[0])

	// Inside the band: no chatter.
	for _, v := range []float64{10.5, 9.5, 12, 11} {
		assert.Empty(t, d.Update([]float64{v}, at), "value %v", v)
	}
	assert.True(t, d.Pressed()[0])

	ev = d.Update([]float64{12.1}, at)
	require.Len(t, ev, 1)
	assert.False(t, ev[0].Pressed)

	assert.Empty(t, d.Update([]float64{11}, at))
	require.Len(t, d.Update([]float64{10}, at), 1)
}

func TestPressDetectorNonPositiveThresholdDisables(t *testing.T) {
	d := NewPressDetector(3, 0)
	d.SetThresholds([]float64{0, -5, math.NaN()})
	assert.Empty(t, d.Update([]float64{-10, -10, -10}, time.Time{}))
}

func TestPressDetectorSetThresholdsClearsState(t *testing.T) {
	d := NewPressDetector(2, 1)
	d.SetThresholds([]float64{5, 5})
	d.Update([]float64{1, 1}, time.Time{})
	assert.Equal(t, []bool{true, true}, d.Pressed())

	d.SetThresholds([]float64{5})
	assert.Equal(t, []bool{false, false}, d.Pressed())
	th := d.Thresholds()
	assert.Equal(t, 5.0, th[0])
	assert.True(t, math.IsNaN(th[1]))
}

func TestPressDetectorReset(t *testing.T) {
	d := NewPressDetector(1, 1)
	d.SetThresholds([]float64{5})
	d.Update([]float64{1}, time.Time{})
	d.Reset()
	assert.Equal(t, []bool{false}, d.Pressed())
	assert.Equal(t, []float64{5}, d.Thresholds())
}
