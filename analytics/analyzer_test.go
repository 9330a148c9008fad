package analytics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hand-rehab/ble"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HistoryCapacity = 4
	cfg.Hysteresis = 1
	return cfg
}

func TestAnalyzerProcessReading(t *testing.T) {
	a := NewAnalyzer(testConfig())
	at := time.Unix(10, 0)
	a.ProcessReading(ble.Reading{10, 20, 30, 40, 50}, at)
	a.ProcessReading(ble.Reading{5, 25, 30, 40, 50}, at)

	snap := a.Snapshot()
	assert.Equal(t, 2, snap.Samples)
	assert.Equal(t, 2, snap.HistoryLen)
	assert.Equal(t, []float64{5, 25, 30, 40, 50}, snap.Latest)
	assert.InDelta(t, 6.0, snap.Signals[0], 1e-9)
	assert.InDelta(t, 15.0, snap.Signals[1], 1e-9)
	assert.InDelta(t, 9.0, snap.Smoothed[0], 1e-9)
	assert.Equal(t, snap.Signals, a.Signals())
}

func TestAnalyzerCalibrate(t *testing.T) {
	a := NewAnalyzer(testConfig())
	assert.ErrorIs(t, a.Calibrate(), ErrNoReading)

	pose := ble.Reading{1, 2, 3, 4, 5}
	a.ProcessReading(pose, time.Now())
	require.NoError(t, a.Calibrate())
	assert.Equal(t, []float64(pose), a.Snapshot().Baseline)

	a.Reset()
	a.ProcessReading(pose, time.Now())
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, a.Snapshot().Smoothed)
}

func TestAnalyzerPressEventsUseLiveReading(t *testing.T) {
	a := NewAnalyzer(testConfig())
	a.SetThresholds([]float64{10})

	assert.Empty(t, a.ProcessReading(ble.Reading{20, 0, 0, 0, 0}, time.Now()))
	ev := a.ProcessReading(ble.Reading{8, 0, 0, 0, 0}, time.Now())
	require.Len(t, ev, 1)
	assert.Equal(t, 0, ev[0].Channel)
	assert.True(t, ev[0].Pressed)
	assert.Equal(t, 8.0, ev[0].Value)
	assert.Equal(t, []bool{true, false, false, false, false}, a.Snapshot().Pressed)
}

func TestAnalyzerCalibrateKeepsRestingHandReleased(t *testing.T) {
	a := NewAnalyzer(testConfig())
	rest := ble.Reading{90, 90, 90, 90, 90}
	flex := ble.Reading{30, 30, 30, 30, 30}
	a.ProcessReading(rest, time.Now())
	a.ProcessReading(flex, time.Now())
	a.ProcessReading(rest, time.Now())

	a.SetThresholds(a.Signals())
	require.NoError(t, a.Calibrate())
	assert.InDeltaSlice(t, []float64{54, 54, 54, 54, 54}, a.Snapshot().Thresholds, 1e-9)

	assert.Empty(t, a.ProcessReading(rest, time.Now()))
	assert.Equal(t, []bool{false, false, false, false, false}, a.Snapshot().Pressed)

	ev := a.ProcessReading(flex, time.Now())
	assert.Len(t, ev, 5)
	ev = a.ProcessReading(rest, time.Now())
	require.Len(t, ev, 5)
	assert.False(t, ev[0].Pressed)
}

func TestAnalyzerReset(t *testing.T) {
	a := NewAnalyzer(testConfig())
	a.SetBaseline([]float64{1, 1, 1, 1, 1})
	a.SetThresholds([]float64{3, 3, 3, 3, 3})
	a.ProcessReading(ble.Reading{9, 9, 9, 9, 9}, time.Now())
	a.RecordDrop()

	a.Reset()
	snap := a.Snapshot()
	assert.Equal(t, 0, snap.Samples)
	assert.Equal(t, 0, snap.Drops)
	assert.Equal(t, 0, snap.HistoryLen)
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, snap.Signals)
	assert.Equal(t, []float64{1, 1, 1, 1, 1}, snap.Baseline)
	assert.Equal(t, []float64{3, 3, 3, 3, 3}, snap.Thresholds)
	assert.ErrorIs(t, a.Calibrate(), ErrNoReading)
}

func TestAnalyzerSnapshotEncodesWithDisabledThresholds(t *testing.T) {
	a := NewAnalyzer(testConfig())
	a.RecordDrop()
	snap := a.Snapshot()
	assert.Equal(t, 1, snap.Drops)

	_, err := json.Marshal(snap)
	require.NoError(t, err)
}

func TestAnalyzerSetAlpha(t *testing.T) {
	a := NewAnalyzer(testConfig())
	assert.Error(t, a.SetAlpha(0))
	require.NoError(t, a.SetAlpha(0.5))
}

func TestAnalyzerHistoryBound(t *testing.T) {
	a := NewAnalyzer(testConfig())
	for i := 0; i < 10; i++ {
		a.ProcessReading(ble.Reading{float64(i), 0, 0, 0, 0}, time.Now())
	}
	snap := a.History().Snapshot()
	assert.Equal(t, []float64{6, 7, 8, 9}, snap[0])
	assert.Equal(t, 5, a.Channels())
}
