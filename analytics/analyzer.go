// Package analytics turns decoded glove readings into history, calibrated
// angles, press signals and repetition counts.
package analytics

import (
	"errors"
	"math"
	"sync"
	"time"

	"hand-rehab/ble"
)

// Config holds the analyzer tunables.
type Config struct {
	Channels        int
	HistoryCapacity int
	Alpha           float64
	Hysteresis      float64
	RepLag          int
	RepThreshold    float64
	RepInfluence    float64
}

// DefaultConfig returns the five-finger defaults.
func DefaultConfig() Config {
	return Config{
		Channels:        ble.FingerChannels,
		HistoryCapacity: DefaultHistoryCapacity,
		Alpha:           DefaultAlpha,
		Hysteresis:      DefaultHysteresis,
		RepLag:          DefaultRepLag,
		RepThreshold:    DefaultRepThreshold,
		RepInfluence:    DefaultRepInfluence,
	}
}

// ErrNoReading is returned by Calibrate before the first reading arrives.
var ErrNoReading = errors.New("no reading to calibrate from")

// Snapshot is an immutable copy of the analyzer state.
type Snapshot struct {
	// Signals is the canonical per-channel value for threshold comparisons:
	// SignalRatio times the retained maximum.
	Signals    []float64 `json:"signals"`
	Smoothed   []float64 `json:"smoothed"`
	Latest     []float64 `json:"latest"`
	Baseline   []float64 `json:"baseline"`
	Thresholds []float64 `json:"thresholds,omitempty"`
	Pressed    []bool    `json:"pressed"`
	Reps       []int     `json:"reps"`
	Samples    int       `json:"samples"`
	Drops      int       `json:"drops"`
	HistoryLen int       `json:"history_len"`
	ElapsedSec float64   `json:"elapsed_sec"`
}

// Analyzer processes readings from one glove.
type Analyzer struct {
	mu       sync.RWMutex
	channels int
	history  *History
	calib    *Calibrator
	presses  *PressDetector
	reps     *RepCounter

	latest    ble.Reading
	samples   int
	drops     int
	startedAt time.Time
}

// NewAnalyzer creates a new Analyzer instance.
func NewAnalyzer(cfg Config) *Analyzer {
	if cfg.Channels <= 0 {
		cfg.Channels = ble.FingerChannels
	}
	return &Analyzer{
		channels: cfg.Channels,
		history:  NewHistory(cfg.Channels, cfg.HistoryCapacity),
		calib:    NewCalibrator(cfg.Channels, cfg.Alpha),
		presses:  NewPressDetector(cfg.Channels, cfg.Hysteresis),
		reps:     NewRepCounter(cfg.Channels, cfg.RepLag, cfg.RepThreshold, cfg.RepInfluence),
	}
}

// Channels returns the channel count.
func (a *Analyzer) Channels() int { return a.channels }

// History exposes the sample buffer for read-only consumers.
func (a *Analyzer) History() *History { return a.history }

// ProcessReading appends r to the history and smooths it. Repetitions are
// counted on the smoothed values. Presses compare the raw reading, which is
// on the same scale as Signals, so baseline changes never shift them.
func (a *Analyzer) ProcessReading(r ble.Reading, at time.Time) []PressEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.samples == 0 {
		a.startedAt = at
	}
	a.samples++
	a.latest = r.Clone()

	a.history.AppendReading(r)
	smoothed := a.calib.Process(r)
	a.reps.Update(smoothed)
	return a.presses.Update(r, at)
}

// RecordDrop counts a frame that could not be decoded.
func (a *Analyzer) RecordDrop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drops++
}

// Calibrate uses the latest reading as the neutral-pose baseline.
func (a *Analyzer) Calibrate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.latest == nil {
		return ErrNoReading
	}
	a.calib.SetBaseline(a.latest)
	return nil
}

// SetBaseline sets an explicit baseline.
func (a *Analyzer) SetBaseline(readings []float64) {
	a.calib.SetBaseline(readings)
}

// SetAlpha changes the smoothing factor.
func (a *Analyzer) SetAlpha(alpha float64) error {
	return a.calib.SetAlpha(alpha)
}

// SetThresholds configures press detection.
func (a *Analyzer) SetThresholds(thresholds []float64) {
	a.presses.SetThresholds(thresholds)
}

// Signals returns the current press signals.
func (a *Analyzer) Signals() []float64 {
	return a.history.Signals()
}

// Reset clears history, averages, press state, repetitions and counters.
// The baseline and thresholds are kept.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history.Reset()
	a.calib.Reset()
	a.presses.Reset()
	a.reps.Reset()
	a.latest = nil
	a.samples = 0
	a.drops = 0
	a.startedAt = time.Time{}
}

// Snapshot returns a copy of the current state.
func (a *Analyzer) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	latest := make([]float64, a.channels)
	copy(latest, a.latest)

	var elapsed float64
	if a.samples > 0 {
		elapsed = time.Since(a.startedAt).Seconds()
	}
	return Snapshot{
		Signals:    a.history.Signals(),
		Smoothed:   a.calib.Smoothed(),
		Latest:     latest,
		Baseline:   a.calib.Baseline(),
		Thresholds: finite(a.presses.Thresholds()),
		Pressed:    a.presses.Pressed(),
		Reps:       a.reps.Counts(),
		Samples:    a.samples,
		Drops:      a.drops,
		HistoryLen: a.history.Len(0),
		ElapsedSec: elapsed,
	}
}

// finite replaces NaN and infinite entries (disabled thresholds) with 0 so
// the slice encodes as JSON.
func finite(values []float64) []float64 {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			values[i] = 0
		}
	}
	return values
}
