package analytics

import (
	"math"
	"sync"
	"time"
)

// DefaultHysteresis is the margin above the threshold a channel must
// climb back over before a press is released.
const DefaultHysteresis = 2.0

// PressEvent is a finger press or release edge.
type PressEvent struct {
	Channel int       `json:"channel"`
	Pressed bool      `json:"pressed"`
	Value   float64   `json:"value"`
	At      time.Time `json:"at"`
}

// PressDetector turns live per-channel values into press/release edges.
// A channel is pressed when its value drops to or below its threshold and
// released once it rises above threshold+hysteresis. Channels with a NaN
// or non-positive threshold never fire.
type PressDetector struct {
	mu         sync.Mutex
	thresholds []float64
	hysteresis float64
	pressed    []bool
}

// NewPressDetector creates a detector with all channels disabled.
func NewPressDetector(channels int, hysteresis float64) *PressDetector {
	if hysteresis < 0 {
		hysteresis = 0
	}
	d := &PressDetector{
		thresholds: make([]float64, channels),
		hysteresis: hysteresis,
		pressed:    make([]bool, channels),
	}
	for i := range d.thresholds {
		d.thresholds[i] = math.NaN()
	}
	return d
}

// SetThresholds replaces the per-channel thresholds and clears press state.
func (d *PressDetector) SetThresholds(thresholds []float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.thresholds {
		d.thresholds[i] = math.NaN()
		if i < len(thresholds) {
			d.thresholds[i] = thresholds[i]
		}
		d.pressed[i] = false
	}
}

// Thresholds returns a copy of the thresholds.
func (d *PressDetector) Thresholds() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, len(d.thresholds))
	copy(out, d.thresholds)
	return out
}

// Pressed returns the current press state of every channel.
func (d *PressDetector) Pressed() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]bool, len(d.pressed))
	copy(out, d.pressed)
	return out
}

// Update feeds one value per channel and returns the edges it caused.
func (d *PressDetector) Update(values []float64, at time.Time) []PressEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var events []PressEvent
	for i, v := range values {
		if i >= len(d.thresholds) {
			break
		}
		t := d.thresholds[i]
		if math.IsNaN(t) || t <= 0 {
			continue
		}
		switch {
		case !d.pressed[i] && v <= t:
			d.pressed[i] = true
			events = append(events, PressEvent{Channel: i, Pressed: true, Value: v, At: at})
		case d.pressed[i] && v > t+d.hysteresis:
			d.pressed[i] = false
			events = append(events, PressEvent{Channel: i, Pressed: false, Value: v, At: at})
		}
	}
	return events
}

// Reset releases every channel without emitting events.
func (d *PressDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.pressed {
		d.pressed[i] = false
	}
}
