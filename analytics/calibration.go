package analytics

import (
	"fmt"
	"math"
	"sync"
)

// DefaultAlpha is the EMA smoothing factor.
const DefaultAlpha = 0.2

// Calibrator zeroes readings against a baseline captured in a neutral pose
// and smooths them with an exponential moving average.
type Calibrator struct {
	mu       sync.Mutex
	alpha    float64
	baseline []float64
	ema      []float64 // NaN until the channel's first sample
}

// NewCalibrator creates a Calibrator for channels channels. An alpha
// outside (0, 1] falls back to DefaultAlpha.
func NewCalibrator(channels int, alpha float64) *Calibrator {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	c := &Calibrator{
		alpha:    alpha,
		baseline: make([]float64, channels),
		ema:      make([]float64, channels),
	}
	for i := range c.ema {
		c.ema[i] = math.NaN()
	}
	return c
}

// SetBaseline captures readings as the zero offset of every channel,
// overwriting the previous baseline. Missing channels get 0.
func (c *Calibrator) SetBaseline(readings []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.baseline {
		c.baseline[i] = 0
		if i < len(readings) {
			c.baseline[i] = readings[i]
		}
	}
}

// Baseline returns a copy of the current baseline.
func (c *Calibrator) Baseline() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, len(c.baseline))
	copy(out, c.baseline)
	return out
}

// SetAlpha changes the smoothing factor.
func (c *Calibrator) SetAlpha(alpha float64) error {
	if math.IsNaN(alpha) || alpha <= 0 || alpha > 1 {
		return fmt.Errorf("alpha %v out of range (0, 1]", alpha)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alpha = alpha
	return nil
}

// Alpha returns the smoothing factor.
func (c *Calibrator) Alpha() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alpha
}

// Process subtracts the baseline and folds each channel into its moving
// average. It returns a new slice of smoothed values.
func (c *Calibrator) Process(readings []float64) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, len(c.ema))
	for i := range c.ema {
		if i >= len(readings) {
			out[i] = neutral(c.ema[i])
			continue
		}
		adjusted := readings[i] - c.baseline[i]
		if math.IsNaN(c.ema[i]) {
			c.ema[i] = adjusted
		} else {
			c.ema[i] += (adjusted - c.ema[i]) * c.alpha
		}
		out[i] = c.ema[i]
	}
	return out
}

// Smoothed returns the current averages; channels without data report 0.
func (c *Calibrator) Smoothed() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, len(c.ema))
	for i, v := range c.ema {
		out[i] = neutral(v)
	}
	return out
}

// Reset forgets the averages. The baseline is kept.
func (c *Calibrator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.ema {
		c.ema[i] = math.NaN()
	}
}

func neutral(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
