package analytics

import (
	"sync"

	"github.com/MicahParks/peakdetect"
)

// Repetition detector configuration.
const (
	DefaultRepLag       = 30  // samples used to seed each detector
	DefaultRepThreshold = 3.5 // z-score that counts as a peak
	DefaultRepInfluence = 0.2 // 0.0..1.0
)

// RepCounter counts flex repetitions per channel. Each channel has a
// z-score peak detector; a repetition is the start of a positive peak.
type RepCounter struct {
	mu        sync.Mutex
	lag       int
	threshold float64
	influence float64

	windows   [][]float64
	detectors []peakdetect.PeakDetector
	ready     []bool
	inPeak    []bool
	counts    []int
}

// NewRepCounter creates a counter for channels channels.
func NewRepCounter(channels, lag int, threshold, influence float64) *RepCounter {
	if lag < 2 {
		lag = DefaultRepLag
	}
	if threshold <= 0 {
		threshold = DefaultRepThreshold
	}
	if influence < 0 || influence > 1 {
		influence = DefaultRepInfluence
	}
	r := &RepCounter{lag: lag, threshold: threshold, influence: influence}
	r.init(channels)
	return r
}

func (r *RepCounter) init(channels int) {
	r.windows = make([][]float64, channels)
	r.detectors = make([]peakdetect.PeakDetector, channels)
	r.ready = make([]bool, channels)
	r.inPeak = make([]bool, channels)
	r.counts = make([]int, channels)
	for i := range r.detectors {
		r.windows[i] = make([]float64, 0, r.lag)
		r.detectors[i] = peakdetect.NewPeakDetector()
	}
}

// Update feeds one value per channel.
func (r *RepCounter) Update(values []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, v := range values {
		if i >= len(r.detectors) {
			break
		}
		if !r.ready[i] {
			r.windows[i] = append(r.windows[i], v)
			if len(r.windows[i]) < r.lag {
				continue
			}
			if err := r.detectors[i].Initialize(r.influence, r.threshold, r.windows[i]); err != nil {
				// Seed again with fresh samples.
				r.windows[i] = r.windows[i][:0]
				continue
			}
			r.ready[i] = true
			continue
		}
		positive := r.detectors[i].Next(v) == peakdetect.SignalPositive
		if positive && !r.inPeak[i] {
			r.counts[i]++
		}
		r.inPeak[i] = positive
	}
}

// Counts returns the repetitions seen per channel.
func (r *RepCounter) Counts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.counts))
	copy(out, r.counts)
	return out
}

// Reset clears counts and reseeds every detector.
func (r *RepCounter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.init(len(r.detectors))
}
