package analytics

import (
	"sync"
)

// DefaultHistoryCapacity is the number of samples kept per channel.
const DefaultHistoryCapacity = 2000

// SignalRatio scales a channel's retained maximum into its press signal.
const SignalRatio = 0.6

type maxEntry struct {
	seq   uint64
	value float64
}

// ring is a fixed-size circular buffer of float64 samples that also tracks
// the maximum of the retained samples. The maximum is kept in a monotonic
// deque so evicting the current maximum exposes the next largest value.
type ring struct {
	data  []float64
	head  int // index of the oldest sample
	count int
	seq   uint64 // sequence number of the next sample
	maxq  []maxEntry
}

func newRing(capacity int) *ring {
	return &ring{data: make([]float64, capacity)}
}

func (r *ring) push(v float64) {
	capacity := len(r.data)
	if r.count == capacity {
		oldest := r.seq - uint64(capacity)
		if len(r.maxq) > 0 && r.maxq[0].seq == oldest {
			r.maxq = r.maxq[1:]
		}
		r.data[r.head] = v
		r.head = (r.head + 1) % capacity
	} else {
		r.data[(r.head+r.count)%capacity] = v
		r.count++
	}
	for len(r.maxq) > 0 && r.maxq[len(r.maxq)-1].value <= v {
		r.maxq = r.maxq[:len(r.maxq)-1]
	}
	r.maxq = append(r.maxq, maxEntry{seq: r.seq, value: v})
	r.seq++
}

func (r *ring) max() (float64, bool) {
	if len(r.maxq) == 0 {
		return 0, false
	}
	return r.maxq[0].value, true
}

func (r *ring) values() []float64 {
	out := make([]float64, r.count)
	for i := range out {
		out[i] = r.data[(r.head+i)%len(r.data)]
	}
	return out
}

func (r *ring) last() (float64, bool) {
	if r.count == 0 {
		return 0, false
	}
	return r.data[(r.head+r.count-1)%len(r.data)], true
}

func (r *ring) reset() {
	r.head, r.count, r.seq = 0, 0, 0
	r.maxq = r.maxq[:0]
}

// History keeps a bounded FIFO of samples per channel. Appends come from
// the notification path; Snapshot may be called concurrently.
type History struct {
	mu       sync.RWMutex
	capacity int
	rings    []*ring
}

// NewHistory creates a History for channels channels of capacity samples.
func NewHistory(channels, capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	h := &History{capacity: capacity, rings: make([]*ring, channels)}
	for i := range h.rings {
		h.rings[i] = newRing(capacity)
	}
	return h
}

// Channels returns the number of channels.
func (h *History) Channels() int { return len(h.rings) }

// Capacity returns the per-channel bound.
func (h *History) Capacity() int { return h.capacity }

// Append pushes value onto channel, evicting the oldest sample when full.
// Unknown channels are ignored.
func (h *History) Append(channel int, value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if channel < 0 || channel >= len(h.rings) {
		return
	}
	h.rings[channel].push(value)
}

// AppendReading pushes one value per channel.
func (h *History) AppendReading(values []float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, v := range values {
		if i >= len(h.rings) {
			break
		}
		h.rings[i].push(v)
	}
}

// Len returns the number of samples held for channel.
func (h *History) Len(channel int) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if channel < 0 || channel >= len(h.rings) {
		return 0
	}
	return h.rings[channel].count
}

// Max returns the largest retained sample of channel; ok is false when the
// channel is empty.
func (h *History) Max(channel int) (max float64, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if channel < 0 || channel >= len(h.rings) {
		return 0, false
	}
	return h.rings[channel].max()
}

// Latest returns the most recent sample of every channel, 0 where empty.
func (h *History) Latest() []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]float64, len(h.rings))
	for i, r := range h.rings {
		out[i], _ = r.last()
	}
	return out
}

// Signals returns SignalRatio times each channel's retained maximum.
// An empty channel reports 0.
func (h *History) Signals() []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]float64, len(h.rings))
	for i, r := range h.rings {
		if m, ok := r.max(); ok {
			out[i] = m * SignalRatio
		}
	}
	return out
}

// Snapshot returns a copy of every channel's samples, oldest first.
func (h *History) Snapshot() [][]float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][]float64, len(h.rings))
	for i, r := range h.rings {
		out[i] = r.values()
	}
	return out
}

// Reset empties every channel.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.rings {
		r.reset()
	}
}
