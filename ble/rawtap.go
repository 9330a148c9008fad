package ble

import (
	"fmt"
	"strings"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// DefaultTapSize is the number of raw bytes RawTap keeps.
const DefaultTapSize = 1024

// RawTap keeps the most recent raw notification bytes for operator
// debugging. Older bytes are discarded when it is full.
type RawTap struct {
	mu     sync.Mutex
	rb     *ringbuffer.RingBuffer
	size   int
	frames int
}

// NewRawTap creates a tap holding up to size bytes.
func NewRawTap(size int) *RawTap {
	if size <= 0 {
		size = DefaultTapSize
	}
	return &RawTap{rb: ringbuffer.New(size), size: size}
}

// Record appends one frame's bytes.
func (t *RawTap) Record(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames++
	if len(data) > t.size {
		data = data[len(data)-t.size:]
	}
	if free := t.rb.Free(); free < len(data) {
		discard := make([]byte, len(data)-free)
		_, _ = t.rb.Read(discard)
	}
	_, _ = t.rb.Write(data)
}

// Frames returns how many frames were recorded.
func (t *RawTap) Frames() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frames
}

// Bytes returns a copy of the retained bytes, oldest first.
func (t *RawTap) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.rb.Length()
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	_, _ = t.rb.Read(out)
	_, _ = t.rb.Write(out)
	return out
}

// Reset drops all retained bytes.
func (t *RawTap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rb.Reset()
	t.frames = 0
}

// HexDump renders up to max of the most recent bytes as space separated hex.
func (t *RawTap) HexDump(max int) string {
	return HexDump(t.Bytes(), max, true)
}

// HexDump formats b as "0a ff 10". With tail set the last max bytes are
// shown, otherwise the first max.
func HexDump(b []byte, max int, tail bool) string {
	if max > 0 && len(b) > max {
		if tail {
			b = b[len(b)-max:]
		} else {
			b = b[:max]
		}
	}
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", v)
	}
	return sb.String()
}
