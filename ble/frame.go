// Package ble provides BLE Central functionality for the flex-sensor glove.
package ble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Channel counts observed across glove firmware variants.
const (
	FingerChannels   = 5 // thumb, index, middle, ring, pinky
	ExtendedChannels = 8
)

// BinaryScale converts a raw uint16 channel value into degrees.
const BinaryScale = 100.0

// FingerNames labels the first FingerChannels channels.
var FingerNames = [FingerChannels]string{"thumb", "index", "middle", "ring", "pinky"}

// Reading holds one decoded frame: exactly Channels() values.
type Reading []float64

// Clone returns a copy the caller may keep.
func (r Reading) Clone() Reading {
	out := make(Reading, len(r))
	copy(out, r)
	return out
}

var (
	// ErrShortFrame is returned for frames that carry fewer than N channels.
	// Partial frames are expected at stream boundaries and are dropped.
	ErrShortFrame = errors.New("short frame")
	// ErrMalformedFrame is returned when a text frame has a non-numeric token.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Encoding selects the payload format of a firmware variant.
type Encoding int

const (
	EncodingBinary Encoding = iota
	EncodingText
)

func (e Encoding) String() string {
	switch e {
	case EncodingBinary:
		return "binary"
	case EncodingText:
		return "text"
	}
	return fmt.Sprintf("encoding(%d)", int(e))
}

// ParseEncoding maps a configuration string to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "binary", "bin":
		return EncodingBinary, nil
	case "text", "ascii":
		return EncodingText, nil
	}
	return 0, fmt.Errorf("unknown encoding %q (want binary or text)", s)
}

// Decoder turns one notification payload into a Reading.
// Implementations keep no state between calls.
type Decoder interface {
	Channels() int
	Decode(data []byte) (Reading, error)
}

// NewDecoder returns the decoder for a firmware variant.
func NewDecoder(enc Encoding, channels int) (Decoder, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	switch enc {
	case EncodingBinary:
		return BinaryDecoder{N: channels}, nil
	case EncodingText:
		return TextDecoder{N: channels, Swaps: DefaultSwaps}, nil
	}
	return nil, fmt.Errorf("unsupported encoding %v", enc)
}

// BinaryDecoder decodes N little-endian uint16 values, each scaled by
// 1/BinaryScale. Channel i occupies bytes [2i, 2i+2).
type BinaryDecoder struct {
	N int
}

func (d BinaryDecoder) Channels() int { return d.N }

// MinFrameSize is the smallest payload Decode accepts.
func (d BinaryDecoder) MinFrameSize() int { return 2 * d.N }

func (d BinaryDecoder) Decode(data []byte) (Reading, error) {
	if len(data) < d.MinFrameSize() {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrShortFrame, d.MinFrameSize(), len(data))
	}
	out := make(Reading, d.N)
	for i := range out {
		out[i] = float64(binary.LittleEndian.Uint16(data[2*i:2*i+2])) / BinaryScale
	}
	return out, nil
}

// SwapPair exchanges two channel positions.
type SwapPair [2]int

// DefaultSwaps corrects the glove's wiring-to-channel mismatch.
var DefaultSwaps = []SwapPair{{1, 3}, {2, 4}}

// ApplySwaps exchanges the listed channel pairs in place, in order.
// Pairs that fall outside r are skipped.
func ApplySwaps(r Reading, swaps []SwapPair) Reading {
	for _, p := range swaps {
		i, j := p[0], p[1]
		if i < 0 || j < 0 || i >= len(r) || j >= len(r) {
			continue
		}
		r[i], r[j] = r[j], r[i]
	}
	return r
}

// TextDecoder decodes whitespace separated ASCII numbers and then applies
// Swaps once.
type TextDecoder struct {
	N     int
	Swaps []SwapPair
}

func (d TextDecoder) Channels() int { return d.N }

func (d TextDecoder) Decode(data []byte) (Reading, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid utf-8", ErrMalformedFrame)
	}
	fields := strings.Fields(string(data))
	if len(fields) < d.N {
		return nil, fmt.Errorf("%w: expected %d values, got %d", ErrShortFrame, d.N, len(fields))
	}
	out := make(Reading, d.N)
	for i := 0; i < d.N; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: token %d %q", ErrMalformedFrame, i, fields[i])
		}
		out[i] = v
	}
	return ApplySwaps(out, d.Swaps), nil
}
