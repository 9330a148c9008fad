package ble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryDecoderFiveFingers(t *testing.T) {
	d := BinaryDecoder{N: FingerChannels}
	r, err := d.Decode([]byte{0x64, 0x00, 0xC8, 0x00, 0x2C, 0x01, 0x90, 0x01, 0xF4, 0x01})
	require.NoError(t, err)
	assert.Equal(t, Reading{1, 2, 3, 4, 5}, r)
}

func TestBinaryDecoderIgnoresTrailingBytes(t *testing.T) {
	d := BinaryDecoder{N: 2}
	r, err := d.Decode([]byte{0x10, 0x27, 0x00, 0x00, 0xFF})
	require.NoError(t, err)
	assert.Equal(t, Reading{100, 0}, r)
}

func TestBinaryDecoderShortFrame(t *testing.T) {
	d := BinaryDecoder{N: FingerChannels}
	_, err := d.Decode(make([]byte, 9))
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = d.Decode(nil)
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestBinaryDecoderMaxValue(t *testing.T) {
	d := BinaryDecoder{N: 1}
	r, err := d.Decode([]byte{0xFF, 0xFF})
	require.NoError(t, err)
	assert.InDelta(t, 655.35, r[0], 1e-9)
}

func TestTextDecoderAppliesSwaps(t *testing.T) {
	d := TextDecoder{N: ExtendedChannels, Swaps: DefaultSwaps}
	r, err := d.Decode([]byte("10 20 30 40 50 60 70 80"))
	require.NoError(t, err)
	assert.Equal(t, Reading{10, 40, 50, 20, 30, 60, 70, 80}, r)
}

func TestTextDecoderWhitespaceAndExtraTokens(t *testing.T) {
	d := TextDecoder{N: 3}
	r, err := d.Decode([]byte("  1.5\t-2   3 4 5\r\n"))
	require.NoError(t, err)
	assert.Equal(t, Reading{1.5, -2, 3}, r)
}

func TestTextDecoderShortFrame(t *testing.T) {
	d := TextDecoder{N: ExtendedChannels, Swaps: DefaultSwaps}
	_, err := d.Decode([]byte("10 20 30"))
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = d.Decode([]byte("   "))
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestTextDecoderMalformed(t *testing.T) {
	d := TextDecoder{N: 2}
	for _, in := range []string{"1 x", "NaN 1", "1 Inf", "\xff\xfe 1"} {
		_, err := d.Decode([]byte(in))
		assert.ErrorIs(t, err, ErrMalformedFrame, in)
	}
}

func TestDecodeIsStateless(t *testing.T) {
	d := TextDecoder{N: 5, Swaps: DefaultSwaps}
	frame := []byte("1 2 3 4 5")
	first, err := d.Decode(frame)
	require.NoError(t, err)
	second, err := d.Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []byte("1 2 3 4 5"), frame)
}

func TestApplySwaps(t *testing.T) {
	r := Reading{0, 1, 2, 3, 4}
	ApplySwaps(r, DefaultSwaps)
	assert.Equal(t, Reading{0, 3, 4, 1, 2}, r)

	short := Reading{0, 1, 2}
	ApplySwaps(short, DefaultSwaps)
	assert.Equal(t, Reading{0, 1, 2}, short, "out-of-range pairs are skipped")
}

func TestNewDecoder(t *testing.T) {
	d, err := NewDecoder(EncodingBinary, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, d.Channels())

	d, err = NewDecoder(EncodingText, 8)
	require.NoError(t, err)
	assert.IsType(t, TextDecoder{}, d)

	_, err = NewDecoder(EncodingText, 0)
	assert.Error(t, err)
	_, err = NewDecoder(Encoding(9), 5)
	assert.Error(t, err)
}

func TestParseEncoding(t *testing.T) {
	enc, err := ParseEncoding(" Text ")
	require.NoError(t, err)
	assert.Equal(t, EncodingText, enc)

	enc, err = ParseEncoding("binary")
	require.NoError(t, err)
	assert.Equal(t, EncodingBinary, enc)

	_, err = ParseEncoding("json")
	assert.Error(t, err)
}

func TestReadingClone(t *testing.T) {
	r := Reading{1, 2}
	c := r.Clone()
	c[0] = 9
	assert.Equal(t, 1.0, r[0])
}
