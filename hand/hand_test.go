package hand

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hand-rehab/analytics"
	"hand-rehab/ble"
)

type stubChar struct {
	mu sync.Mutex
	fn func([]byte)
}

func (c *stubChar) UUID() string { return ble.TXCharUUIDStr }

func (c *stubChar) StartNotify(fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
	return nil
}

func (c *stubChar) StopNotify() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = nil
	return nil
}

func (c *stubChar) send(data []byte) {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

type stubLink struct{ char *stubChar }

func (l *stubLink) Characteristic(ctx context.Context, svc, char string) (ble.Characteristic, error) {
	return l.char, nil
}
func (l *stubLink) Enumerate(ctx context.Context) ([]ble.ServiceInfo, error) { return nil, nil }
func (l *stubLink) OnDisconnect(fn func()) func() { return func() {} }
func (l *stubLink) Disconnect() error { return nil }

type stubPeripheral struct{ link *stubLink }

func (p *stubPeripheral) Name() string { return "Glove" }
func (p *stubPeripheral) Connect(ctx context.Context) (ble.Link, error) { return p.link, nil }
func (p *stubPeripheral) Connected() bool { return false }

type stubPicker struct {
	p   *stubPeripheral
	err error
}

func (s *stubPicker) RequestDevice(ctx context.Context) (ble.Peripheral, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.p, nil
}

func newStubPicker() (*stubPicker, *stubChar) {
	char := &stubChar{}
	return &stubPicker{p: &stubPeripheral{link: &stubLink{char: char}}}, char
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Conn.FirstPacketTimeout = time.Hour
	opts.Conn.Throttle = 0
	opts.Analytics.HistoryCapacity = 8
	opts.Analytics.Alpha = 1
	opts.Analytics.Hysteresis = 1
	return opts
}

func binaryFrame(values ...uint16) []byte {
	out := make([]byte, 0, 2*len(values))
	for _, v := range values {
		out = append(out, byte(v), byte(v>>8))
	}
	return out
}

func TestHandDecodesFrames(t *testing.T) {
	picker, char := newStubPicker()
	h, err := New(picker, testOptions())
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	assert.Equal(t, ble.StatusConnected, h.Status())

	char.send(binaryFrame(100, 200, 300, 400, 500))

	assert.Equal(t, ble.StatusReceiving, h.Status())
	assert.True(t, h.Connected())
	assert.Equal(t, 1, h.Packets())
	assert.Equal(t, [][]float64{{1}, {2}, {3}, {4}, {5}}, h.History())
	assert.InDeltaSlice(t, []float64{0.6, 1.2, 1.8, 2.4, 3.0}, h.Signals(), 1e-9)
	assert.Equal(t, "64 00 c8 00 2c 01 90 01 f4 01", h.RawHex(64))
}

func TestHandShortFrameDoesNotTouchHistory(t *testing.T) {
	picker, char := newStubPicker()
	h, err := New(picker, testOptions())
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))

	char.send(binaryFrame(100, 200, 300, 400, 500))
	char.send([]byte{0x01, 0x02, 0x03})

	st := h.State()
	assert.Equal(t, [][]float64{{1}, {2}, {3}, {4}, {5}}, h.History())
	assert.Equal(t, 1, st.Samples)
	assert.Equal(t, 1, st.Drops)
	assert.Equal(t, 2, st.Packets, "short frames still count as packets")
}

func TestHandTextEncoding(t *testing.T) {
	picker, char := newStubPicker()
	opts := testOptions()
	opts.Encoding = ble.EncodingText
	opts.Channels = ble.ExtendedChannels
	h, err := New(picker, opts)
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))

	char.send([]byte("10 20 30 40 50 60 70 80"))
	assert.Equal(t, []float64{10, 40, 50, 20, 30, 60, 70, 80}, h.State().Latest)
	assert.Equal(t, 8, h.Channels())
}

func TestHandResetDataKeepsConnection(t *testing.T) {
	picker, char := newStubPicker()
	h, err := New(picker, testOptions())
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	char.send(binaryFrame(100, 200, 300, 400, 500))
	session := h.SessionID()

	h.ResetData()

	assert.Equal(t, ble.StatusReceiving, h.Status())
	assert.True(t, h.Connected())
	assert.Equal(t, 0, h.Packets())
	assert.Equal(t, [][]float64{{}, {}, {}, {}, {}}, h.History())
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, h.Signals())
	assert.Empty(t, h.RawHex(64))
	assert.NotEqual(t, session, h.SessionID())
}

func TestHandCalibrate(t *testing.T) {
	picker, char := newStubPicker()
	h, err := New(picker, testOptions())
	require.NoError(t, err)
	assert.ErrorIs(t, h.Calibrate(), analytics.ErrNoReading)

	require.NoError(t, h.Connect(context.Background()))
	char.send(binaryFrame(100, 200, 300, 400, 500))
	require.NoError(t, h.Calibrate())
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, h.State().Baseline)

	char.send(binaryFrame(100, 200, 300, 400, 500))
	assert.Equal(t, []float64{0, 0, 0, 0, 0}, h.State().Smoothed)
}

func TestHandConnectFailure(t *testing.T) {
	picker, _ := newStubPicker()
	picker.err = errors.New("user cancelled the chooser")
	h, err := New(picker, testOptions())
	require.NoError(t, err)

	require.Error(t, h.Connect(context.Background()))
	assert.Equal(t, ble.StatusError, h.Status())
	assert.Contains(t, h.LastError(), "user cancelled the chooser")
}

func TestHandSubscribers(t *testing.T) {
	picker, char := newStubPicker()
	h, err := New(picker, testOptions())
	require.NoError(t, err)

	var mu sync.Mutex
	var states []State
	var presses []analytics.PressEvent
	cancelState := h.Subscribe(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, st)
	})
	cancelPress := h.OnPress(func(ev analytics.PressEvent) {
		mu.Lock()
		defer mu.Unlock()
		presses = append(presses, ev)
	})

	h.SetThresholds([]float64{2})
	require.NoError(t, h.Connect(context.Background()))
	char.send(binaryFrame(500, 0, 0, 0, 0))
	char.send(binaryFrame(100, 0, 0, 0, 0))

	mu.Lock()
	require.Len(t, presses, 1)
	assert.Equal(t, 0, presses[0].Channel)
	assert.True(t, presses[0].Pressed)
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	mu.Unlock()
	assert.Equal(t, ble.StatusReceiving, last.Status)
	assert.Equal(t, 2, last.Packets)

	cancelState()
	cancelPress()
	mu.Lock()
	n := len(states)
	mu.Unlock()
	char.send(binaryFrame(500, 0, 0, 0, 0))
	mu.Lock()
	assert.Equal(t, n, len(states))
	mu.Unlock()
}

func TestHandInvalidOptions(t *testing.T) {
	picker, _ := newStubPicker()
	opts := testOptions()
	opts.Encoding = ble.Encoding(42)
	_, err := New(picker, opts)
	assert.Error(t, err)
}

func TestHandDisconnect(t *testing.T) {
	picker, char := newStubPicker()
	h, err := New(picker, testOptions())
	require.NoError(t, err)
	require.NoError(t, h.Connect(context.Background()))
	require.NoError(t, h.Disconnect(context.Background()))
	assert.Equal(t, ble.StatusIdle, h.Status())

	char.send(binaryFrame(100, 200, 300, 400, 500))
	assert.Equal(t, 0, h.State().Samples)
}
