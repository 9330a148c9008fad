// Package hand is the single integration point for glove consumers. It
// composes the BLE connection, frame decoding and analytics behind one
// surface and never exposes device handles.
package hand

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hand-rehab/analytics"
	"hand-rehab/ble"
)

// Options configures a Hand.
type Options struct {
	Encoding  ble.Encoding
	Channels  int
	Conn      ble.ConnConfig
	Analytics analytics.Config
	TapSize   int
}

// DefaultOptions returns the binary five-finger glove defaults.
func DefaultOptions() Options {
	return Options{
		Encoding:  ble.EncodingBinary,
		Channels:  ble.FingerChannels,
		Conn:      ble.DefaultConnConfig(),
		Analytics: analytics.DefaultConfig(),
		TapSize:   ble.DefaultTapSize,
	}
}

// State is the consumer-facing view of the glove.
type State struct {
	SessionID string     `json:"session_id"`
	Status    ble.Status `json:"status"`
	Connected bool       `json:"connected"`
	Packets   int        `json:"packets"`
	LastError string     `json:"last_error,omitempty"`
	Device    string     `json:"device,omitempty"`
	analytics.Snapshot
}

// Hand is the glove facade.
type Hand struct {
	conn     *ble.Connection
	decoder  ble.Decoder
	analyzer *analytics.Analyzer
	tap      *ble.RawTap
	log      *logrus.Entry
	now      func() time.Time

	mu          sync.Mutex
	sessionID   uuid.UUID
	lastPackets int
	nextID      int
	stateSubs   map[int]func(State)
	pressSubs   map[int]func(analytics.PressEvent)
}

// New creates a Hand that discovers gloves with picker.
func New(picker ble.Picker, opts Options) (*Hand, error) {
	if opts.Channels <= 0 {
		opts.Channels = ble.FingerChannels
	}
	decoder, err := ble.NewDecoder(opts.Encoding, opts.Channels)
	if err != nil {
		return nil, err
	}
	acfg := opts.Analytics
	acfg.Channels = opts.Channels

	h := &Hand{
		conn:      ble.NewConnection(picker, opts.Conn),
		decoder:   decoder,
		analyzer:  analytics.NewAnalyzer(acfg),
		tap:       ble.NewRawTap(opts.TapSize),
		log:       logrus.WithField("component", "hand"),
		now:       time.Now,
		sessionID: uuid.New(),
		stateSubs: make(map[int]func(State)),
		pressSubs: make(map[int]func(analytics.PressEvent)),
	}
	h.conn.SetFrameHandler(h.handleFrame)
	h.conn.SetStatusHandler(h.handleStatus)
	return h, nil
}

// Connect discovers, connects and subscribes to a glove.
func (h *Hand) Connect(ctx context.Context) error { return h.conn.Connect(ctx) }

// Disconnect tears the link down; status returns to idle.
func (h *Hand) Disconnect(ctx context.Context) error { return h.conn.Disconnect(ctx) }

// Reconnect re-opens the previous glove, or behaves like Connect.
func (h *Hand) Reconnect(ctx context.Context) error { return h.conn.Reconnect(ctx) }

// ResetData clears the sample history and the packet counter and starts a
// new session. Connection state and baseline are untouched.
func (h *Hand) ResetData() {
	h.analyzer.Reset()
	h.conn.ResetPackets()
	h.tap.Reset()
	h.mu.Lock()
	h.sessionID = uuid.New()
	h.lastPackets = 0
	h.mu.Unlock()
	h.log.Info("Hand: Data reset")
	h.publish()
}

// Calibrate captures the latest reading as the neutral-pose baseline.
func (h *Hand) Calibrate() error {
	if err := h.analyzer.Calibrate(); err != nil {
		return err
	}
	h.log.Info("Hand: Baseline captured")
	h.publish()
	return nil
}

// SetAlpha changes the smoothing factor.
func (h *Hand) SetAlpha(alpha float64) error { return h.analyzer.SetAlpha(alpha) }

// SetThresholds configures press detection thresholds, one per channel.
func (h *Hand) SetThresholds(thresholds []float64) { h.analyzer.SetThresholds(thresholds) }

// Status reports the connection state machine's current status.
func (h *Hand) Status() ble.Status { return h.conn.Status() }

// Connected reports whether a glove link is open.
func (h *Hand) Connected() bool { return h.conn.Connected() }

// Packets returns the throttled packet count.
func (h *Hand) Packets() int { return h.conn.Packets() }

// LastError returns the detail of the last failure, empty if none.
func (h *Hand) LastError() string { return h.conn.LastError() }

// Signals returns the per-channel press signals.
func (h *Hand) Signals() []float64 { return h.analyzer.Signals() }

// Channels returns the number of channels per frame.
func (h *Hand) Channels() int { return h.decoder.Channels() }

// RawHex dumps up to max of the most recent raw bytes as hex.
func (h *Hand) RawHex(max int) string { return h.tap.HexDump(max) }

// History returns a copy of the per-channel samples.
func (h *Hand) History() [][]float64 { return h.analyzer.History().Snapshot() }

// SessionID identifies the data since the last reset.
func (h *Hand) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID.String()
}

// State returns a snapshot of everything a consumer can observe.
func (h *Hand) State() State {
	cs := h.conn.State()
	return State{
		SessionID: h.SessionID(),
		Status:    cs.Status,
		Connected: cs.Connected,
		Packets:   cs.Packets,
		LastError: cs.LastError,
		Device:    cs.Device,
		Snapshot:  h.analyzer.Snapshot(),
	}
}

// Subscribe registers fn for state updates. Updates are sent on status
// changes and at most once per counted packet. The returned func removes
// the subscription.
func (h *Hand) Subscribe(fn func(State)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.stateSubs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.stateSubs, id)
	}
}

// OnPress registers fn for finger press and release edges.
func (h *Hand) OnPress(fn func(analytics.PressEvent)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.pressSubs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.pressSubs, id)
	}
}

// handleFrame runs on the transport goroutine for every notification.
func (h *Hand) handleFrame(data []byte) {
	h.tap.Record(data)

	reading, err := h.decoder.Decode(data)
	if err != nil {
		h.analyzer.RecordDrop()
		h.log.WithError(err).Debugf("Hand: Dropped frame (%d bytes)", len(data))
		return
	}
	events := h.analyzer.ProcessReading(reading, h.now())

	h.mu.Lock()
	var pressSubs []func(analytics.PressEvent)
	if len(events) > 0 {
		for _, fn := range h.pressSubs {
			pressSubs = append(pressSubs, fn)
		}
	}
	packets := h.conn.Packets()
	changed := packets != h.lastPackets
	h.lastPackets = packets
	h.mu.Unlock()

	for _, ev := range events {
		for _, fn := range pressSubs {
			fn(ev)
		}
	}
	if changed {
		h.publish()
	}
}

func (h *Hand) handleStatus(status ble.Status, lastError string) {
	h.log.WithField("status", status).Debug("Hand: Status changed")
	h.publish()
}

// publish sends the current state to every subscriber.
func (h *Hand) publish() {
	h.mu.Lock()
	subs := make([]func(State), 0, len(h.stateSubs))
	for _, fn := range h.stateSubs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	st := h.State()
	for _, fn := range subs {
		fn(st)
	}
}
