package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnConfig holds the tunables of a Connection.
type ConnConfig struct {
	// FirstPacketTimeout is how long a fresh subscription may stay silent
	// before the status becomes StatusNoData.
	FirstPacketTimeout time.Duration
	// Throttle is the minimum gap between two counted packets. Frames are
	// always delivered; only the packet counter is rate limited.
	Throttle time.Duration
	// ServiceUUID and CharUUID select the notify characteristic.
	ServiceUUID string
	CharUUID    string
}

// DefaultConnConfig returns the glove defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		FirstPacketTimeout: 3 * time.Second,
		Throttle:           20 * time.Millisecond,
		ServiceUUID:        ServiceUUIDStr,
		CharUUID:           TXCharUUIDStr,
	}
}

// FrameHandler is called with every raw notification payload.
type FrameHandler func(data []byte)

// StatusHandler is called after every status transition.
type StatusHandler func(status Status, lastError string)

// ConnState is a point-in-time view of a Connection.
type ConnState struct {
	Status    Status `json:"status"`
	Connected bool   `json:"connected"`
	Packets   int    `json:"packets"`
	LastError string `json:"last_error,omitempty"`
	Device    string `json:"device,omitempty"`
}

var errSuperseded = errors.New("connection attempt superseded")

// Connection owns the lifecycle of one glove link: discovery, connect,
// subscribe, first-packet watchdog and teardown. Peripheral, link and
// characteristic handles never leave it.
type Connection struct {
	picker Picker
	cfg    ConnConfig
	log    *logrus.Entry
	now    func() time.Time

	mu        sync.Mutex
	status    Status
	connected bool
	lastErr   string
	packets   int
	lastCount time.Time
	received  bool
	// gen identifies the current attempt. Callbacks carry the generation
	// they were registered under and are ignored once it moves on.
	gen      uint64
	watchdog *time.Timer

	peripheral Peripheral
	link       Link
	char       Characteristic
	unregister func()

	onFrame  FrameHandler
	onStatus StatusHandler
}

// NewConnection creates an idle Connection that discovers devices with picker.
func NewConnection(picker Picker, cfg ConnConfig) *Connection {
	def := DefaultConnConfig()
	if cfg.FirstPacketTimeout <= 0 {
		cfg.FirstPacketTimeout = def.FirstPacketTimeout
	}
	if cfg.Throttle < 0 {
		cfg.Throttle = 0
	}
	if cfg.ServiceUUID == "" {
		cfg.ServiceUUID = def.ServiceUUID
	}
	if cfg.CharUUID == "" {
		cfg.CharUUID = def.CharUUID
	}
	return &Connection{
		picker: picker,
		cfg:    cfg,
		log:    logrus.WithField("component", "ble"),
		now:    time.Now,
		status: StatusIdle,
	}
}

// SetFrameHandler sets the callback for incoming notification payloads.
func (c *Connection) SetFrameHandler(handler FrameHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFrame = handler
}

// SetStatusHandler sets the callback for status transitions.
func (c *Connection) SetStatusHandler(handler StatusHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = handler
}

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the link is up and subscribed.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Packets returns the throttled packet count.
func (c *Connection) Packets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets
}

// LastError returns the message of the most recent failure, if any.
func (c *Connection) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// State returns a snapshot of the observable fields.
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ConnState{
		Status:    c.status,
		Connected: c.connected,
		Packets:   c.packets,
		LastError: c.lastErr,
	}
	if c.peripheral != nil {
		st.Device = c.peripheral.Name()
	}
	return st
}

// ResetPackets zeroes the packet counter without touching the link.
func (c *Connection) ResetPackets() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = 0
	c.lastCount = time.Time{}
}

// Connect runs discovery and then connects and subscribes to the chosen
// device. Failures move the status to StatusError and are also returned.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	gen, release := c.beginLocked()
	c.setStatusLocked(StatusRequesting)
	c.mu.Unlock()
	release()
	c.emit()

	c.log.Info("BLE: Requesting device...")
	p, err := c.picker.RequestDevice(ctx)
	if err != nil {
		return c.fail(gen, fmt.Errorf("request device: %w", err), "")
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return errSuperseded
	}
	c.peripheral = p
	c.mu.Unlock()

	c.log.WithField("device", p.Name()).Info("BLE: Device selected")
	return c.open(ctx, gen, p)
}

// Reconnect re-opens the link to the previously selected device without a
// new discovery. With no previous device it behaves like Connect. It is a
// no-op while the device link is still up.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	p := c.peripheral
	if p == nil {
		c.mu.Unlock()
		return c.Connect(ctx)
	}
	if p.Connected() {
		c.mu.Unlock()
		c.log.WithField("device", p.Name()).Debug("BLE: Reconnect skipped, link still up")
		return nil
	}
	gen, release := c.beginLocked()
	c.mu.Unlock()
	release()

	c.log.WithField("device", p.Name()).Info("BLE: Reconnecting...")
	return c.open(ctx, gen, p)
}

// Disconnect cancels the watchdog, stops notifications and closes the link.
// The status always ends at StatusIdle; the link close error is returned.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	release := c.detachLocked()
	c.connected = false
	c.setStatusLocked(StatusIdle)
	c.mu.Unlock()

	err := release()
	c.emit()
	if err != nil {
		c.log.WithError(err).Warn("BLE: Disconnect")
		return fmt.Errorf("disconnect: %w", err)
	}
	c.log.Info("BLE: Disconnected")
	return nil
}

// open runs connecting -> subscribing -> connected on p.
func (c *Connection) open(ctx context.Context, gen uint64, p Peripheral) error {
	if !c.transition(gen, StatusConnecting) {
		return errSuperseded
	}
	link, err := p.Connect(ctx)
	if err != nil {
		return c.fail(gen, fmt.Errorf("connect %s: %w", p.Name(), err), "")
	}
	unregister := link.OnDisconnect(func() { c.handleLinkLost(gen) })

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		unregister()
		_ = link.Disconnect()
		return errSuperseded
	}
	c.link = link
	c.unregister = unregister
	c.setStatusLocked(StatusSubscribing)
	c.mu.Unlock()
	c.emit()

	char, err := link.Characteristic(ctx, c.cfg.ServiceUUID, c.cfg.CharUUID)
	if err != nil {
		var detail string
		if errors.Is(err, ErrServiceNotFound) || errors.Is(err, ErrCharacteristicNotFound) {
			detail = c.enumerate(ctx, link)
		}
		return c.fail(gen, err, detail)
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return errSuperseded
	}
	c.char = char
	c.lastCount = time.Time{}
	c.mu.Unlock()

	if err := char.StartNotify(func(data []byte) { c.handleFrame(gen, data) }); err != nil {
		return c.fail(gen, fmt.Errorf("start notifications: %w", err), "")
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return errSuperseded
	}
	c.connected = true
	if c.received {
		c.setStatusLocked(StatusReceiving)
	} else {
		c.setStatusLocked(StatusConnected)
		c.watchdog = time.AfterFunc(c.cfg.FirstPacketTimeout, func() { c.handleWatchdog(gen) })
	}
	c.mu.Unlock()
	c.emit()

	c.log.WithField("char", char.UUID()).Info("BLE: Notifications started")
	return nil
}

// enumerate lists the device's GATT tree for the error detail.
func (c *Connection) enumerate(ctx context.Context, link Link) string {
	services, err := link.Enumerate(ctx)
	if err != nil {
		return "Enumeration failed: " + err.Error()
	}
	listing := FormatServices(services)
	c.log.Infof("BLE: GATT enumeration\n%s", listing)
	return "Found services/chars:\n" + listing
}

func (c *Connection) handleFrame(gen uint64, data []byte) {
	c.mu.Lock()
	if gen != c.gen || c.char == nil {
		c.mu.Unlock()
		return
	}
	changed := false
	if !c.received {
		c.received = true
		c.stopWatchdogLocked()
	}
	if c.status == StatusConnected || c.status == StatusNoData {
		c.setStatusLocked(StatusReceiving)
		changed = true
	}
	now := c.now()
	if c.lastCount.IsZero() || now.Sub(c.lastCount) >= c.cfg.Throttle {
		c.packets++
		c.lastCount = now
	}
	handler := c.onFrame
	c.mu.Unlock()

	if changed {
		c.emit()
	}
	if handler != nil {
		handler(data)
	}
}

func (c *Connection) handleWatchdog(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.received || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	c.watchdog = nil
	c.setStatusLocked(StatusNoData)
	c.mu.Unlock()

	c.log.Warnf("BLE: No data within %s of subscribing", c.cfg.FirstPacketTimeout)
	c.emit()
}

// handleLinkLost handles an unsolicited disconnect from any state.
func (c *Connection) handleLinkLost(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	release := c.detachLocked()
	c.connected = false
	c.setStatusLocked(StatusIdle)
	c.mu.Unlock()

	if err := release(); err != nil {
		c.log.WithError(err).Debug("BLE: Cleanup after link loss")
	}
	c.log.Warn("BLE: Link lost")
	c.emit()
}

// fail records err for the UI, releases the link and moves to StatusError.
func (c *Connection) fail(gen uint64, err error, detail string) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return err
	}
	msg := err.Error()
	if detail != "" {
		msg += "\n" + detail
	}
	c.gen++
	release := c.detachLocked()
	c.lastErr = msg
	c.connected = false
	c.setStatusLocked(StatusError)
	c.mu.Unlock()

	if rerr := release(); rerr != nil {
		c.log.WithError(rerr).Debug("BLE: Cleanup after failure")
	}
	c.log.WithError(err).Error("BLE: Connection failed")
	c.emit()
	return err
}

// transition moves to status if gen is still current.
func (c *Connection) transition(gen uint64, status Status) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.setStatusLocked(status)
	c.mu.Unlock()
	c.emit()
	return true
}

// beginLocked starts a new attempt. The returned func releases handles
// of a previous attempt and must be called without c.mu held.
func (c *Connection) beginLocked() (uint64, func() error) {
	c.gen++
	release := c.detachLocked()
	c.connected = false
	c.received = false
	c.lastErr = ""
	return c.gen, release
}

// detachLocked clears the link handles. Teardown runs in the order
// watchdog, notifications, disconnect listener, link; the returned func
// performs the blocking part and must be called without c.mu held.
func (c *Connection) detachLocked() func() error {
	c.stopWatchdogLocked()
	char, unregister, link := c.char, c.unregister, c.link
	c.char, c.unregister, c.link = nil, nil, nil
	return func() error {
		var errs []error
		if char != nil {
			if err := char.StopNotify(); err != nil {
				errs = append(errs, fmt.Errorf("stop notifications: %w", err))
			}
		}
		if unregister != nil {
			unregister()
		}
		if link != nil {
			if err := link.Disconnect(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

func (c *Connection) stopWatchdogLocked() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Connection) setStatusLocked(s Status) {
	if c.status != s {
		c.log.Debugf("BLE: %s -> %s", c.status, s)
	}
	c.status = s
}

// emit reports the current status to the status handler. Called without c.mu.
func (c *Connection) emit() {
	c.mu.Lock()
	handler, status, lastErr := c.onStatus, c.status, c.lastErr
	c.mu.Unlock()
	if handler != nil {
		handler(status, lastErr)
	}
}
