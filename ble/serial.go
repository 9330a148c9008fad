package ble

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/albenik/go-serial/v2"
	"github.com/albenik/go-serial/v2/enumerator"
	"github.com/sirupsen/logrus"
)

// SerialConfig describes a glove tethered over USB serial. The firmware
// writes the text encoding there, one frame per line.
type SerialConfig struct {
	// Port is the device name, e.g. /dev/ttyUSB0. Empty selects the first
	// USB port matching VID (or any USB port when VID is empty).
	Port     string
	VID      string
	BaudRate int
	// MaxLine bounds a single line; longer lines are discarded.
	MaxLine int
}

// DefaultSerialConfig returns the ESP32 defaults.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate: 115200,
		MaxLine:  256,
	}
}

// openFunc opens a serial port for reading.
type openFunc func(name string, baud int) (io.ReadCloser, error)

func openSerial(name string, baud int) (io.ReadCloser, error) {
	// Reads block; closing the port unblocks them.
	return serial.Open(name, serial.WithBaudrate(baud))
}

// SerialPicker "discovers" the configured serial port.
type SerialPicker struct {
	config SerialConfig
	open   openFunc
	list   func() ([]*enumerator.PortDetails, error)
	log    *logrus.Entry
}

// NewSerialPicker creates a picker for a USB serial glove.
func NewSerialPicker(config SerialConfig) *SerialPicker {
	def := DefaultSerialConfig()
	if config.BaudRate <= 0 {
		config.BaudRate = def.BaudRate
	}
	if config.MaxLine <= 0 {
		config.MaxLine = def.MaxLine
	}
	return &SerialPicker{
		config: config,
		open:   openSerial,
		list:   enumerator.GetDetailedPortsList,
		log:    logrus.WithField("component", "serial"),
	}
}

func (p *SerialPicker) RequestDevice(ctx context.Context) (Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := p.config.Port
	if name == "" {
		ports, err := p.list()
		if err != nil {
			return nil, fmt.Errorf("list serial ports: %w", err)
		}
		for _, port := range ports {
			if !port.IsUSB {
				continue
			}
			if p.config.VID != "" && !strings.EqualFold(port.VID, p.config.VID) {
				continue
			}
			name = port.Name
			break
		}
		if name == "" {
			return nil, fmt.Errorf("%w: no USB serial port", ErrNoDevice)
		}
	}
	p.log.WithField("port", name).Info("Serial: Using port")
	return &serialPeripheral{name: name, config: p.config, open: p.open, log: p.log}, nil
}

type serialPeripheral struct {
	name   string
	config SerialConfig
	open   openFunc
	log    *logrus.Entry

	mu   sync.Mutex
	link *serialLink
}

func (p *serialPeripheral) Name() string { return p.name }

func (p *serialPeripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link != nil && !p.link.isClosed()
}

func (p *serialPeripheral) Connect(ctx context.Context) (Link, error) {
	rc, err := p.open(p.name, p.config.BaudRate)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", p.name, err)
	}
	link := &serialLink{port: rc, name: p.name, maxLine: p.config.MaxLine, log: p.log}
	p.mu.Lock()
	p.link = link
	p.mu.Unlock()
	return link, nil
}

type serialLink struct {
	port    io.ReadCloser
	name    string
	maxLine int
	log     *logrus.Entry

	mu     sync.Mutex
	closed bool
	lost   func()
	char   *serialChar
}

func (l *serialLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Characteristic returns the line stream; serial has no GATT so the UUIDs
// are not checked.
func (l *serialLink) Characteristic(ctx context.Context, serviceUUID, charUUID string) (Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrNotConnected
	}
	if l.char == nil {
		l.char = &serialChar{link: l}
	}
	return l.char, nil
}

func (l *serialLink) Enumerate(ctx context.Context) ([]ServiceInfo, error) {
	return []ServiceInfo{{UUID: "serial:" + l.name, Characteristics: []string{"lines"}}}, nil
}

func (l *serialLink) OnDisconnect(fn func()) func() {
	l.mu.Lock()
	l.lost = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.lost = nil
		l.mu.Unlock()
	}
}

func (l *serialLink) Disconnect() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.port.Close()
}

// readFailed reports a read error; it counts as link loss unless the link
// was closed on purpose.
func (l *serialLink) readFailed(err error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	lost := l.lost
	l.mu.Unlock()

	l.log.WithError(err).Warn("Serial: Read failed")
	_ = l.port.Close()
	if lost != nil {
		lost()
	}
}

type serialChar struct {
	link *serialLink

	mu   sync.Mutex
	fn   func([]byte)
	done chan struct{}

	// delivering is held while fn runs so StopNotify can wait it out.
	delivering sync.Mutex
}

func (c *serialChar) UUID() string { return "serial:" + c.link.name }

func (c *serialChar) StartNotify(fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return fmt.Errorf("notifications already started on %s", c.link.name)
	}
	c.fn = fn
	c.done = make(chan struct{})
	go c.readLoop(c.done)
	return nil
}

func (c *serialChar) deliver(line []byte) {
	c.delivering.Lock()
	defer c.delivering.Unlock()
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn != nil && len(line) > 0 {
		fn(line)
	}
}

// readLoop splits the byte stream into lines. A line longer than maxLine
// is dropped up to its terminating newline.
func (c *serialChar) readLoop(done chan struct{}) {
	defer close(done)
	buf := make([]byte, 64)
	line := make([]byte, 0, c.link.maxLine)
	overflow := false
	for {
		n, err := c.link.port.Read(buf)
		chunk := buf[:n]
		for len(chunk) > 0 {
			i := bytes.IndexByte(chunk, '\n')
			part := chunk
			if i >= 0 {
				part = chunk[:i]
			}
			if !overflow {
				if len(line)+len(part) > c.link.maxLine {
					overflow = true
					line = line[:0]
				} else {
					line = append(line, part...)
				}
			}
			if i < 0 {
				break
			}
			if !overflow {
				c.deliver(bytes.Clone(bytes.TrimRight(line, "\r")))
			}
			line = line[:0]
			overflow = false
			chunk = chunk[i+1:]
		}
		if err != nil {
			c.link.readFailed(err)
			return
		}
	}
}

// StopNotify detaches the callback after any in-flight delivery returns.
// The reader exits once the port closes.
func (c *serialChar) StopNotify() error {
	c.delivering.Lock()
	defer c.delivering.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = nil
	return nil
}
