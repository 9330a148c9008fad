package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// Nordic UART Service UUIDs as BlueZ reports them in GetManagedObjects.
const (
	ServiceUUIDStr = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	TXCharUUIDStr  = "6e400003-b5a3-f393-e0a9-e50e24dcca9e" // notify, device -> host
)

// BLE UUIDs matching the glove firmware.
var (
	ServiceUUID = mustParseUUID(ServiceUUIDStr)
	TXCharUUID  = mustParseUUID(TXCharUUIDStr)
)

func mustParseUUID(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("ble: bad uuid %q: %v", s, err))
	}
	return u
}

var (
	ErrNoDevice               = errors.New("no matching device found")
	ErrServiceNotFound        = errors.New("service not found")
	ErrCharacteristicNotFound = errors.New("characteristic not found")
	ErrNotConnected           = errors.New("not connected")
)

// Picker performs device discovery. It blocks until a device is chosen,
// discovery fails or ctx is done.
type Picker interface {
	RequestDevice(ctx context.Context) (Peripheral, error)
}

// Peripheral is a discovered device. Its handle survives link loss so it
// can be reconnected without another discovery.
type Peripheral interface {
	Name() string
	Connect(ctx context.Context) (Link, error)
	Connected() bool
}

// Link is an open connection to a Peripheral.
type Link interface {
	// Characteristic resolves charUUID under serviceUUID. It returns an error
	// wrapping ErrServiceNotFound or ErrCharacteristicNotFound on mismatch.
	Characteristic(ctx context.Context, serviceUUID, charUUID string) (Characteristic, error)
	// Enumerate lists all services and characteristics for diagnostics.
	Enumerate(ctx context.Context) ([]ServiceInfo, error)
	// OnDisconnect registers fn for an unsolicited link loss. The returned
	// func removes the registration.
	OnDisconnect(fn func()) (unregister func())
	Disconnect() error
}

// Characteristic is a notify-capable GATT characteristic.
type Characteristic interface {
	UUID() string
	// StartNotify delivers every notification payload to fn, in arrival
	// order, from a single goroutine.
	StartNotify(fn func([]byte)) error
	// StopNotify stops delivery; fn is not called after it returns.
	StopNotify() error
}

// ServiceInfo describes one service found during enumeration.
type ServiceInfo struct {
	UUID            string
	Characteristics []string
}

// FormatServices renders an enumeration the way operators read it.
func FormatServices(services []ServiceInfo) string {
	var b strings.Builder
	for i, s := range services {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("service: " + s.UUID)
		for _, c := range s.Characteristics {
			b.WriteString("\n  char: " + c)
		}
	}
	return b.String()
}
