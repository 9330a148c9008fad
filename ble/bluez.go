package ble

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/muka/go-bluetooth/bluez"
	"github.com/muka/go-bluetooth/bluez/profile/gatt"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// ScanConfig holds configuration for device discovery.
type ScanConfig struct {
	// ScanTimeout is how long to scan before giving up (0 = until ctx is done)
	ScanTimeout time.Duration
	// NamePrefix additionally accepts devices whose local name starts with it.
	NamePrefix string
	// AdapterID is the BlueZ adapter name, e.g. "hci0".
	AdapterID string
	// ResolveTimeout bounds the wait for BlueZ GATT service resolution.
	ResolveTimeout time.Duration
}

// DefaultScanConfig returns sensible defaults for scanning.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		ScanTimeout:    30 * time.Second,
		AdapterID:      "hci0",
		ResolveTimeout: 15 * time.Second,
	}
}

// BlueZPicker discovers gloves with the host Bluetooth adapter. The first
// advertiser of the Nordic UART service (or of a name matching NamePrefix)
// is selected.
type BlueZPicker struct {
	adapter *bluetooth.Adapter
	config  ScanConfig
	log     *logrus.Entry

	enableOnce sync.Once
	enableErr  error
}

// NewBlueZPicker creates a picker on the default adapter.
func NewBlueZPicker(config ScanConfig) *BlueZPicker {
	if config.AdapterID == "" {
		config.AdapterID = "hci0"
	}
	if config.ResolveTimeout <= 0 {
		config.ResolveTimeout = DefaultScanConfig().ResolveTimeout
	}
	return &BlueZPicker{
		adapter: bluetooth.DefaultAdapter,
		config:  config,
		log:     logrus.WithField("component", "ble"),
	}
}

func (p *BlueZPicker) enable() error {
	p.enableOnce.Do(func() {
		p.log.Info("BLE: Enabling adapter...")
		if err := p.adapter.Enable(); err != nil {
			p.enableErr = fmt.Errorf("failed to enable BLE adapter: %w", err)
			return
		}
		p.log.Info("BLE: Adapter enabled")
	})
	return p.enableErr
}

func (p *BlueZPicker) matches(result bluetooth.ScanResult) bool {
	if result.HasServiceUUID(ServiceUUID) {
		return true
	}
	return p.config.NamePrefix != "" && strings.HasPrefix(result.LocalName(), p.config.NamePrefix)
}

// RequestDevice scans until a glove is found, the scan timeout expires or
// ctx is done.
func (p *BlueZPicker) RequestDevice(ctx context.Context) (Peripheral, error) {
	if err := p.enable(); err != nil {
		return nil, err
	}
	if p.config.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ScanTimeout)
		defer cancel()
	}

	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)

	p.log.Info("BLE: Starting scan for glove...")
	go func() {
		scanErr <- p.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !p.matches(result) {
				return
			}
			select {
			case found <- result:
				adapter.StopScan()
			default:
			}
		})
	}()

	select {
	case result := <-found:
		<-scanErr
		name := result.LocalName()
		p.log.WithField("address", result.Address.String()).Infof("BLE: Found %s", name)
		return &bluezPeripheral{
			adapter: p.adapter,
			address: result.Address,
			name:    name,
			config:  p.config,
			log:     p.log,
		}, nil
	case err := <-scanErr:
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		return nil, ErrNoDevice
	case <-ctx.Done():
		p.adapter.StopScan()
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, ctx.Err())
	}
}

type bluezPeripheral struct {
	adapter *bluetooth.Adapter
	address bluetooth.Address
	name    string
	config  ScanConfig
	log     *logrus.Entry
}

func (p *bluezPeripheral) Name() string {
	if p.name == "" {
		return p.address.String()
	}
	return p.name
}

// devicePath derives the BlueZ D-Bus object path from the MAC address,
// e.g. "D4:E9:F4:E2:B5:8A" -> "/org/bluez/hci0/dev_D4_E9_F4_E2_B5_8A".
func (p *bluezPeripheral) devicePath() dbus.ObjectPath {
	mac := strings.ToUpper(p.address.String())
	return dbus.ObjectPath("/org/bluez/" + p.config.AdapterID + "/dev_" + strings.ReplaceAll(mac, ":", "_"))
}

// Connected asks BlueZ for the Device1.Connected property.
func (p *bluezPeripheral) Connected() bool {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return false
	}
	defer conn.Close()
	v, err := conn.Object("org.bluez", p.devicePath()).GetProperty("org.bluez.Device1.Connected")
	if err != nil {
		return false
	}
	connected, _ := v.Value().(bool)
	return connected
}

func (p *bluezPeripheral) Connect(ctx context.Context) (Link, error) {
	p.log.Infof("BLE: Connecting to %s (%s)...", p.Name(), p.address.String())

	device, err := p.adapter.Connect(p.address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	p.log.Infof("BLE: Connected to %s, waiting for GATT profile...", p.Name())

	// Wait for BlueZ to complete GATT service discovery (ServicesResolved = true).
	if err := waitForServicesResolved(ctx, p.devicePath(), p.config.ResolveTimeout); err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("GATT not resolved on %s: %w", p.Name(), err)
	}
	return &bluezLink{device: device, devPath: p.devicePath(), log: p.log}, nil
}

// waitForServicesResolved blocks until BlueZ reports ServicesResolved = true
// for the device object, the timeout expires or ctx is done.
//
// BlueZ performs GATT service discovery asynchronously after the ACL connection
// is established; listing objects before this yields an empty tree.
func waitForServicesResolved(ctx context.Context, devPath dbus.ObjectPath, timeout time.Duration) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("dbus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object("org.bluez", devPath)

	// Fast path: already resolved (e.g. reconnect after prior session).
	v, err := obj.GetProperty("org.bluez.Device1.ServicesResolved")
	if err == nil {
		if resolved, ok := v.Value().(bool); ok && resolved {
			return nil
		}
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(devPath),
	); err != nil {
		return fmt.Errorf("dbus match: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)
	defer conn.RemoveSignal(ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case sig, ok := <-ch:
			if !ok {
				return fmt.Errorf("dbus signal channel closed")
			}
			if resolved, ok := deviceProperty(sig, "ServicesResolved"); ok && resolved {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("timeout waiting for ServicesResolved")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// deviceProperty extracts a boolean Device1 property from a
// PropertiesChanged signal.
func deviceProperty(sig *dbus.Signal, name string) (value, ok bool) {
	if sig == nil || len(sig.Body) < 2 {
		return false, false
	}
	iface, isStr := sig.Body[0].(string)
	if !isStr || iface != "org.bluez.Device1" {
		return false, false
	}
	changed, isMap := sig.Body[1].(map[string]dbus.Variant)
	if !isMap {
		return false, false
	}
	v, found := changed[name]
	if !found {
		return false, false
	}
	value, ok = v.Value().(bool)
	return value, ok
}

type bluezLink struct {
	device  *bluetooth.Device
	devPath dbus.ObjectPath
	log     *logrus.Entry
}

// managedObjects opens a fresh D-Bus connection and calls GetManagedObjects
// directly on org.bluez, bypassing the go-bluetooth singleton ObjectManager
// which can return a stale view of the GATT object tree.
func managedObjects() (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("dbus connect: %w", err)
	}
	defer conn.Close()

	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := conn.Object("org.bluez", "/").Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", err)
	}
	return managed, nil
}

// gattChild is a GATT object one level below a parent path.
type gattChild struct {
	path string
	uuid string
}

// children returns the objects exactly one level under parent whose path
// element starts with kind ("service" or "char") and that implement iface.
func children(managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant, parent, kind, iface string) []gattChild {
	var out []gattChild
	for path, ifaces := range managed {
		pathStr := string(path)
		if !strings.HasPrefix(pathStr, parent+"/"+kind) {
			continue
		}
		if strings.Contains(pathStr[len(parent)+1:], "/") {
			continue // deeper nesting
		}
		props, ok := ifaces[iface]
		if !ok {
			continue
		}
		uuidVar, ok := props["UUID"]
		if !ok {
			continue
		}
		uuid, ok := uuidVar.Value().(string)
		if !ok {
			continue
		}
		out = append(out, gattChild{path: pathStr, uuid: strings.ToLower(uuid)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].path < out[j].path })
	return out
}

func (l *bluezLink) Characteristic(ctx context.Context, serviceUUID, charUUID string) (Characteristic, error) {
	managed, err := managedObjects()
	if err != nil {
		return nil, err
	}
	l.log.Debugf("BLE: GetManagedObjects returned %d total objects", len(managed))

	serviceUUID = strings.ToLower(serviceUUID)
	charUUID = strings.ToLower(charUUID)

	var servicePath string
	for _, svc := range children(managed, string(l.devPath), "service", "org.bluez.GattService1") {
		if svc.uuid == serviceUUID {
			servicePath = svc.path
			break
		}
	}
	if servicePath == "" {
		return nil, fmt.Errorf("%w: %s on %s", ErrServiceNotFound, serviceUUID, l.devPath)
	}
	l.log.Debugf("BLE: Matched service at %s", servicePath)

	var charPath string
	for _, ch := range children(managed, servicePath, "char", "org.bluez.GattCharacteristic1") {
		if ch.uuid == charUUID {
			charPath = ch.path
			break
		}
	}
	if charPath == "" {
		return nil, fmt.Errorf("%w: %s under %s", ErrCharacteristicNotFound, charUUID, servicePath)
	}
	l.log.Debugf("BLE: Matched characteristic at %s", charPath)

	// NewGattCharacteristic1 uses the go-bluetooth client, which is fine for
	// StartNotify and WatchProperties; only GetManagedObjects was unreliable.
	char, err := gatt.NewGattCharacteristic1(dbus.ObjectPath(charPath))
	if err != nil {
		return nil, fmt.Errorf("NewGattCharacteristic1(%s): %w", charPath, err)
	}
	return &bluezChar{char: char, uuid: charUUID}, nil
}

func (l *bluezLink) Enumerate(ctx context.Context) ([]ServiceInfo, error) {
	managed, err := managedObjects()
	if err != nil {
		return nil, err
	}
	var services []ServiceInfo
	for _, svc := range children(managed, string(l.devPath), "service", "org.bluez.GattService1") {
		info := ServiceInfo{UUID: svc.uuid}
		for _, ch := range children(managed, svc.path, "char", "org.bluez.GattCharacteristic1") {
			info.Characteristics = append(info.Characteristics, ch.uuid)
		}
		services = append(services, info)
	}
	return services, nil
}

// OnDisconnect watches Device1.Connected on a dedicated D-Bus connection.
func (l *bluezLink) OnDisconnect(fn func()) func() {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		l.log.WithError(err).Warn("BLE: Cannot watch for disconnects")
		return func() {}
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(l.devPath),
	); err != nil {
		conn.Close()
		l.log.WithError(err).Warn("BLE: Cannot watch for disconnects")
		return func() {}
	}

	ch := make(chan *dbus.Signal, 16)
	conn.Signal(ch)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				if connected, ok := deviceProperty(sig, "Connected"); ok && !connected {
					fn()
					return
				}
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			conn.RemoveSignal(ch)
			conn.Close()
		})
	}
}

func (l *bluezLink) Disconnect() error {
	if err := l.device.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect glove: %w", err)
	}
	return nil
}

type bluezChar struct {
	char *gatt.GattCharacteristic1
	uuid string

	mu     sync.Mutex
	propCh chan *bluez.PropertyChanged
	stop   chan struct{}
	done   chan struct{}
}

func (c *bluezChar) UUID() string { return c.uuid }

func (c *bluezChar) StartNotify(fn func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.propCh != nil {
		return fmt.Errorf("notifications already started on %s", c.uuid)
	}

	// Subscribe to PropertiesChanged signals for this characteristic.
	propCh, err := c.char.WatchProperties()
	if err != nil {
		return fmt.Errorf("WatchProperties failed: %w", err)
	}
	// Ask BlueZ to start sending GATT notifications from the peripheral.
	if err := c.char.StartNotify(); err != nil {
		_ = c.char.UnwatchProperties(propCh)
		return fmt.Errorf("StartNotify failed: %w", err)
	}

	c.propCh = propCh
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go func(stop, done chan struct{}) {
		defer close(done)
		for {
			select {
			case update, ok := <-propCh:
				if !ok {
					return
				}
				if update == nil {
					continue
				}
				if update.Interface != "org.bluez.GattCharacteristic1" || update.Name != "Value" {
					continue
				}
				if data, ok := update.Value.([]byte); ok {
					fn(data)
				}
			case <-stop:
				return
			}
		}
	}(c.stop, c.done)
	return nil
}

func (c *bluezChar) StopNotify() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.propCh == nil {
		return nil
	}
	close(c.stop)
	<-c.done
	err := c.char.StopNotify()
	_ = c.char.UnwatchProperties(c.propCh)
	c.propCh, c.stop, c.done = nil, nil, nil
	return err
}
