package ble

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter drives the host BLE stack through tinygo.org/x/bluetooth.
// Peripherals are cached per address so a bulb keeps the same identity and
// disconnect callbacks across scans.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	log     logrus.FieldLogger

	mu          sync.Mutex
	peripherals map[string]*tinyGoPeripheral
}

// NewTinyGoAdapter wraps the default host adapter.
func NewTinyGoAdapter(logger logrus.FieldLogger) *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		log:         logger.WithField("component", "adapter"),
		peripherals: make(map[string]*tinyGoPeripheral),
	}
}

// Enable powers the adapter on and routes link-loss notifications to the
// matching peripheral.
func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.mu.Lock()
		p, ok := a.peripherals[device.Address.String()]
		a.mu.Unlock()
		if ok {
			p.linkLost()
		}
	})
	return nil
}

// Scan reports peripherals advertising name until ctx is done. Each address is
// reported at most once per call.
func (a *TinyGoAdapter) Scan(ctx context.Context, name string, found func(Peripheral)) error {
	// a scan left over from an aborted run makes the next Scan fail
	_ = a.adapter.StopScan()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := a.adapter.StopScan(); err != nil {
				a.log.WithError(err).Debug("StopScan failed")
			}
		case <-done:
		}
	}()

	seen := make(map[string]bool)
	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.LocalName() != name {
			return
		}
		addr := result.Address.String()
		if seen[addr] {
			return
		}
		seen[addr] = true
		a.log.WithFields(logrus.Fields{"address": addr, "rssi": result.RSSI}).Debug("Found bulb")
		found(a.peripheral(result))
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) peripheral(result bluetooth.ScanResult) *tinyGoPeripheral {
	addr := result.Address.String()
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peripherals[addr]
	if !ok {
		p = &tinyGoPeripheral{adapter: a.adapter, address: result.Address}
		a.peripherals[addr] = p
	}
	p.setName(result.LocalName())
	return p
}

var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoPeripheral struct {
	adapter *bluetooth.Adapter
	address bluetooth.Address

	mu           sync.Mutex
	name         string
	device       *bluetooth.Device
	disconnectCb func()
}

func (p *tinyGoPeripheral) ID() string { return p.address.String() }

func (p *tinyGoPeripheral) LocalName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *tinyGoPeripheral) setName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
}

// Connect dials the bulb. The stack's own connect cannot be cancelled, so a
// cancelled ctx only stops the wait.
func (p *tinyGoPeripheral) Connect(ctx context.Context) error {
	device, err := dialContext(ctx,
		func() (bluetooth.Device, error) { return p.adapter.Connect(p.address, bluetooth.ConnectionParams{}) },
		func(d bluetooth.Device) { _ = d.Disconnect() },
	)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.device = &device
	p.mu.Unlock()
	return nil
}

func (p *tinyGoPeripheral) Disconnect() error {
	p.mu.Lock()
	device := p.device
	p.device = nil
	p.mu.Unlock()
	if device == nil {
		return nil
	}
	return device.Disconnect()
}

func (p *tinyGoPeripheral) DiscoverCharacteristics(ctx context.Context) ([]Characteristic, error) {
	p.mu.Lock()
	device := p.device
	p.mu.Unlock()
	if device == nil {
		return nil, ErrNotConnected
	}

	serviceUUID, err := bluetooth.ParseUUID(ServiceUUID)
	if err != nil {
		return nil, err
	}

	type discoverResult struct {
		chars []bluetooth.DeviceCharacteristic
		err   error
	}
	ch := make(chan discoverResult, 1)
	go func() {
		services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
		if err != nil {
			ch <- discoverResult{err: err}
			return
		}
		if len(services) == 0 {
			ch <- discoverResult{err: fmt.Errorf("service %s not found", ServiceUUID)}
			return
		}
		chars, err := services[0].DiscoverCharacteristics(nil)
		ch <- discoverResult{chars: chars, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		out := make([]Characteristic, len(res.chars))
		for i := range res.chars {
			out[i] = &tinyGoCharacteristic{char: res.chars[i]}
		}
		return out, nil
	}
}

func (p *tinyGoPeripheral) OnDisconnect(cb func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectCb = cb
}

func (p *tinyGoPeripheral) linkLost() {
	p.mu.Lock()
	p.device = nil
	cb := p.disconnectCb
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() string { return c.char.UUID().String() }

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, 64)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}
