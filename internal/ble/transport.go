// Package ble drives MFBOLT light bulbs: it discovers them, keeps one Session
// per bulb and turns colour edits into coalesced writes on the control
// characteristic.
package ble

import (
	"context"
	"strings"
)

// GATT layout of the bulb.
const (
	AdvertisedName = "MFBOLT"

	ServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"
	ControlUUID = "0000fff1-0000-1000-8000-00805f9b34fb"
	NameUUID    = "0000fff8-0000-1000-8000-00805f9b34fb"
	EffectUUID  = "0000fffc-0000-1000-8000-00805f9b34fb"
)

// Payloads for the effect characteristic.
const (
	persistDefaultColor = "DF"
	gradualMode         = "TS"
	nonGradualMode      = "TE"
)

// Characteristic is a readable and writable GATT characteristic.
type Characteristic interface {
	UUID() string
	Read() ([]byte, error)
	Write(data []byte) error
}

// Peripheral is a bulb reported by a scan.
type Peripheral interface {
	// ID is the stable identity of the peripheral (address or platform UUID).
	ID() string
	LocalName() string
	Connect(ctx context.Context) error
	Disconnect() error
	// DiscoverCharacteristics lists the characteristics of the bulb's service.
	DiscoverCharacteristics(ctx context.Context) ([]Characteristic, error)
	// OnDisconnect sets the callback invoked when the link drops, replacing
	// any earlier one.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter.
type Adapter interface {
	// Enable powers on the adapter.
	Enable() error
	// Scan reports every peripheral advertising name until ctx is cancelled.
	Scan(ctx context.Context, name string, found func(Peripheral)) error
}

// sameUUID compares UUIDs regardless of case and accepts the 16 bit short form.
func sameUUID(a, b string) bool {
	return strings.EqualFold(expandUUID(a), expandUUID(b))
}

func expandUUID(u string) string {
	if len(u) == 4 {
		return "0000" + u + "-0000-1000-8000-00805f9b34fb"
	}
	return u
}
