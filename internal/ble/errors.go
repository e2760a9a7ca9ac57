package ble

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by operations that need a live link.
	ErrNotConnected = errors.New("bulb is not connected")
	// ErrCharacteristicNotFound means the bulb lacks an expected characteristic.
	ErrCharacteristicNotFound = errors.New("characteristic not found")
)

// NotConnectedError names the operation and bulb that were refused.
type NotConnectedError struct {
	DeviceID string
	Op       string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.DeviceID, e.Op, ErrNotConnected)
}

func (e *NotConnectedError) Unwrap() error { return ErrNotConnected }

// CharacteristicNotFoundError is fatal for the session that hit it.
type CharacteristicNotFoundError struct {
	DeviceID string
	UUID     string
}

func (e *CharacteristicNotFoundError) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.DeviceID, ErrCharacteristicNotFound, e.UUID)
}

func (e *CharacteristicNotFoundError) Unwrap() error { return ErrCharacteristicNotFound }

// TransportError wraps a failure reported by the BLE stack.
type TransportError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.DeviceID, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
