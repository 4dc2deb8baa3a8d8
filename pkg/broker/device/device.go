// Package device implements Device and DeviceInfo from spec.md §4.8: a
// typed accessor over a shared signal table, with device-class membership
// and its state/command sets built from an XML specification's `extends`
// DAG rather than a class hierarchy, per spec.md §9's Design Notes.
package device

import (
	"fmt"

	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// SignalValue is the scalar value a device's state or command signal
// carries.
type SignalValue float64

// ErrDeviceBuilder is types.ErrDeviceBuilder, the sentinel every catalog and
// manager validation failure in this package wraps.
var ErrDeviceBuilder = types.ErrDeviceBuilder

// Adapter is the backing store a Device reads state from and writes
// commands to (spec.md §4.8's Adapter contract). Implemented by every
// adapter variant in package adapter.
type Adapter interface {
	Get(deviceID, signal string) (SignalValue, error)
	Set(deviceID, signal string, value SignalValue) error
}

// Info is a device class's flattened signal set: the transitive closure of
// types, states, and commands across its `extends` chain (spec.md §8
// property 6; spec.md §3's "Types form a DAG via extends").
type Info struct {
	TypeName string
	Types    map[string]struct{}
	States   map[string]struct{}
	Commands map[string]struct{}
}

// HasState reports whether s is one of this class's state signals.
func (i Info) HasState(s string) bool {
	_, ok := i.States[s]
	return ok
}

// HasCommand reports whether c is one of this class's command signals.
func (i Info) HasCommand(c string) bool {
	_, ok := i.Commands[c]
	return ok
}

// HasType reports whether t is this class's own name or any ancestor
// reached via extends, per spec.md §3's has_type(t) "pure lookup" contract.
func (i Info) HasType(t string) bool {
	_, ok := i.Types[t]
	return ok
}

// Device is one instance of a device class, dispatching signal accessors by
// name against a shared Adapter. A Device is a single concrete struct
// regardless of class — type membership is carried in Info, per spec.md §9:
// "a Device is one struct carrying its DeviceInfo and dispatching accessors
// through strings."
type Device struct {
	ID      string
	Info    Info
	adapter Adapter
}

// New constructs a Device of the given class, backed by adapter.
func New(id string, info Info, adapter Adapter) *Device {
	return &Device{ID: id, Info: info, adapter: adapter}
}

// GetState implements spec.md §4.8: fails with ErrBadSignal if signal is not
// one of this device's declared states.
func (d *Device) GetState(signal string) (SignalValue, error) {
	if !d.Info.HasState(signal) {
		return 0, fmt.Errorf("%w: %s/%s", types.ErrBadSignal, d.ID, signal)
	}
	return d.adapter.Get(d.ID, signal)
}

// SetCommand implements spec.md §4.8: fails with ErrBadSignal if signal is
// not one of this device's declared commands.
func (d *Device) SetCommand(signal string, value SignalValue) error {
	if !d.Info.HasCommand(signal) {
		return fmt.Errorf("%w: %s/%s", types.ErrBadSignal, d.ID, signal)
	}
	return d.adapter.Set(d.ID, signal, value)
}

// HasType reports whether t is this device's own class or any class it
// extends, transitively (ancestry is resolved once at build time, into
// Info.Types, rather than walked at every call).
func (d *Device) HasType(t string) bool {
	return d.Info.HasType(t)
}
