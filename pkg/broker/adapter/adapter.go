// Package adapter implements the backing stores and I/O drivers from
// spec.md §4.8: BufferAdapter (pure in-memory, used for loopback and
// Buffer-backed devices) and PscadAdapter/RtdsAdapter (TCP, network-byte-order
// float exchange with endian swap), plus the plug-and-play Factory, which
// uses its TCP session for setup only. Every variant implements the same capability-set interface
// instead of an IAdapter/IBufferAdapter/CPscadAdapter/CRtdsAdapter
// inheritance chain, per spec.md §9's Design Notes.
package adapter

import (
	"fmt"
	"math"
	"sync"

	"github.com/freedm-dgi/broker/pkg/broker/device"
)

// index pairs a device id and signal name into the flat slot an adapter's
// buffers actually index by.
type index struct {
	deviceID string
	signal   string
}

// BufferAdapter is the pure in-memory backing store from spec.md §4.8: a
// shared rx/tx table behind a reader-writer lock, with register_state and
// register_command assigning unique slots before start().
type BufferAdapter struct {
	mu       sync.RWMutex
	started  bool
	rxIndex  map[index]int
	txIndex  map[index]int
	rxBuffer []float64
	txBuffer []float64
}

// NewBufferAdapter constructs an empty BufferAdapter.
func NewBufferAdapter() *BufferAdapter {
	return &BufferAdapter{
		rxIndex: make(map[index]int),
		txIndex: make(map[index]int),
	}
}

// RegisterState assigns idx as the unique rx-buffer slot for
// (deviceID, signal). Must be called before Start.
func (b *BufferAdapter) RegisterState(deviceID, signal string, idx int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("broker: cannot register state after adapter start")
	}
	return registerIndex(b.rxIndex, &b.rxBuffer, deviceID, signal, idx)
}

// RegisterCommand assigns idx as the unique tx-buffer slot for
// (deviceID, signal). Must be called before Start.
func (b *BufferAdapter) RegisterCommand(deviceID, signal string, idx int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("broker: cannot register command after adapter start")
	}
	return registerIndex(b.txIndex, &b.txBuffer, deviceID, signal, idx)
}

func registerIndex(table map[index]int, buffer *[]float64, deviceID, signal string, idx int) error {
	key := index{deviceID: deviceID, signal: signal}
	for k, v := range table {
		if v == idx && k != key {
			return fmt.Errorf("broker: index %d already used by %s/%s", idx, k.deviceID, k.signal)
		}
	}
	table[key] = idx
	for len(*buffer) <= idx {
		*buffer = append(*buffer, math.NaN())
	}
	return nil
}

// Start begins I/O. A BufferAdapter has no external I/O of its own; Start
// simply locks further registration.
func (b *BufferAdapter) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

// Stop is a no-op for BufferAdapter; it holds no timers or sockets.
func (b *BufferAdapter) Stop() {}

// Get implements device.Adapter: returns the rx-buffer value for
// (deviceID, signal), or NaN if the buffer has never been filled, per
// spec.md §4.8: "for Buffer adapters, this is NaN until the first
// successful fill."
func (b *BufferAdapter) Get(deviceID, signal string) (device.SignalValue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	idx, ok := b.rxIndex[index{deviceID: deviceID, signal: signal}]
	if !ok {
		return 0, fmt.Errorf("broker: %s/%s not registered as a state", deviceID, signal)
	}
	return device.SignalValue(b.rxBuffer[idx]), nil
}

// Set implements device.Adapter: writes to the tx-buffer slot for
// (deviceID, signal).
func (b *BufferAdapter) Set(deviceID, signal string, value device.SignalValue) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.txIndex[index{deviceID: deviceID, signal: signal}]
	if !ok {
		return fmt.Errorf("broker: %s/%s not registered as a command", deviceID, signal)
	}
	b.txBuffer[idx] = float64(value)
	return nil
}

// Loopback copies every tx-buffer slot that shares an index with an
// rx-buffer slot into that rx slot, modeling the "loopback adapter" of
// spec.md §8 property 5 for a device whose state and command share an
// index.
func (b *BufferAdapter) Loopback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, txIdx := range b.txIndex {
		if rxIdx, ok := b.rxIndex[key]; ok {
			b.rxBuffer[rxIdx] = b.txBuffer[txIdx]
		}
	}
}

var _ device.Adapter = (*BufferAdapter)(nil)
