package adapter

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/freedm-dgi/broker/pkg/broker/device"
	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// simulatorCycle is the per-tick deadline-timer interval nominally driving
// an RTDS/PSCAD I/O cycle, per spec.md §4.8: "a small timestep (~1 µs
// nominal) so the loop hands control back to the event loop between
// cycles; the effective rate is dictated by the remote peer's blocking
// read." A real simulator link blocks on its own read, so this interval
// only bounds how promptly a closed connection is noticed.
const simulatorCycle = time.Microsecond

// Variant distinguishes PSCAD and RTDS framing — identical wire behavior in
// this implementation, kept as a tag rather than separate types, per
// spec.md §9's "capability-set interfaces plus tagged variants."
type Variant int

const (
	VariantPscad Variant = iota
	VariantRtds
)

// simulatorAdapter is the shared implementation behind PscadAdapter and
// RtdsAdapter: a TCP-backed signal table exchanging fixed-size
// network-byte-order float vectors once per cycle, under a reader-writer
// lock shared with the event-loop-side Device accessors (spec.md §5:
// "Signal buffers in adapters are the only data shared across threads").
type simulatorAdapter struct {
	variant Variant
	log     types.Logger

	conn net.Conn

	mu       sync.RWMutex
	rxIndex  map[index]int
	txIndex  map[index]int
	rxBuffer []float64
	txBuffer []float64
	started  bool
	degraded bool

	stop chan struct{}
	done chan struct{}
}

func newSimulatorAdapter(variant Variant, log types.Logger) *simulatorAdapter {
	return &simulatorAdapter{
		variant: variant,
		log:     log,
		rxIndex: make(map[index]int),
		txIndex: make(map[index]int),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (a *simulatorAdapter) RegisterState(deviceID, signal string, idx int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("broker: cannot register state after adapter start")
	}
	return registerIndex(a.rxIndex, &a.rxBuffer, deviceID, signal, idx)
}

func (a *simulatorAdapter) RegisterCommand(deviceID, signal string, idx int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("broker: cannot register command after adapter start")
	}
	return registerIndex(a.txIndex, &a.txBuffer, deviceID, signal, idx)
}

// Start dials addr and begins the send/receive cycle on its own goroutine,
// per spec.md §5: "the adapter I/O thread, which owns its own event loop
// for the device-facing sockets."
func (a *simulatorAdapter) Start(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.started = true
	a.mu.Unlock()

	go a.run()
	return nil
}

func (a *simulatorAdapter) run() {
	defer close(a.done)
	ticker := time.NewTicker(simulatorCycle)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if err := a.cycle(); err != nil {
				a.log.Warnf("adapter: degraded after I/O failure: %v", err)
				a.mu.Lock()
				a.degraded = true
				a.mu.Unlock()
				return
			}
		}
	}
}

// cycle implements spec.md §4.8's RTDS cycle: copy tx_buffer under a
// shared-read lock into a network-byte-order send buffer, transmit,
// block-read the fixed receive buffer, then copy into rx_buffer under a
// unique-write lock, endian-swapping each 4-byte float if the host is
// little-endian.
func (a *simulatorAdapter) cycle() error {
	a.mu.RLock()
	send := make([]float64, len(a.txBuffer))
	copy(send, a.txBuffer)
	a.mu.RUnlock()

	wire := make([]byte, len(send)*4)
	for i, v := range send {
		binary.BigEndian.PutUint32(wire[i*4:], math.Float32bits(float32(v)))
	}
	if _, err := a.conn.Write(wire); err != nil {
		return err
	}

	a.mu.RLock()
	recvLen := len(a.rxBuffer)
	a.mu.RUnlock()

	recv := make([]byte, recvLen*4)
	if _, err := io.ReadFull(a.conn, recv); err != nil {
		return err
	}

	values := make([]float64, recvLen)
	for i := range values {
		bits := binary.BigEndian.Uint32(recv[i*4:])
		values[i] = float64(math.Float32frombits(bits))
	}

	a.mu.Lock()
	copy(a.rxBuffer, values)
	a.mu.Unlock()
	return nil
}

// Stop cancels the I/O cycle timer and closes the socket.
func (a *simulatorAdapter) Stop() {
	close(a.stop)
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		a.conn.Close()
	}
}

// Get implements device.Adapter. While degraded (spec.md §7: "Adapter...
// reads return last valid value"), the last successfully fetched value is
// still returned rather than an error.
func (a *simulatorAdapter) Get(deviceID, signal string) (device.SignalValue, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	idx, ok := a.rxIndex[index{deviceID: deviceID, signal: signal}]
	if !ok {
		return 0, fmt.Errorf("broker: %s/%s not registered as a state", deviceID, signal)
	}
	return device.SignalValue(a.rxBuffer[idx]), nil
}

// Set implements device.Adapter. While degraded, writes are silently
// dropped per spec.md §7: "writes are dropped."
func (a *simulatorAdapter) Set(deviceID, signal string, value device.SignalValue) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.degraded {
		return nil
	}
	idx, ok := a.txIndex[index{deviceID: deviceID, signal: signal}]
	if !ok {
		return fmt.Errorf("broker: %s/%s not registered as a command", deviceID, signal)
	}
	a.txBuffer[idx] = float64(value)
	return nil
}

// PscadAdapter is the PSCAD-facing simulatorAdapter variant.
type PscadAdapter struct{ *simulatorAdapter }

// NewPscadAdapter constructs an unstarted PscadAdapter.
func NewPscadAdapter(log types.Logger) *PscadAdapter {
	return &PscadAdapter{newSimulatorAdapter(VariantPscad, log)}
}

// RtdsAdapter is the RTDS-facing simulatorAdapter variant.
type RtdsAdapter struct{ *simulatorAdapter }

// NewRtdsAdapter constructs an unstarted RtdsAdapter.
func NewRtdsAdapter(log types.Logger) *RtdsAdapter {
	return &RtdsAdapter{newSimulatorAdapter(VariantRtds, log)}
}

var _ device.Adapter = (*PscadAdapter)(nil)
var _ device.Adapter = (*RtdsAdapter)(nil)
