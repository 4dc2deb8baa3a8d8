// Package bridge implements the SimulationBridge from spec.md §4.9: a TCP
// server exposing an adapter's command and state tables to an external
// simulator over a small fixed-header request protocol.
package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"sync"

	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// Request codes are 5-byte NUL-padded ASCII, per spec.md §6.
var (
	codeRST  = [5]byte{'R', 'S', 'T', 0, 0}
	codeGET  = [5]byte{'G', 'E', 'T', 0, 0}
	codeSET  = [5]byte{'S', 'E', 'T', 0, 0}
	codeQUIT = [5]byte{'Q', 'U', 'I', 'T', 0}
)

// Tables holds the two shared vectors a SimulationBridge exposes: command
// (what the broker's devices have asked for) and state (what the
// simulator has reported). RST takes a unique lock on both; GET a shared
// lock on command; SET a unique lock on state (spec.md §4.9).
type Tables struct {
	mu      sync.RWMutex
	command []float64
	state   []float64
}

// NewTables constructs Tables of the given size, zero-initialized.
func NewTables(size int) *Tables {
	return &Tables{command: make([]float64, size), state: make([]float64, size)}
}

// Reset implements RST: copies vector into both tables under a unique lock.
func (t *Tables) Reset(vector []float64) error {
	if len(vector) != len(t.command) {
		return fmt.Errorf("broker: RST vector length %d, want %d", len(vector), len(t.command))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(t.command, vector)
	copy(t.state, vector)
	return nil
}

// Command implements GET: returns a copy of the command table under a
// shared lock.
func (t *Tables) Command() []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]float64, len(t.command))
	copy(out, t.command)
	return out
}

// SetState implements SET: writes vector into the state table only, under
// a unique lock. The command table is untouched (spec.md S6: "SET affects
// state, not command").
func (t *Tables) SetState(vector []float64) error {
	if len(vector) != len(t.state) {
		return fmt.Errorf("broker: SET vector length %d, want %d", len(vector), len(t.state))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	copy(t.state, vector)
	return nil
}

// Size reports the table vector length, needed to size inbound/outbound
// payloads.
func (t *Tables) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.command)
}

// Bridge is the SimulationBridge TCP server.
type Bridge struct {
	tables   *Tables
	log      types.Logger
	listener net.Listener
	stop     chan struct{}
	done     chan struct{}
}

// New constructs a Bridge bound to addr, serving tables.
func New(addr string, tables *Tables, log types.Logger) (*Bridge, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Bridge{tables: tables, log: log, listener: ln, stop: make(chan struct{}), done: make(chan struct{})}, nil
}

// Run accepts sessions until Close is called, serving each on its own
// goroutine.
func (b *Bridge) Run() {
	defer close(b.done)
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.stop:
				return
			default:
			}
			b.log.Warnf("bridge: accept failed: %v", err)
			continue
		}
		go b.serve(conn)
	}
}

func (b *Bridge) serve(conn net.Conn) {
	defer conn.Close()
	for {
		var code [5]byte
		if _, err := io.ReadFull(conn, code[:]); err != nil {
			return
		}

		switch code {
		case codeRST:
			vec, err := readVector(conn, b.tables.Size())
			if err != nil {
				b.log.Warnf("bridge: RST read failed: %v", err)
				return
			}
			if err := b.tables.Reset(vec); err != nil {
				b.log.Warnf("bridge: RST rejected: %v", err)
				return
			}
		case codeGET:
			if err := writeVector(conn, b.tables.Command()); err != nil {
				b.log.Warnf("bridge: GET write failed: %v", err)
				return
			}
		case codeSET:
			vec, err := readVector(conn, b.tables.Size())
			if err != nil {
				b.log.Warnf("bridge: SET read failed: %v", err)
				return
			}
			if err := b.tables.SetState(vec); err != nil {
				b.log.Warnf("bridge: SET rejected: %v", err)
				return
			}
		case codeQUIT:
			return
		default:
			b.log.Warnf("bridge: unknown request code %q", code)
			return
		}
	}
}

func readVector(r io.Reader, size int) ([]float64, error) {
	raw := make([]byte, size*4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	out := make([]float64, size)
	for i := range out {
		bits := binary.BigEndian.Uint32(raw[i*4:])
		out[i] = float64(math.Float32frombits(bits))
	}
	return out, nil
}

func writeVector(w io.Writer, vec []float64) error {
	raw := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.BigEndian.PutUint32(raw[i*4:], math.Float32bits(float32(v)))
	}
	_, err := w.Write(raw)
	return err
}

// Close stops accepting new sessions.
func (b *Bridge) Close() error {
	close(b.stop)
	err := b.listener.Close()
	<-b.done
	return err
}
