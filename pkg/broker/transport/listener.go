// Package transport implements the Listener from spec.md §4.3: a single
// bound UDP socket that demultiplexes inbound datagrams to per-peer Protocol
// handlers by the message's declared source, not its UDP source address.
package transport

import (
	"net"

	"github.com/freedm-dgi/broker/pkg/broker/dispatch"
	"github.com/freedm-dgi/broker/pkg/broker/registry"
	"github.com/freedm-dgi/broker/pkg/broker/types"
	"github.com/freedm-dgi/broker/pkg/broker/wire"
)

// Listener owns the one UDP socket a broker process binds, per spec.md
// §4.3: "One UDP socket bound to the configured listen address."
type Listener struct {
	conn     *net.UDPConn
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	log      types.Logger

	done chan struct{}
}

// Listen binds a UDP socket at addr and returns a Listener ready to Run.
func Listen(addr string, reg *registry.Registry, disp *dispatch.Dispatcher, log types.Logger) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Listener{conn: conn, registry: reg, dispatch: disp, log: log, done: make(chan struct{})}, nil
}

// SendTo implements registry.Sender.
func (l *Listener) SendTo(addr *net.UDPAddr, raw []byte) error {
	_, err := l.conn.WriteToUDP(raw, addr)
	return err
}

// Run loops receiving datagrams until Close is called. Per spec.md §7
// ("Transport... receive parse failure: logged, packet dropped, loop
// continues"), a single malformed or misrouted datagram never stops the
// loop.
func (l *Listener) Run() {
	buf := make([]byte, types.MaxDatagramSize)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			l.log.Warnf("transport: read failed: %v", err)
			continue
		}
		l.handleDatagram(append([]byte(nil), buf[:n]...))
	}
}

func (l *Listener) handleDatagram(raw []byte) {
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		l.log.Warnf("transport: dropping malformed envelope: %v", err)
		return
	}
	m, err := wire.DecodeMessage(env.Body)
	if err != nil {
		l.log.Warnf("transport: dropping malformed body: %v", err)
		return
	}
	m.Sequence = env.Sequence

	// source names the sending peer, not the UDP source address (spec.md
	// §4.3: "this makes NAT traversal moot"), so routing is a registry
	// lookup keyed by that declared identity.
	ch, ok := l.registry.Lookup(m.Source)
	if !ok {
		l.log.Warnf("transport: dropping datagram from unknown peer %s", m.Source)
		return
	}

	if env.Ack {
		ch.Protocol().ReceiveAck(m)
		return
	}

	delivered, accept := ch.Protocol().Receive(m)
	if accept {
		l.dispatch.Dispatch(m.Source, delivered)
	}
}

// Close stops the receive loop and releases the socket.
func (l *Listener) Close() error {
	close(l.done)
	return l.conn.Close()
}
