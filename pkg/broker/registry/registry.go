// Package registry implements the ConnectionRegistry and Channel types from
// spec.md §4.2: the process-wide map from PeerId to (host, port) and to the
// live outbound Channel used to reach that peer.
package registry

import (
	"net"
	"sync"
	"time"

	"github.com/freedm-dgi/broker/pkg/broker/metrics"
	"github.com/freedm-dgi/broker/pkg/broker/protocol"
	"github.com/freedm-dgi/broker/pkg/broker/types"
	"github.com/freedm-dgi/broker/pkg/broker/wire"
)

// Sender is how a Channel actually puts a datagram on the wire. Implemented
// by transport.Listener so registry stays agnostic of the socket.
type Sender interface {
	SendTo(addr *net.UDPAddr, raw []byte) error
}

// Channel is the outbound path to one remote peer, per spec.md §3: "owns a
// Protocol state machine; single-writer from the broker thread; lifetime =
// from first registration until ConnectionRegistry shutdown." It is shared
// with Dispatcher read-only to enqueue sends.
type Channel struct {
	peer     types.PeerId
	protocol protocol.Protocol

	mu   sync.RWMutex
	addr *net.UDPAddr
}

// newChannel builds a Channel addressed at addr, writing through sender, and
// constructs an SUC protocol instance for it. Every Channel uses SUC; this
// package does not construct SRC-backed Channels.
func newChannel(peer types.PeerId, addr *net.UDPAddr, sender Sender, log types.Logger) *Channel {
	c := &Channel{peer: peer, addr: addr}
	c.protocol = protocol.NewSUC(&channelWriter{channel: c, sender: sender}, log)
	return c
}

// Send assigns the next sequence number to m and writes it through this
// channel's Protocol.
func (c *Channel) Send(m types.Message) (types.Message, error) {
	m.Source = c.peer
	return c.protocol.Send(m)
}

// Protocol exposes the underlying state machine so the Listener can feed it
// inbound traffic for this peer.
func (c *Channel) Protocol() protocol.Protocol {
	return c.protocol
}

func (c *Channel) endpoint() *net.UDPAddr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.addr
}

func (c *Channel) setEndpoint(addr *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = addr
}

// channelWriter adapts a Channel + Sender pair into protocol.Writer.
type channelWriter struct {
	channel *Channel
	sender  Sender
}

func (w *channelWriter) Write(sequence uint32, ack bool, body []byte) error {
	raw, err := wire.EncodeEnvelope(wire.Envelope{Sequence: sequence, Ack: ack, Body: body})
	if err != nil {
		return err
	}
	return w.sender.SendTo(w.channel.endpoint(), raw)
}

// Registry is the ConnectionRegistry of spec.md §4.2: maps PeerId to
// endpoint and to a lazily-created outbound Channel. All mutation goes
// through a single mutex (spec.md §5: "ConnectionRegistry mutations are
// serialized by a mutex").
type Registry struct {
	mu        sync.Mutex
	sender    Sender
	log       types.Logger
	metrics   *metrics.Metrics
	endpoints map[types.PeerId]*net.UDPAddr
	channels  map[types.PeerId]*Channel
}

// New constructs an empty Registry writing outbound traffic through sender.
// sender may be nil if the Listener it will eventually be wired to is
// constructed after the Registry (the two have a construction-order
// dependency broken by SetSender); no Channel can be opened until a sender
// is set.
func New(sender Sender, log types.Logger) *Registry {
	return &Registry{
		sender:    sender,
		log:       log,
		endpoints: make(map[types.PeerId]*net.UDPAddr),
		channels:  make(map[types.PeerId]*Channel),
	}
}

// SetMetrics installs the collectors this Registry updates as it ticks
// every channel's protocol. m may be left nil, in which case updates are a
// no-op.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// Peers returns every PeerId with a known endpoint, for components (the
// clock-sync beacon loop) that need to reach every known peer rather than
// just the ones with an already-open Channel.
func (r *Registry) Peers() []types.PeerId {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.PeerId, 0, len(r.endpoints))
	for id := range r.endpoints {
		out = append(out, id)
	}
	return out
}

// SetSender installs the Sender used by Channels opened from now on. Used
// to break the Registry/Listener construction cycle: the Listener needs a
// *Registry to route inbound traffic, and the Registry needs the Listener
// as its outbound Sender.
func (r *Registry) SetSender(sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = sender
}

// RegisterPeer records or updates where id is reachable. Idempotent: a
// repeat call with the same endpoint is a no-op; a changed endpoint updates
// both the registry's record and any already-open Channel.
func (r *Registry) RegisterPeer(id types.PeerId, host string, port uint16) error {
	addr, err := net.ResolveUDPAddr("udp", types.Endpoint{Host: host, Port: port}.String())
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[id] = addr
	if ch, ok := r.channels[id]; ok {
		ch.setEndpoint(addr)
	}
	return nil
}

// GetOrOpen returns the outbound Channel for id, creating it (and its
// Protocol) on first use; later calls return the same Channel.
func (r *Registry) GetOrOpen(id types.PeerId) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ch, ok := r.channels[id]; ok {
		return ch, nil
	}
	addr, ok := r.endpoints[id]
	if !ok {
		return nil, types.ErrUnknownPeer
	}
	ch := newChannel(id, addr, r.sender, r.log)
	r.channels[id] = ch
	return ch, nil
}

// Lookup returns the Channel already open for id, if any, without creating
// one. Used by the Listener to route inbound traffic.
func (r *Registry) Lookup(id types.PeerId) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// StopAll cancels every channel's protocol timers and drops all channels.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ch := range r.channels {
		ch.protocol.Stop()
		delete(r.channels, id)
	}
}

// Tick drives the retransmit timer of every open channel's protocol. Called
// periodically by the scheduler at protocol.RetransmitInterval.
func (r *Registry) Tick(now time.Time) {
	r.mu.Lock()
	channels := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	m := r.metrics
	r.mu.Unlock()

	for _, ch := range channels {
		ch.protocol.Tick(now)
		if ch.protocol.Unreachable() {
			m.IncProtocolUnreachable(string(ch.peer))
		}
	}
}
