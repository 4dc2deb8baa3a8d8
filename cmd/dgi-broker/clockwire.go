package main

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/freedm-dgi/broker/pkg/broker/clocksync"
	"github.com/freedm-dgi/broker/pkg/broker/registry"
	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// clockSyncTag is the submessage key a clock-sync Exchange travels under,
// carried over the same reliable Channel as everything else, per spec.md
// §4.7: the synchronizer has no transport of its own, only an originator
// and a peer exchanging timestamps.
const clockSyncTag = "clocksync"

// clockSyncBridge adapts clocksync.Synchronizer onto the registry's
// Channels: it implements clocksync.Sender by encoding an Exchange as a
// tagged submessage and handing it to the peer's existing Channel, and
// answers or completes exchanges arriving the same way once the dispatcher
// routes them here.
type clockSyncBridge struct {
	registry *registry.Registry
	sync     *clocksync.Synchronizer
	log      types.Logger
}

// SendExchange implements clocksync.Sender.
func (c *clockSyncBridge) SendExchange(peer types.PeerId, e clocksync.Exchange) error {
	ch, err := c.registry.GetOrOpen(peer)
	if err != nil {
		return err
	}
	m := types.NewMessage(peer, types.ProtocolSUC)
	m.Status = types.StatusReadClock
	m.Submessages[clockSyncTag] = types.Branch(encodeExchange(e))
	_, err = ch.Send(m)
	return err
}

// onMessage is registered with the Dispatcher as the read handler for
// clockSyncTag: a StatusReadClock message is a query to answer, a
// StatusClockReading message is a reply completing an outstanding query.
func (c *clockSyncBridge) onMessage(from types.PeerId, m types.Message) {
	node, ok := m.Submessages[clockSyncTag]
	if !ok || node.IsLeaf() {
		return
	}
	e, err := decodeExchange(node.Children)
	if err != nil {
		c.log.Warnf("clocksync: malformed exchange from %s: %v", from, err)
		return
	}

	switch m.Status {
	case types.StatusReadClock:
		reply := c.sync.Reply(e)
		ch, err := c.registry.GetOrOpen(from)
		if err != nil {
			c.log.Warnf("clocksync: cannot reply to %s: %v", from, err)
			return
		}
		resp := types.NewMessage(from, types.ProtocolSUC)
		resp.Status = types.StatusClockReading
		resp.Submessages[clockSyncTag] = types.Branch(encodeExchange(reply))
		if _, err := ch.Send(resp); err != nil {
			c.log.Warnf("clocksync: reply to %s failed: %v", from, err)
		}
	case types.StatusClockReading:
		c.sync.CompleteExchange(from, e)
	}
}

func encodeExchange(e clocksync.Exchange) types.Tree {
	return types.Tree{
		"counter":      types.Leaf(encodeUint64(e.Counter)),
		"origin-send":  types.Leaf(encodeTime(e.OriginSend)),
		"peer-receive": types.Leaf(encodeTime(e.PeerReceive)),
		"peer-send":    types.Leaf(encodeTime(e.PeerSend)),
	}
}

func decodeExchange(t types.Tree) (clocksync.Exchange, error) {
	counter, err := decodeLeafUint64(t, "counter")
	if err != nil {
		return clocksync.Exchange{}, err
	}
	originSend, err := decodeLeafTime(t, "origin-send")
	if err != nil {
		return clocksync.Exchange{}, err
	}
	peerReceive, err := decodeLeafTime(t, "peer-receive")
	if err != nil {
		return clocksync.Exchange{}, err
	}
	peerSend, err := decodeLeafTime(t, "peer-send")
	if err != nil {
		return clocksync.Exchange{}, err
	}
	return clocksync.Exchange{
		Counter:     counter,
		OriginSend:  originSend,
		PeerReceive: peerReceive,
		PeerSend:    peerSend,
	}, nil
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func encodeTime(ts time.Time) []byte {
	return encodeUint64(uint64(ts.UnixNano()))
}

func decodeLeafUint64(t types.Tree, key string) (uint64, error) {
	node, ok := t[key]
	if !ok || !node.IsLeaf() || len(node.Value) != 8 {
		return 0, fmt.Errorf("broker: clocksync: missing or malformed field %q", key)
	}
	return binary.BigEndian.Uint64(node.Value), nil
}

func decodeLeafTime(t types.Tree, key string) (time.Time, error) {
	v, err := decodeLeafUint64(t, key)
	if err != nil {
		return time.Time{}, err
	}
	if v == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, int64(v)), nil
}
