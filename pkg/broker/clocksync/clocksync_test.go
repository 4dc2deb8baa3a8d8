package clocksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedm-dgi/broker/pkg/broker/logging"
	"github.com/freedm-dgi/broker/pkg/broker/types"
)

func TestGetSynchronizedTimeWithNoPeersIsLocalClock(t *testing.T) {
	s := New(logging.New(nil))
	before := time.Now()
	got := s.GetSynchronizedTime()
	after := time.Now()
	assert.True(t, !got.Before(before) && !got.After(after.Add(time.Millisecond)))
}

func TestCompleteExchangeShiftsSynchronizedTime(t *testing.T) {
	s := New(logging.New(nil))
	peer := types.NewPeerId()

	e := s.BeginExchange(peer)
	e.PeerSend = e.OriginSend.Add(time.Hour)
	s.CompleteExchange(peer, e)

	got := s.GetSynchronizedTime()
	assert.WithinDuration(t, time.Now().Add(time.Hour), got, time.Second)
}

func TestMissedExchangeDropsStalePeer(t *testing.T) {
	s := New(logging.New(nil))
	peer := types.NewPeerId()

	e := s.BeginExchange(peer)
	e.PeerSend = e.OriginSend.Add(time.Hour)
	s.CompleteExchange(peer, e)

	for i := 0; i < StalePeerThreshold; i++ {
		s.MissedExchange(peer)
	}

	s.mu.Lock()
	_, ok := s.peers[peer]
	s.mu.Unlock()
	assert.False(t, ok)
}

// TestCompleteExchangeEstimatesSkewFromConsecutiveObservations checks that a
// second exchange, whose offset has grown relative to the first by a known
// amount over a known elapsed time, produces a skew estimate matching that
// rate (spec.md §3's per-peer "offset, skew" state, §4.7's skew estimation).
func TestCompleteExchangeEstimatesSkewFromConsecutiveObservations(t *testing.T) {
	s := New(logging.New(nil))
	peer := types.NewPeerId()

	e1 := s.BeginExchange(peer)
	e1.PeerSend = e1.OriginSend.Add(time.Second)
	s.CompleteExchange(peer, e1)

	s.mu.Lock()
	s.peers[peer].takenAt = s.peers[peer].takenAt.Add(-10 * time.Second)
	s.mu.Unlock()

	e2 := s.BeginExchange(peer)
	e2.PeerSend = e2.OriginSend.Add(2 * time.Second)
	s.CompleteExchange(peer, e2)

	skew, ok := s.Skew(peer)
	require.True(t, ok)
	assert.InDelta(t, 0.1, skew, 0.02)
}

// TestCompleteExchangeDropsReplyWithMismatchedCounter checks that a reply
// whose Counter does not match the outstanding query sent to that peer is
// discarded rather than accepted as a fresh observation, per spec.md §3's
// "outstanding query {k, t_sent}" state.
func TestCompleteExchangeDropsReplyWithMismatchedCounter(t *testing.T) {
	s := New(logging.New(nil))
	peer := types.NewPeerId()

	e := s.BeginExchange(peer)
	e.Counter++
	e.PeerSend = e.OriginSend.Add(time.Hour)
	s.CompleteExchange(peer, e)

	s.mu.Lock()
	_, ok := s.peers[peer]
	s.mu.Unlock()
	assert.False(t, ok, "a reply with a stale/mismatched counter must not create an observation")
}

// TestCompleteExchangeWithoutOutstandingQueryIsDropped checks that a reply
// arriving with no BeginExchange having been sent to that peer is ignored.
func TestCompleteExchangeWithoutOutstandingQueryIsDropped(t *testing.T) {
	s := New(logging.New(nil))
	peer := types.NewPeerId()

	e := Exchange{Counter: 1, OriginSend: time.Now()}
	e.PeerSend = e.OriginSend.Add(time.Hour)
	s.CompleteExchange(peer, e)

	s.mu.Lock()
	_, ok := s.peers[peer]
	s.mu.Unlock()
	assert.False(t, ok)
}
