// Package clocksync implements the ClockSynchronizer from spec.md §4.7:
// pairwise offset/skew estimation via timed exchanges with decaying
// weights, exposing a best-estimate, non-authoritative synchronized clock.
package clocksync

import (
	"math"
	"sync"
	"time"

	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// BeaconFrequency is how often an Exchange is sent to each known peer.
const BeaconFrequency = 2000 * time.Millisecond

// StalePeerThreshold is how many consecutive missed exchanges drop a peer
// from the weight map.
const StalePeerThreshold = 4

// decayHalfLife sets how quickly an observation's weight decays with wall
// time since it was taken.
const decayHalfLife = 30 * time.Second

// Exchange is the timed two-way message the synchronizer sends and
// receives, carrying the freshness counter and originator send time; the
// reply additionally carries the peer's receive and send time.
type Exchange struct {
	Counter      uint64
	OriginSend   time.Time
	PeerReceive  time.Time
	PeerSend     time.Time
}

// Sender is how the synchronizer reaches a peer; implemented by whatever
// wraps a registry.Channel for the clock-sync submessage tag.
type Sender interface {
	SendExchange(peer types.PeerId, e Exchange) error
}

// observation is the per-peer ClockSync state from spec.md §3: "offset,
// skew, decaying weight... outstanding query {k, t_sent}, response
// history." skew is the estimated drift rate between this offset reading
// and the previous one, in seconds of offset change per second of elapsed
// wall time. It is reported by Skew; GetSynchronizedTime does not use it and
// holds each peer's offset flat between exchanges.
type observation struct {
	offset  time.Duration
	skew    float64
	takenAt time.Time
	missed  int
}

// outstandingQuery is the {k, t_sent} pair from spec.md §3: the freshness
// counter and send time of an Exchange this process is still waiting on a
// reply for, so a reply can be matched against what was actually sent
// rather than accepted on faith.
type outstandingQuery struct {
	counter uint64
	sentAt  time.Time
}

// Synchronizer estimates, per peer, the clock offset and skew needed to
// translate local time into that peer's time, and reports a single
// best-estimate process-wide synchronized time.
type Synchronizer struct {
	mu          sync.Mutex
	log         types.Logger
	peers       map[types.PeerId]*observation
	outstanding map[types.PeerId]outstandingQuery
	counter     uint64
}

// New constructs an empty Synchronizer.
func New(log types.Logger) *Synchronizer {
	return &Synchronizer{
		log:         log,
		peers:       make(map[types.PeerId]*observation),
		outstanding: make(map[types.PeerId]outstandingQuery),
	}
}

// BeginExchange builds the outbound half of an Exchange for peer, to be sent
// by the caller's Sender, and records it as the outstanding query awaiting
// that peer's reply.
func (s *Synchronizer) BeginExchange(peer types.PeerId) Exchange {
	s.mu.Lock()
	s.counter++
	c := s.counter
	now := time.Now()
	s.outstanding[peer] = outstandingQuery{counter: c, sentAt: now}
	s.mu.Unlock()
	return Exchange{Counter: c, OriginSend: now}
}

// CompleteExchange is called by the originator once the peer's reply
// arrives. A reply whose Counter does not match the outstanding query sent
// to peer (none pending, or a stale/duplicate reply) is discarded rather
// than treated as a fresh observation.
//
// offset estimation follows the classic two-timestamp NTP-style estimate:
// the round trip (now - OriginSend) is assumed symmetric, so PeerSend is
// taken as the peer's clock reading at the local midpoint OriginSend +
// rtt/2, and the offset is their difference. skew is re-estimated from the change in
// offset since the previous observation divided by the elapsed wall time
// between them.
func (s *Synchronizer) CompleteExchange(peer types.PeerId, e Exchange) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	out, ok := s.outstanding[peer]
	if !ok || out.counter != e.Counter {
		s.log.Warnf("clocksync: dropping reply from %s: no matching outstanding query (counter=%d)", peer, e.Counter)
		return
	}
	delete(s.outstanding, peer)

	rtt := now.Sub(e.OriginSend)
	peerMidpoint := e.PeerSend
	localMidpoint := e.OriginSend.Add(rtt / 2)
	offset := peerMidpoint.Sub(localMidpoint)

	obs, ok := s.peers[peer]
	if !ok {
		obs = &observation{}
		s.peers[peer] = obs
	}
	if !obs.takenAt.IsZero() {
		if elapsed := now.Sub(obs.takenAt).Seconds(); elapsed > 0 {
			obs.skew = (offset - obs.offset).Seconds() / elapsed
		}
	}
	obs.offset = offset
	obs.takenAt = now
	obs.missed = 0
}

// Skew reports the current drift-rate estimate for peer, if any exchange
// has completed for it.
func (s *Synchronizer) Skew(peer types.PeerId) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obs, ok := s.peers[peer]
	if !ok {
		return 0, false
	}
	return obs.skew, true
}

// MissedExchange records that peer did not reply in time to its outstanding
// query; after StalePeerThreshold consecutive misses the peer is dropped
// from the weight map entirely.
func (s *Synchronizer) MissedExchange(peer types.PeerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outstanding, peer)

	obs, ok := s.peers[peer]
	if !ok {
		return
	}
	obs.missed++
	if obs.missed >= StalePeerThreshold {
		s.log.Warnf("clocksync: dropping stale peer %s after %d missed exchanges", peer, obs.missed)
		delete(s.peers, peer)
	}
}

// Reply answers an inbound Exchange from peer: stamps the receive time and
// this process's own send time.
func (s *Synchronizer) Reply(e Exchange) Exchange {
	e.PeerReceive = time.Now()
	e.PeerSend = time.Now()
	return e
}

// GetSynchronizedTime returns now() adjusted by the weighted average of
// every live peer's offset observation, decayed by wall time elapsed since
// it was taken. With no peers (or all stale), it degrades to the local
// clock, per spec.md §4.7: "no node is authoritative."
func (s *Synchronizer) GetSynchronizedTime() time.Time {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var weightedOffset float64
	var totalWeight float64
	for _, obs := range s.peers {
		age := now.Sub(obs.takenAt)
		weight := decayWeight(age)
		weightedOffset += weight * float64(obs.offset)
		totalWeight += weight
	}
	if totalWeight == 0 {
		return now
	}
	avgOffset := time.Duration(weightedOffset / totalWeight)
	return now.Add(avgOffset)
}

// decayWeight halves every decayHalfLife of elapsed wall time.
func decayWeight(age time.Duration) float64 {
	if age < 0 {
		age = 0
	}
	halfLives := float64(age) / float64(decayHalfLife)
	return math.Exp2(-halfLives)
}
