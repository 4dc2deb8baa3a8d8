package protocol

import (
	"sync"
	"time"

	"github.com/freedm-dgi/broker/pkg/broker/types"
	"github.com/freedm-dgi/broker/pkg/broker/wire"
)

// Reserved submessage keys SRC uses for its control traffic (SYN and
// kill-hash notices), never surfaced to Dispatcher handlers.
const (
	srcKeySyn  = "__syn"
	srcKeyKill = "__kill"
)

// killEntry is a single outstanding window item tagged with its content
// hash, so a Kill(hash) call can find and cancel it.
type killEntry struct {
	windowItem
	hash uint64
}

// SRC is the kill-hash variant from spec.md §4.4, grounded on
// original_source/Broker/include/CSRConnection.hpp: it adds explicit SYN
// synchronization and lets a sender announce that a specific content hash no
// longer needs acknowledgement, with a short memory (KillWindowSize) so a
// late ACK or late duplicate referencing an already-killed hash still finds
// its target instead of being treated as new data.
type SRC struct {
	mu sync.Mutex

	writer Writer
	log    types.Logger

	inSeq     uint32
	outSeq    uint32
	acceptMod uint32

	inSync  bool
	outSync bool

	inResyncs      uint32
	outLastResync  uint32

	window []killEntry

	// killWindow remembers the most recently killed content hashes on
	// both the sending and the receiving side, per spec.md §3: "a late ACK
	// carrying a kill still finds its target."
	killWindow []uint64

	unreachable bool
	stopped     bool
}

// NewSRC constructs an SRC protocol instance writing through w.
func NewSRC(w Writer, log types.Logger) *SRC {
	return &SRC{writer: w, log: log}
}

func (s *SRC) Identifier() string { return string(types.ProtocolSRC) }

// SendSyn emits the initial SYN message establishing this direction, per
// spec.md §4.4: "an initial SYN message establishes both directions."
func (s *SRC) SendSyn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outSync = true
	syn := types.NewMessage("", types.ProtocolSRC)
	syn.Properties[srcKeySyn] = types.Leaf([]byte{1})
	return s.writer.Write(s.outSeq, false, wire.EncodeMessage(syn))
}

func (s *SRC) acceptWindowSize() uint32 {
	return WindowSize + s.acceptMod
}

// Send implements Protocol.Send.
func (s *SRC) Send(m types.Message) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.IsExpired(time.Now()) {
		return m, types.ErrMessageExpired
	}

	m.Protocol = types.ProtocolSRC
	m.Sequence = s.outSeq
	s.outSeq = (s.outSeq + 1) % types.SequenceModulo

	h := wire.Hash(m)
	wasEmpty := len(s.window) == 0
	s.window = append(s.window, killEntry{
		windowItem: windowItem{message: m, retriesRemaining: MaxRetries},
		hash:       h,
	})

	if wasEmpty {
		if err := s.writeMessage(m, false); err != nil {
			return m, err
		}
	}
	return m, nil
}

func (s *SRC) writeMessage(m types.Message, ack bool) error {
	return s.writer.Write(m.Sequence, ack, wire.EncodeMessage(m))
}

// Kill announces that the message hashing to h is stale and no longer needs
// to be acknowledged: it is dropped locally, and a kill notice is sent to
// the peer so a reordered copy it may still be holding is not double
// processed.
func (s *SRC) Kill(h uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, item := range s.window {
		if item.hash == h {
			s.window = append(s.window[:i], s.window[i+1:]...)
			break
		}
	}
	s.rememberKill(h)

	notice := types.NewMessage("", types.ProtocolSRC)
	notice.Properties[srcKeyKill] = encodeHash(h)
	return s.writer.Write(s.outSeq, false, wire.EncodeMessage(notice))
}

func (s *SRC) rememberKill(h uint64) {
	s.killWindow = append(s.killWindow, h)
	if len(s.killWindow) > KillWindowSize {
		s.killWindow = s.killWindow[len(s.killWindow)-KillWindowSize:]
	}
}

func (s *SRC) wasKilled(h uint64) bool {
	for _, k := range s.killWindow {
		if k == h {
			return true
		}
	}
	return false
}

// Receive implements Protocol.Receive.
func (s *SRC) Receive(m types.Message) (types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if syn, ok := m.Properties[srcKeySyn]; ok && syn.IsLeaf() {
		s.inSync = true
		s.sendAckLocked()
		return m, false
	}
	if kill, ok := m.Properties[srcKeyKill]; ok && kill.IsLeaf() {
		if h, err := decodeHash(kill.Value); err == nil {
			s.rememberKill(h)
		}
		s.sendAckLocked()
		return m, false
	}

	if !s.inSync {
		// Per spec.md §4.4: "a SYN must be observed (or inferred) before
		// data from a previously silent peer is accepted." A silent peer's
		// first data message infers the missing SYN rather than being
		// dropped outright.
		s.log.Warnf("src: inferring SYN from first data message seq=%d", m.Sequence)
		s.inSync = true
		s.inResyncs++
	}

	if s.wasKilled(wire.Hash(m)) {
		s.log.Debugf("src: dropping late duplicate of killed message seq=%d", m.Sequence)
		s.sendAckLocked()
		return m, false
	}

	accept := false
	dist := types.SequenceDistance(s.inSeq, m.Sequence)
	if dist < s.acceptWindowSize() {
		if dist > 0 {
			s.acceptMod++
		} else if s.acceptMod > 0 {
			s.acceptMod--
		}
		s.inSeq = (m.Sequence + 1) % types.SequenceModulo
		accept = true
	} else {
		s.log.Warnf("src: dropping out-of-window sequence %d (in_seq=%d)", m.Sequence, s.inSeq)
	}

	s.sendAckLocked()
	return m, accept
}

func (s *SRC) sendAckLocked() {
	ack := types.NewMessage("", types.ProtocolSRC)
	lastInOrder := (s.inSeq + types.SequenceModulo - 1) % types.SequenceModulo
	if err := s.writer.Write(lastInOrder, true, wire.EncodeMessage(ack)); err != nil {
		s.log.Errorf("src: failed sending ack for %d: %v", lastInOrder, err)
	}
}

// ReceiveAck implements Protocol.ReceiveAck.
func (s *SRC) ReceiveAck(a types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.window) > 0 && types.SequenceLessOrEqual(s.window[0].message.Sequence, a.Sequence) {
		s.window = s.window[1:]
	}
}

// Tick implements Protocol.Tick.
func (s *SRC) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.window) == 0 {
		return
	}

	head := &s.window[0]
	if head.message.IsExpired(now) {
		s.window = s.window[1:]
		return
	}
	if head.retriesRemaining <= 0 {
		s.log.Warnf("src: retransmit exhausted for seq=%d, peer unreachable this round", head.message.Sequence)
		s.window = s.window[1:]
		s.unreachable = true
		return
	}
	head.retriesRemaining--
	if err := s.writeMessage(head.message, false); err != nil {
		s.log.Errorf("src: resend failed for seq=%d: %v", head.message.Sequence, err)
	}
}

func (s *SRC) OnPhaseChange(newRound bool) { _ = newRound }

func (s *SRC) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *SRC) Unreachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.unreachable
	s.unreachable = false
	return v
}

func encodeHash(h uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(h >> (8 * (7 - i)))
	}
	return b
}

func decodeHash(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, types.ErrMalformedEnvelope
	}
	var h uint64
	for i := 0; i < 8; i++ {
		h = h<<8 | uint64(b[i])
	}
	return h, nil
}

var _ Protocol = (*SRC)(nil)
