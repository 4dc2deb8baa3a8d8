package protocol

import (
	"sync"
	"time"

	"github.com/freedm-dgi/broker/pkg/broker/types"
	"github.com/freedm-dgi/broker/pkg/broker/wire"
)

// SUC is the "Sequenced Unreliable Channel with retransmit" variant from
// spec.md §4.4, grounded on the original CSUConnection design
// (original_source/Broker/include/CSUConnection.hpp): a sliding window of
// outstanding messages, periodic retransmission of the window head, and an
// accept window that widens on detected reorder and shrinks on clean runs.
type SUC struct {
	mu sync.Mutex

	writer Writer
	log    types.Logger

	inSeq     uint32
	outSeq    uint32
	acceptMod uint32

	window []windowItem

	unreachable bool
	stopped     bool
}

// NewSUC constructs a SUC protocol instance writing through w.
func NewSUC(w Writer, log types.Logger) *SUC {
	return &SUC{writer: w, log: log}
}

func (s *SUC) Identifier() string { return string(types.ProtocolSUC) }

// Send implements Protocol.Send.
func (s *SUC) Send(m types.Message) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.IsExpired(time.Now()) {
		return m, types.ErrMessageExpired
	}

	m.Protocol = types.ProtocolSUC
	m.Sequence = s.outSeq
	s.outSeq = (s.outSeq + 1) % types.SequenceModulo

	wasEmpty := len(s.window) == 0
	s.window = append(s.window, windowItem{message: m, retriesRemaining: MaxRetries})

	if wasEmpty {
		if err := s.writeMessage(m, false); err != nil {
			return m, err
		}
	}
	return m, nil
}

func (s *SUC) writeMessage(m types.Message, ack bool) error {
	body := wire.EncodeMessage(m)
	return s.writer.Write(m.Sequence, ack, body)
}

// acceptWindowSize is WindowSize widened by the currently observed reorder
// tolerance, per spec.md §4.4: "[in_seq, in_seq + WINDOW_SIZE + accept_mod)".
func (s *SUC) acceptWindowSize() uint32 {
	return WindowSize + s.acceptMod
}

// Receive implements Protocol.Receive.
func (s *SUC) Receive(m types.Message) (types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accept := false
	dist := types.SequenceDistance(s.inSeq, m.Sequence)
	inWindow := dist < s.acceptWindowSize()

	if inWindow {
		if dist > 0 {
			// A gap (out-of-order / reordered arrival): widen tolerance.
			s.acceptMod++
		} else if s.acceptMod > 0 {
			// A clean, in-order arrival: shrink tolerance back down.
			s.acceptMod--
		}
		s.inSeq = (m.Sequence + 1) % types.SequenceModulo
		accept = true
	} else {
		s.log.Warnf("suc: dropping out-of-window sequence %d (in_seq=%d, window=%d)", m.Sequence, s.inSeq, s.acceptWindowSize())
	}

	s.sendAckLocked()
	return m, accept
}

func (s *SUC) sendAckLocked() {
	ack := types.NewMessage("", types.ProtocolSUC)
	lastInOrder := (s.inSeq + types.SequenceModulo - 1) % types.SequenceModulo
	if err := s.writer.Write(lastInOrder, true, wire.EncodeMessage(ack)); err != nil {
		s.log.Errorf("suc: failed sending ack for %d: %v", lastInOrder, err)
	}
}

// ReceiveAck implements Protocol.ReceiveAck.
func (s *SUC) ReceiveAck(a types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.popAckedLocked(a.Sequence)
}

func (s *SUC) popAckedLocked(seq uint32) {
	for len(s.window) > 0 && types.SequenceLessOrEqual(s.window[0].message.Sequence, seq) {
		s.window = s.window[1:]
	}
}

// Tick implements Protocol.Tick: resend the window head, decrementing its
// retry budget; drop it and flag the peer unreachable once exhausted.
func (s *SUC) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.window) == 0 {
		return
	}

	head := &s.window[0]
	if head.message.IsExpired(now) {
		s.log.Warnf("suc: dropping expired message seq=%d", head.message.Sequence)
		s.window = s.window[1:]
		return
	}

	if head.retriesRemaining <= 0 {
		s.log.Warnf("suc: retransmit exhausted for seq=%d, peer unreachable this round", head.message.Sequence)
		s.window = s.window[1:]
		s.unreachable = true
		return
	}

	head.retriesRemaining--
	if err := s.writeMessage(head.message, false); err != nil {
		s.log.Errorf("suc: resend failed for seq=%d: %v", head.message.Sequence, err)
	}
}

func (s *SUC) OnPhaseChange(newRound bool) { _ = newRound }

func (s *SUC) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *SUC) Unreachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.unreachable
	s.unreachable = false
	return v
}

var _ Protocol = (*SUC)(nil)
