// Package protocol implements the reliable sequenced delivery state machines
// described in spec.md §4.4: SUC (sequenced with retransmit) and SRC (SUC
// plus kill-hash resync). Both variants share the Protocol interface; which
// one a Channel uses is a construction-time choice, not a class hierarchy —
// per spec.md §9's Design Notes, protocol variants are "a closed sum type
// (SUC, SRC) behind one trait/interface."
package protocol

import (
	"time"

	"github.com/freedm-dgi/broker/pkg/broker/types"
)

const (
	// WindowSize bounds the number of outstanding unacknowledged messages.
	WindowSize = 8
	// MaxRetries bounds how many times a message head-of-window is resent
	// before it is dropped and the peer flagged unreachable for the round.
	MaxRetries = 100
	// KillWindowSize bounds how many recent kill-hashes SRC remembers.
	KillWindowSize = 6
	// RetransmitInterval is how often a Channel should call Tick.
	RetransmitInterval = 500 * time.Millisecond
)

// Writer is how a Protocol actually puts bytes on the wire. Implemented by
// registry.Channel so the Protocol state machines stay transport-agnostic.
type Writer interface {
	Write(sequence uint32, ack bool, body []byte) error
}

// Protocol is the common contract both SUC and SRC implement (spec.md
// §4.4's "Common contract").
type Protocol interface {
	// Send assigns the next outbound sequence number to m, enqueues it on
	// the window, and writes it immediately if the window was empty.
	Send(m types.Message) (types.Message, error)

	// Receive decides whether an inbound message falls in the accept
	// window; if so it advances in_seq and returns (m, true). Either way
	// it sends an ACK for the highest in-order sequence observed so far.
	Receive(m types.Message) (types.Message, bool)

	// ReceiveAck pops every window entry with sequence <= a's sequence,
	// cancelling their retries.
	ReceiveAck(a types.Message)

	// Tick drives the retransmit timer: on both SUC and SRC it resends the
	// window head and decrements its retry budget. SRC kill-hash notices are
	// written by Kill itself, not by Tick.
	Tick(now time.Time)

	// OnPhaseChange is an advisory hook for phase-aware protocols; the base
	// protocols ignore it.
	OnPhaseChange(newRound bool)

	// Stop halts any protocol-owned timers.
	Stop()

	// Identifier names the protocol variant ("SUC" or "SRC").
	Identifier() string

	// Unreachable reports whether the peer was flagged unreachable this
	// round due to retransmit exhaustion.
	Unreachable() bool
}

// windowItem is a single outstanding, unacknowledged message.
type windowItem struct {
	message          types.Message
	retriesRemaining int
}
