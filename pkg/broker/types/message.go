package types

import "time"

// StatusType mirrors the HTTP-style code set plus the two domain codes used
// by the clock synchronizer. Modeled directly on the original CMessage.hpp
// StatusType enumeration.
type StatusType int

const (
	StatusOK                  StatusType = 200
	StatusCreated             StatusType = 201
	StatusAccepted            StatusType = 202
	StatusNoContent           StatusType = 204
	StatusMultipleChoices     StatusType = 300
	StatusMovedPermanently    StatusType = 301
	StatusMovedTemporarily    StatusType = 302
	StatusNotModified         StatusType = 304
	StatusBadRequest          StatusType = 400
	StatusUnauthorized        StatusType = 401
	StatusForbidden           StatusType = 403
	StatusNotFound            StatusType = 404
	StatusInternalServerError StatusType = 500
	StatusNotImplemented      StatusType = 501
	StatusBadGateway          StatusType = 502
	StatusServiceUnavailable  StatusType = 503
	StatusReadClock           StatusType = 800
	StatusClockReading        StatusType = 801
)

// Protocol tags a Message with the reliable-delivery variant that should
// carry it.
type Protocol string

const (
	ProtocolSUC Protocol = "SUC"
	ProtocolSRC Protocol = "SRC"
)

// SequenceModulo is the modulus sequence numbers wrap around, shared by both
// Protocol variants.
const SequenceModulo = 1024

// MaxDatagramSize bounds a single UDP payload; larger messages are rejected
// at send time.
const MaxDatagramSize = 60000

// Tree is a keyed subtree of a Message body. Leaves are raw byte slices;
// internal nodes are nested Trees. It plays the role the
// boost::property_tree::ptree plays in the original C++ CMessage.
type Tree map[string]Node

// Node is either a leaf value or a nested Tree. Exactly one of Value or
// Children is meaningful for a given Node — callers distinguish via IsLeaf.
type Node struct {
	Value    []byte
	Children Tree
}

// Leaf builds a leaf Node holding v.
func Leaf(v []byte) Node {
	return Node{Value: v}
}

// Branch builds an internal Node holding a nested Tree.
func Branch(t Tree) Node {
	return Node{Children: t}
}

// IsLeaf reports whether n is a leaf (as opposed to a nested Tree).
func (n Node) IsLeaf() bool {
	return n.Children == nil
}

// Message is the typed envelope exchanged between peers (spec.md §3).
type Message struct {
	Source       PeerId
	Protocol     Protocol
	Sequence     uint32
	Status       StatusType
	SendTime     time.Time
	ExpireTime   time.Time
	NeverExpires bool
	Properties   Tree
	Submessages  Tree
}

// HasExpireTime reports whether an expiration has been set at all (as
// opposed to the message being marked to never expire).
func (m Message) HasExpireTime() bool {
	return !m.NeverExpires && !m.ExpireTime.IsZero()
}

// IsExpired implements spec.md §4.1: is_expired(m, now) = has_expire(m) ∧
// expire_ts(m) < now.
func (m Message) IsExpired(now time.Time) bool {
	return m.HasExpireTime() && m.ExpireTime.Before(now)
}

// WithExpireIn returns a copy of m that expires after d has elapsed from
// now.
func (m Message) WithExpireIn(now time.Time, d time.Duration) Message {
	m.NeverExpires = false
	m.ExpireTime = now.Add(d)
	return m
}

// NewMessage builds a Message with send time now() and status OK, the way
// CMessage's default constructor does.
func NewMessage(source PeerId, protocol Protocol) Message {
	return Message{
		Source:       source,
		Protocol:     protocol,
		Status:       StatusOK,
		SendTime:     time.Now(),
		NeverExpires: true,
		Properties:   Tree{},
		Submessages:  Tree{},
	}
}

// SequenceDistance returns the forward distance from a to b modulo
// SequenceModulo, used for wrap-aware comparisons in the Protocol layer.
func SequenceDistance(a, b uint32) uint32 {
	return (b - a + SequenceModulo) % SequenceModulo
}

// SequenceLessOrEqual reports whether a precedes or equals b on the sequence
// ring, using the "ambiguous if distance > modulo/2" tie-break rule from
// spec.md §4.4: a distance over half the modulus is treated as b being the
// older value (i.e. not <=).
func SequenceLessOrEqual(a, b uint32) bool {
	d := SequenceDistance(a, b)
	return d <= SequenceModulo/2
}
