// Package wire implements the datagram envelope and the prefix-coded
// key/value body described in spec.md §4.1 and §6:
//
//	bytes 0..10   decimal length of body, left-zero-padded
//	bytes 11..21  decimal sequence number, left-zero-padded
//	byte  22      '1' if ACK, '0' otherwise
//	bytes 23..end body (structured key/value stream)
//
// The body is a flat stream of tagged records (type=k|v|s, length=5 ascii
// digits, payload): a 'k' record introduces a key whose immediately
// following 's' record holds a child stream; a 'v' record holds a leaf
// value. The decoder is non-recursive and rejects malformed prefixes.
package wire

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/freedm-dgi/broker/pkg/broker/types"
)

const (
	lengthFieldWidth   = 11
	sequenceFieldWidth = 11
	ackFieldWidth      = 1
	envelopeWidth      = lengthFieldWidth + sequenceFieldWidth + ackFieldWidth

	recordTagWidth    = 1
	recordLengthWidth = 5
	recordHeaderWidth = recordTagWidth + recordLengthWidth

	tagKey   = 'k'
	tagValue = 'v'
	tagTree  = 's'
)

// Envelope is the fixed 23-byte datagram header plus its body.
type Envelope struct {
	Sequence uint32
	Ack      bool
	Body     []byte
}

// EncodeEnvelope serializes e into the fixed wire header followed by its
// body. It rejects bodies that would push the datagram over
// types.MaxDatagramSize.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if len(e.Body)+envelopeWidth > types.MaxDatagramSize {
		return nil, types.ErrMessageTooLarge
	}
	out := make([]byte, 0, envelopeWidth+len(e.Body))
	out = append(out, padDecimal(uint64(len(e.Body)), lengthFieldWidth)...)
	out = append(out, padDecimal(uint64(e.Sequence), sequenceFieldWidth)...)
	if e.Ack {
		out = append(out, '1')
	} else {
		out = append(out, '0')
	}
	out = append(out, e.Body...)
	return out, nil
}

// DecodeEnvelope parses a raw datagram into an Envelope. It validates the
// ASCII length/sequence fields and that the declared body length matches
// what was actually received.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	if len(raw) < envelopeWidth {
		return Envelope{}, types.ErrMalformedEnvelope
	}
	bodyLen, err := parseDecimal(raw[0:lengthFieldWidth])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: bad length field: %v", types.ErrMalformedEnvelope, err)
	}
	seq, err := parseDecimal(raw[lengthFieldWidth : lengthFieldWidth+sequenceFieldWidth])
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: bad sequence field: %v", types.ErrMalformedEnvelope, err)
	}
	ackByte := raw[lengthFieldWidth+sequenceFieldWidth]
	if ackByte != '0' && ackByte != '1' {
		return Envelope{}, fmt.Errorf("%w: bad ack flag", types.ErrMalformedEnvelope)
	}
	body := raw[envelopeWidth:]
	if uint64(len(body)) != bodyLen {
		return Envelope{}, fmt.Errorf("%w: declared length %d, got %d", types.ErrMalformedEnvelope, bodyLen, len(body))
	}
	return Envelope{
		Sequence: uint32(seq),
		Ack:      ackByte == '1',
		Body:     body,
	}, nil
}

// EncodeTree serializes a types.Tree into the prefix-coded record stream.
// Keys are emitted in sorted order so that EncodeTree is deterministic —
// required for the content hash in hash.go to be stable.
func EncodeTree(t types.Tree) []byte {
	var buf bytes.Buffer
	encodeTreeInto(&buf, t)
	return buf.Bytes()
}

func encodeTreeInto(buf *bytes.Buffer, t types.Tree) {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		node := t[k]
		writeRecord(buf, tagKey, []byte(k))
		if node.IsLeaf() {
			writeRecord(buf, tagValue, node.Value)
		} else {
			var child bytes.Buffer
			encodeTreeInto(&child, node.Children)
			writeRecord(buf, tagTree, child.Bytes())
		}
	}
}

func writeRecord(buf *bytes.Buffer, tag byte, payload []byte) {
	buf.WriteByte(tag)
	buf.Write(padDecimal(uint64(len(payload)), recordLengthWidth))
	buf.Write(payload)
}

// DecodeTree parses the prefix-coded record stream back into a types.Tree.
// It is iterative (uses an explicit stack of in-progress trees) rather than
// recursive, per spec.md §4.1 "Decoder is non-recursive".
func DecodeTree(data []byte) (types.Tree, error) {
	type frame struct {
		tree    types.Tree
		pendKey string
		haveKey bool
	}
	root := types.Tree{}
	stack := []frame{{tree: root}}
	// ends holds, for each stack depth > 0, the byte offset where that
	// frame's 's' record payload ends, so we know when to pop back to the
	// parent frame.
	ends := []int{}

	pos := 0
	for pos < len(data) {
		if pos+recordHeaderWidth > len(data) {
			return nil, fmt.Errorf("%w: truncated record header", types.ErrMalformedEnvelope)
		}
		tag := data[pos]
		n, err := parseDecimal(data[pos+recordTagWidth : pos+recordHeaderWidth])
		if err != nil {
			return nil, fmt.Errorf("%w: bad record length: %v", types.ErrMalformedEnvelope, err)
		}
		payloadStart := pos + recordHeaderWidth
		payloadEnd := payloadStart + int(n)
		if payloadEnd > len(data) || payloadEnd < payloadStart {
			return nil, fmt.Errorf("%w: record length overruns buffer", types.ErrMalformedEnvelope)
		}
		payload := data[payloadStart:payloadEnd]

		top := &stack[len(stack)-1]
		switch tag {
		case tagKey:
			if top.haveKey {
				return nil, fmt.Errorf("%w: two keys without a value", types.ErrMalformedEnvelope)
			}
			top.pendKey = string(payload)
			top.haveKey = true
		case tagValue:
			if !top.haveKey {
				return nil, fmt.Errorf("%w: value without a key", types.ErrMalformedEnvelope)
			}
			top.tree[top.pendKey] = types.Leaf(append([]byte(nil), payload...))
			top.haveKey = false
		case tagTree:
			if !top.haveKey {
				return nil, fmt.Errorf("%w: child stream without a key", types.ErrMalformedEnvelope)
			}
			child := types.Tree{}
			top.tree[top.pendKey] = types.Branch(child)
			top.haveKey = false
			stack = append(stack, frame{tree: child})
			ends = append(ends, payloadEnd)
			// Step into the child stream; an empty one is popped right
			// away by the loop below.
			payloadEnd = payloadStart
		default:
			return nil, fmt.Errorf("%w: unknown record tag %q", types.ErrMalformedEnvelope, tag)
		}
		pos = payloadEnd

		// Pop any frames whose child stream we've just exhausted.
		for len(ends) > 0 && pos >= ends[len(ends)-1] {
			stack = stack[:len(stack)-1]
			ends = ends[:len(ends)-1]
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("%w: unterminated child stream", types.ErrMalformedEnvelope)
	}
	return root, nil
}

func padDecimal(v uint64, width int) []byte {
	s := fmt.Sprintf("%d", v)
	if len(s) > width {
		// Caller-validated lengths should never hit this; surfaced as a
		// panic would be worse than a truncated-but-detectable field.
		s = s[len(s)-width:]
	}
	out := make([]byte, width)
	for i := range out {
		out[i] = '0'
	}
	copy(out[width-len(s):], s)
	return out
}

func parseDecimal(b []byte) (uint64, error) {
	var v uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit byte %q", c)
		}
		v = v*10 + uint64(c-'0')
	}
	return v, nil
}
