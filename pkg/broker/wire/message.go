package wire

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// Reserved top-level keys carrying the Message envelope fields inside the
// body's key/value stream, alongside the "properties" and "submessages"
// subtrees a module actually reads and writes.
const (
	keySource       = "__source"
	keyProtocol     = "__protocol"
	keyStatus       = "__status"
	keySendTime     = "__send_ts"
	keyExpireTime   = "__expire_ts"
	keyNeverExpires = "__never_expires"
	keyProperties   = "properties"
	keySubmessages  = "submessages"
)

// EncodeMessage renders a full Message (including its envelope fields) into
// the wire body format, ready to be wrapped in an Envelope.
func EncodeMessage(m types.Message) []byte {
	root := types.Tree{
		keySource:      types.Leaf([]byte(m.Source)),
		keyProtocol:    types.Leaf([]byte(m.Protocol)),
		keyStatus:      types.Leaf(encodeInt64(int64(m.Status))),
		keySendTime:    types.Leaf(encodeTime(m.SendTime)),
		keySubmessages: types.Branch(m.Submessages),
		keyProperties:  types.Branch(m.Properties),
	}
	if m.NeverExpires {
		root[keyNeverExpires] = types.Leaf([]byte{1})
	} else {
		root[keyNeverExpires] = types.Leaf([]byte{0})
		root[keyExpireTime] = types.Leaf(encodeTime(m.ExpireTime))
	}
	return EncodeTree(root)
}

// DecodeMessage parses a wire body back into a Message. The sequence number
// itself is carried in the Envelope, not the body, so callers must set
// m.Sequence from the decoded Envelope after calling this.
func DecodeMessage(body []byte) (types.Message, error) {
	root, err := DecodeTree(body)
	if err != nil {
		return types.Message{}, err
	}
	var m types.Message

	src, ok := root[keySource]
	if !ok || !src.IsLeaf() {
		return types.Message{}, fmt.Errorf("%w: missing source", types.ErrMalformedEnvelope)
	}
	m.Source = types.PeerId(src.Value)

	proto, ok := root[keyProtocol]
	if !ok || !proto.IsLeaf() {
		return types.Message{}, fmt.Errorf("%w: missing protocol", types.ErrMalformedEnvelope)
	}
	m.Protocol = types.Protocol(proto.Value)

	status, ok := root[keyStatus]
	if !ok || !status.IsLeaf() {
		return types.Message{}, fmt.Errorf("%w: missing status", types.ErrMalformedEnvelope)
	}
	sv, err := decodeInt64(status.Value)
	if err != nil {
		return types.Message{}, err
	}
	m.Status = types.StatusType(sv)

	sendTime, ok := root[keySendTime]
	if !ok || !sendTime.IsLeaf() {
		return types.Message{}, fmt.Errorf("%w: missing send time", types.ErrMalformedEnvelope)
	}
	m.SendTime, err = decodeTime(sendTime.Value)
	if err != nil {
		return types.Message{}, err
	}

	if never, ok := root[keyNeverExpires]; ok && never.IsLeaf() && len(never.Value) == 1 && never.Value[0] == 1 {
		m.NeverExpires = true
	} else if exp, ok := root[keyExpireTime]; ok && exp.IsLeaf() {
		m.ExpireTime, err = decodeTime(exp.Value)
		if err != nil {
			return types.Message{}, err
		}
	}

	if sub, ok := root[keySubmessages]; ok && !sub.IsLeaf() {
		m.Submessages = sub.Children
	} else {
		m.Submessages = types.Tree{}
	}
	if props, ok := root[keyProperties]; ok && !props.IsLeaf() {
		m.Properties = props.Children
	} else {
		m.Properties = types.Tree{}
	}

	return m, nil
}

func encodeInt64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func decodeInt64(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: bad int64 length", types.ErrMalformedEnvelope)
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func encodeTime(t time.Time) []byte {
	return encodeInt64(t.UnixNano())
}

func decodeTime(b []byte) (time.Time, error) {
	ns, err := decodeInt64(b)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ns).UTC(), nil
}
