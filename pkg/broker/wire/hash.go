package wire

import (
	"hash/fnv"

	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// Hash computes a stable 64-bit digest over a Message's submessage tree plus
// its send timestamp, per spec.md §4.1: "hash(m) is a stable 64-bit digest
// over key/value submessages plus send_ts; used by SRC to identify
// retransmits." Two messages whose submessage trees and send times are
// bit-for-bit identical hash identically (spec.md §8 property 4); the
// encoder's sorted-key traversal makes this independent of map iteration
// order.
func Hash(m types.Message) uint64 {
	h := fnv.New64a()
	h.Write(EncodeTree(m.Submessages))
	h.Write(encodeTime(m.SendTime))
	return h.Sum64()
}
