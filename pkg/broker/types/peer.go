package types

import (
	"strconv"

	"github.com/google/uuid"
)

// PeerId opaquely identifies a peer controller. It is UUID-shaped but
// treated as an opaque string everywhere outside of generation.
type PeerId string

// NewPeerId generates a fresh, globally unique PeerId.
func NewPeerId() PeerId {
	return PeerId(uuid.NewString())
}

func (p PeerId) String() string {
	return string(p)
}

// Endpoint is the (host, port) a PeerId is reachable at. Resolved once per
// peer at registration time and kept 1:1 with the PeerId in the registry.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string {
	return e.Host + ":" + strconv.Itoa(int(e.Port))
}

// UID identifies a single message or request. Backed by a UUID, matching the
// teacher's helper.GenerateUID idiom.
type UID string

// NewUID generates a fresh UID.
func NewUID() UID {
	return UID(uuid.NewString())
}
