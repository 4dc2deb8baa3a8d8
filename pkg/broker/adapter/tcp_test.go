package adapter

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedm-dgi/broker/pkg/broker/logging"
)

// TestSimulatorAdapterCycleRoundTrip drives one cycle directly (bypassing
// the ticker goroutine) over a net.Pipe, verifying the send buffer is
// encoded big-endian and a reply is decoded back into rx_buffer, matching
// spec.md §4.8's RTDS cycle description.
func TestSimulatorAdapterCycleRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	a := newSimulatorAdapter(VariantRtds, logging.New(nil))
	require.NoError(t, a.RegisterCommand("dev1", "cmd", 0))
	require.NoError(t, a.RegisterState("dev1", "state", 0))
	a.conn = client
	a.started = true

	require.NoError(t, a.Set("dev1", "cmd", 3.5))

	serverErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 4)
		if _, err := io.ReadFull(server, buf); err != nil {
			serverErr <- err
			return
		}
		got := math.Float32frombits(binary.BigEndian.Uint32(buf))
		if got != 3.5 {
			serverErr <- fmt.Errorf("expected 3.5, got %v", got)
			return
		}
		reply := make([]byte, 4)
		binary.BigEndian.PutUint32(reply, math.Float32bits(9.25))
		_, err := server.Write(reply)
		serverErr <- err
	}()

	require.NoError(t, a.cycle())
	require.NoError(t, <-serverErr)

	v, err := a.Get("dev1", "state")
	require.NoError(t, err)
	assert.Equal(t, float64(9.25), float64(v))
}
