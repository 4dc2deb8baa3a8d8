package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedm-dgi/broker/pkg/broker/types"
)

type loopbackAdapter struct {
	values map[string]SignalValue
}

func newLoopbackAdapter() *loopbackAdapter {
	return &loopbackAdapter{values: make(map[string]SignalValue)}
}

func (a *loopbackAdapter) key(deviceID, signal string) string { return deviceID + "/" + signal }

func (a *loopbackAdapter) Get(deviceID, signal string) (SignalValue, error) {
	return a.values[a.key(deviceID, signal)], nil
}

func (a *loopbackAdapter) Set(deviceID, signal string, value SignalValue) error {
	a.values[a.key(deviceID, signal)] = value
	return nil
}

// TestDeviceLoopbackRoundTrip implements spec.md §8 property 5: set_command
// followed by a tick then get_state returns the same value when a device
// has one signal name registered as both command and state.
func TestDeviceLoopbackRoundTrip(t *testing.T) {
	xmlDoc := `<deviceTypes>
		<type name="loop"><state>echo</state><command>echo</command></type>
	</deviceTypes>`
	cat, err := BuildCatalog(strings.NewReader(xmlDoc))
	require.NoError(t, err)
	info, ok := cat.Info("loop")
	require.True(t, ok)

	adapter := newLoopbackAdapter()
	d := New("dev1", info, adapter)

	require.NoError(t, d.SetCommand("echo", 42))
	got, err := d.GetState("echo")
	require.NoError(t, err)
	assert.Equal(t, SignalValue(42), got)
}

func TestDeviceRejectsUnknownSignal(t *testing.T) {
	info := Info{TypeName: "x", States: map[string]struct{}{}, Commands: map[string]struct{}{}}
	d := New("dev1", info, newLoopbackAdapter())

	_, err := d.GetState("nope")
	assert.ErrorIs(t, err, types.ErrBadSignal)

	err = d.SetCommand("nope", 1)
	assert.ErrorIs(t, err, types.ErrBadSignal)
}
