package adapter

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedm-dgi/broker/pkg/broker/device"
	"github.com/freedm-dgi/broker/pkg/broker/logging"
)

func newTestCatalog(t *testing.T) *device.Catalog {
	t.Helper()
	xmlDoc := `<deviceTypes><type name="sst"><state>voltage</state></type></deviceTypes>`
	cat, err := device.BuildCatalog(strings.NewReader(xmlDoc))
	require.NoError(t, err)
	return cat
}

// TestFactoryServeRegistersBuiltDeviceWithManager implements spec.md §4.8's
// plug-and-play contract: a successful enumeration session's built device
// must be usable afterward, not discarded once the session acknowledges.
func TestFactoryServeRegistersBuiltDeviceWithManager(t *testing.T) {
	cat := newTestCatalog(t)
	mgr := device.NewManager(cat)

	builder := func(request string) (*device.Device, device.Adapter, error) {
		info, _ := cat.Info("sst")
		a := NewBufferAdapter()
		require.NoError(t, a.RegisterState(request, "voltage", 0))
		require.NoError(t, a.Start())
		return device.New(request, info, a), a, nil
	}

	f, err := NewFactory("127.0.0.1:0", builder, mgr, logging.New(nil))
	require.NoError(t, err)
	defer f.Close()

	go f.Run()

	conn, err := net.Dial("tcp", f.listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("dev1\r\n\r\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, reply, "200 OK")

	d, ok := mgr.Get("dev1")
	require.True(t, ok, "built device must be registered with the manager")
	assert.Equal(t, "dev1", d.ID)
}

// TestFactoryServeSendsConflictWhenDeviceIDAlreadyRegistered checks that a
// second enumeration session for the same device id is rejected rather than
// silently overwriting the manager's existing registration.
func TestFactoryServeSendsConflictWhenDeviceIDAlreadyRegistered(t *testing.T) {
	cat := newTestCatalog(t)
	mgr := device.NewManager(cat)

	builder := func(request string) (*device.Device, device.Adapter, error) {
		info, _ := cat.Info("sst")
		a := NewBufferAdapter()
		require.NoError(t, a.RegisterState(request, "voltage", 0))
		require.NoError(t, a.Start())
		return device.New(request, info, a), a, nil
	}

	f, err := NewFactory("127.0.0.1:0", builder, mgr, logging.New(nil))
	require.NoError(t, err)
	defer f.Close()

	go f.Run()
	addr := f.listener.Addr().String()

	dial := func() string {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		defer conn.Close()
		_, err = conn.Write([]byte("dup\r\n\r\n"))
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		reply, err := bufio.NewReader(conn).ReadString('\n')
		require.NoError(t, err)
		return reply
	}

	first := dial()
	assert.Contains(t, first, "200 OK")

	second := dial()
	assert.Contains(t, second, "409 CONFLICT")
}
