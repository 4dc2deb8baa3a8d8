package adapter

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/freedm-dgi/broker/pkg/broker/device"
	"github.com/freedm-dgi/broker/pkg/broker/types"
)

const sessionTerminator = "\r\n\r\n"

// sessionTimeout bounds how long a plug-and-play client has to complete its
// enumeration request before being dropped, per spec.md §4.8.
const sessionTimeout = 10 * time.Second

// Builder constructs a device+adapter pair from a decoded enumeration
// request. Supplied by the caller (main) so Factory stays agnostic of how
// requests map to catalogs and simulator addresses.
type Builder func(request string) (*device.Device, device.Adapter, error)

// Manager is the subset of device.Manager a Factory needs: a place to
// register the device a successful enumeration session just built, so it
// becomes usable by algorithm modules instead of vanishing once the session
// closes (spec.md §4.8's entire point of "plug-and-play").
type Manager interface {
	Register(d *device.Device) error
}

// Factory is the plug-and-play TCP server from spec.md §4.8: accepts one
// client at a time on factory-port, reads a `\r\n\r\n`-terminated device
// enumeration request, builds the adapter and device via the supplied
// Builder, registers the device with manager, and acknowledges.
type Factory struct {
	log     types.Logger
	builder Builder
	manager Manager

	listener net.Listener
	stop     chan struct{}
	done     chan struct{}
}

// NewFactory constructs a Factory bound to addr, delegating device
// construction to builder and registering every built device with manager.
func NewFactory(addr string, builder Builder, manager Manager, log types.Logger) (*Factory, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Factory{log: log, builder: builder, manager: manager, listener: ln, stop: make(chan struct{}), done: make(chan struct{})}, nil
}

// Run accepts one client at a time until Close is called.
func (f *Factory) Run() {
	defer close(f.done)
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.stop:
				return
			default:
			}
			f.log.Warnf("factory: accept failed: %v", err)
			continue
		}
		f.serve(conn)
	}
}

func (f *Factory) serve(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(sessionTimeout))

	request, err := readUntilTerminator(conn)
	if err != nil {
		f.log.Warnf("factory: session timed out or closed before enumeration request: %v", err)
		return
	}

	d, _, err := f.builder(request)
	if err != nil {
		f.log.Warnf("factory: discarding partially built adapter: %v", err)
		fmt.Fprint(conn, "400 BADREQUEST\r\n\r\n")
		return
	}

	if err := f.manager.Register(d); err != nil {
		f.log.Warnf("factory: could not register device %q: %v", d.ID, err)
		fmt.Fprint(conn, "409 CONFLICT\r\n\r\n")
		return
	}

	fmt.Fprint(conn, "200 OK\r\n\r\n")
}

// readUntilTerminator reads bytes until sessionTerminator is seen, per
// spec.md §6: "request messages are ASCII lines terminated by \r\n\r\n."
func readUntilTerminator(conn net.Conn) (string, error) {
	reader := bufio.NewReader(conn)
	var sb strings.Builder
	for {
		line, err := reader.ReadString('\n')
		sb.WriteString(line)
		if err != nil {
			return "", err
		}
		if strings.HasSuffix(sb.String(), sessionTerminator) {
			return strings.TrimSuffix(sb.String(), sessionTerminator), nil
		}
	}
}

// Close stops accepting new sessions.
func (f *Factory) Close() error {
	close(f.stop)
	err := f.listener.Close()
	<-f.done
	return err
}
