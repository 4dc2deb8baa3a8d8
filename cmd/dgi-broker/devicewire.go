package main

import (
	"fmt"
	"strings"

	"github.com/freedm-dgi/broker/pkg/broker/adapter"
	"github.com/freedm-dgi/broker/pkg/broker/device"
	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// newDeviceBuilder returns the adapter.Builder a Factory uses to satisfy a
// plug-and-play enumeration request: "<device-id> <type-name>", looked up
// against catalog, backed by a fresh BufferAdapter carrying every signal the
// device's flattened type declares (spec.md §4.8).
func newDeviceBuilder(catalog *device.Catalog, log types.Logger) adapter.Builder {
	return func(request string) (*device.Device, device.Adapter, error) {
		fields := strings.Fields(request)
		if len(fields) != 2 {
			return nil, nil, fmt.Errorf("broker: malformed enumeration request %q: want \"<id> <type>\"", request)
		}
		id, typeName := fields[0], fields[1]

		info, ok := catalog.Info(typeName)
		if !ok {
			return nil, nil, fmt.Errorf("broker: unknown device type %q", typeName)
		}

		a := adapter.NewBufferAdapter()
		if err := registerSignals(a.RegisterState, id, info.States); err != nil {
			return nil, nil, err
		}
		if err := registerSignals(a.RegisterCommand, id, info.Commands); err != nil {
			return nil, nil, err
		}
		if err := a.Start(); err != nil {
			return nil, nil, err
		}

		log.Infof("factory: built device %q of type %q (%d states, %d commands)", id, typeName, len(info.States), len(info.Commands))
		return device.New(id, info, a), a, nil
	}
}

func registerSignals(register func(deviceID, signal string, idx int) error, id string, signals map[string]struct{}) error {
	idx := 0
	for signal := range signals {
		if err := register(id, signal, idx); err != nil {
			return err
		}
		idx++
	}
	return nil
}
