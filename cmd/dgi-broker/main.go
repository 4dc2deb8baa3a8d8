// Command dgi-broker runs one FREEDM DGI broker process: it loads the
// broker configuration, wires the registry/dispatcher/scheduler/
// clock-synchronizer/device stack described in spec.md, and runs until
// SIGINT or SIGTERM.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/freedm-dgi/broker/internal/config"
	"github.com/freedm-dgi/broker/pkg/broker/adapter"
	"github.com/freedm-dgi/broker/pkg/broker/bridge"
	"github.com/freedm-dgi/broker/pkg/broker/clocksync"
	"github.com/freedm-dgi/broker/pkg/broker/device"
	"github.com/freedm-dgi/broker/pkg/broker/dispatch"
	"github.com/freedm-dgi/broker/pkg/broker/logging"
	"github.com/freedm-dgi/broker/pkg/broker/metrics"
	"github.com/freedm-dgi/broker/pkg/broker/registry"
	"github.com/freedm-dgi/broker/pkg/broker/scheduler"
	"github.com/freedm-dgi/broker/pkg/broker/transport"
	"github.com/freedm-dgi/broker/pkg/broker/types"
)

// gmModule is the sole scheduler module this process registers today: the
// "group management" phase that owns every ambient per-tick driver
// (retransmission, clock-sync beaconing) until algorithm modules register
// their own phases alongside it.
const gmModule scheduler.ModuleID = "gm"

// runtime is the explicit, per-process wiring of every long-lived
// component, replacing the teacher's package-level singletons per spec.md
// §9's Design Notes: "replace with an explicit per-process runtime context
// passed by reference at construction; lifetime = the main entry
// function's scope."
type runtime struct {
	cfg       *config.Config
	log       types.Logger
	metrics   *metrics.Metrics
	registry  *registry.Registry
	dispatch  *dispatch.Dispatcher
	broker    *scheduler.Broker
	clocksync *clocksync.Synchronizer
	devices   *device.Manager
	listener  *transport.Listener
	factory   *adapter.Factory
	bridge    *bridge.Bridge
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: dgi-broker <config-path>")
		os.Exit(1)
	}

	rt, err := build(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "dgi-broker: startup failed: %v\n", err)
		os.Exit(1)
	}

	rt.log.Infof("dgi-broker: listening on %s:%d as %s", rt.cfg.ListenAddress, rt.cfg.ListenPort, rt.cfg.UUID)

	go rt.listener.Run()
	go rt.factory.Run()
	go rt.bridge.Run()
	go rt.broker.Run()

	<-rt.broker.Done()
	rt.listener.Close()
	rt.factory.Close()
	rt.bridge.Close()
	rt.registry.StopAll()
}

func build(configPath string) (*runtime, error) {
	var errs *multierror.Error

	cfg, err := config.Load(configPath)
	if err != nil {
		errs = multierror.Append(errs, err)
		return nil, errs.ErrorOrNil()
	}

	log := logging.New(logrus.Fields{"peer": cfg.UUID})
	log.ToggleDebug(cfg.LogVerbosity == "debug")

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)
	go serveMetrics(reg, log)

	topology, err := os.Open(cfg.TopologyPath)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("opening topology %s: %w", cfg.TopologyPath, err))
		return nil, errs.ErrorOrNil()
	}
	catalog, err := device.BuildCatalog(topology)
	topology.Close()
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("parsing topology %s: %w", cfg.TopologyPath, err))
		return nil, errs.ErrorOrNil()
	}
	devices := device.NewManager(catalog)

	registryInstance := registry.New(nil, log)
	registryInstance.SetMetrics(met)
	dispatcher := dispatch.New(log)
	clock := clocksync.New(log)
	broker := scheduler.New(log)
	broker.SetMetrics(met)

	listenAddr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort)
	listener, err := transport.Listen(listenAddr, registryInstance, dispatcher, log)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("binding %s: %w", listenAddr, err))
		return nil, errs.ErrorOrNil()
	}
	registryInstance.SetSender(listener)

	factoryAddr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.FactoryPort)
	factory, err := adapter.NewFactory(factoryAddr, newDeviceBuilder(catalog, log), devices, log)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("binding factory %s: %w", factoryAddr, err))
		return nil, errs.ErrorOrNil()
	}

	bridgeAddr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.BridgePort)
	tables := bridge.NewTables(cfg.BridgeVectorSize)
	simBridge, err := bridge.New(bridgeAddr, tables, log)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("binding bridge %s: %w", bridgeAddr, err))
		return nil, errs.ErrorOrNil()
	}

	if err := broker.RegisterModule(gmModule, cfg.AlignmentDuration, func() {
		registryInstance.StopAll()
	}); err != nil {
		errs = multierror.Append(errs, err)
		return nil, errs.ErrorOrNil()
	}

	clockBridge := &clockSyncBridge{registry: registryInstance, sync: clock, log: log}
	dispatcher.RegisterReadHandler(clockSyncTag, clockBridge.onMessage)

	scheduleRepeating(broker, gmModule, cfg.RetransmitInterval, func() {
		registryInstance.Tick(time.Now())
	})
	scheduleRepeating(broker, gmModule, cfg.BeaconFrequency, func() {
		for _, peer := range registryInstance.Peers() {
			e := clock.BeginExchange(peer)
			if err := clockBridge.SendExchange(peer, e); err != nil {
				log.Warnf("clocksync: beacon to %s failed: %v", peer, err)
				clock.MissedExchange(peer)
			}
		}
	})

	return &runtime{
		cfg:       cfg,
		log:       log,
		metrics:   met,
		registry:  registryInstance,
		dispatch:  dispatcher,
		broker:    broker,
		clocksync: clock,
		devices:   devices,
		listener:  listener,
		factory:   factory,
		bridge:    simBridge,
	}, nil
}

// scheduleRepeating arms a carry-through timer on mod that, every time it
// fires, runs job and immediately re-arms itself for another interval —
// the self-rescheduling pattern spec.md §4.6 rule 3 implies for periodic
// ambient drivers (retransmission, clock-sync beaconing) that must keep
// running across every module's phase, not just their owner's.
func scheduleRepeating(b *scheduler.Broker, mod scheduler.ModuleID, interval time.Duration, job scheduler.Job) {
	var tick scheduler.Job
	tick = func() {
		job()
		b.ScheduleTimer(mod, interval, tick, true)
	}
	b.ScheduleTimer(mod, interval, tick, true)
}

func serveMetrics(reg *prometheus.Registry, log types.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe("127.0.0.1:9090", mux); err != nil {
		log.Warnf("metrics: server exited: %v", err)
	}
}
