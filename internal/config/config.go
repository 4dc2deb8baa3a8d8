// Package config loads the broker's key=value configuration file described
// in spec.md §6: "listen address, port, factory-port, uuid, hostname,
// clock-skew, topology path, logger verbosity, timing constants." It uses
// viper, the configuration library the broader example corpus reaches for,
// rather than a hand-rolled key=value parser.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved broker configuration a process starts from.
type Config struct {
	ListenAddress string
	ListenPort    uint16
	FactoryPort   uint16
	UUID          string
	Hostname      string
	ClockSkew     time.Duration
	TopologyPath  string
	LogVerbosity  string

	BridgePort       uint16
	BridgeVectorSize int

	AlignmentDuration  time.Duration
	RetransmitInterval time.Duration
	BeaconFrequency    time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen-address", "0.0.0.0")
	v.SetDefault("port", 1870)
	v.SetDefault("factory-port", 1871)
	v.SetDefault("clock-skew", 0)
	v.SetDefault("log-verbosity", "info")
	v.SetDefault("bridge-port", 1872)
	v.SetDefault("bridge-vector-size", 64)
	v.SetDefault("alignment-duration", "250ms")
	v.SetDefault("retransmit-interval", "500ms")
	v.SetDefault("beacon-frequency", "2s")
}

// Load reads the broker config at path (any format viper supports: ini,
// yaml, json, or plain key=value via the "properties" format) and validates
// the fields that are fatal to start without, per spec.md §7's
// Configuration error class.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("broker: reading config %s: %w", path, err)
	}

	cfg := &Config{
		ListenAddress: v.GetString("listen-address"),
		ListenPort:    uint16(v.GetUint32("port")),
		FactoryPort:   uint16(v.GetUint32("factory-port")),
		UUID:          v.GetString("uuid"),
		Hostname:      v.GetString("hostname"),
		ClockSkew:     v.GetDuration("clock-skew"),
		TopologyPath:  v.GetString("topology-path"),
		LogVerbosity:  v.GetString("log-verbosity"),

		BridgePort:       uint16(v.GetUint32("bridge-port")),
		BridgeVectorSize: v.GetInt("bridge-vector-size"),

		AlignmentDuration:  v.GetDuration("alignment-duration"),
		RetransmitInterval: v.GetDuration("retransmit-interval"),
		BeaconFrequency:    v.GetDuration("beacon-frequency"),
	}

	if cfg.UUID == "" {
		return nil, fmt.Errorf("broker: config %s: missing required field \"uuid\"", path)
	}
	if cfg.TopologyPath == "" {
		return nil, fmt.Errorf("broker: config %s: missing required field \"topology-path\"", path)
	}
	return cfg, nil
}
