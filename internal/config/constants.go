package config

import "time"

// Application metadata.
const (
	AppName = "ibus"
	Version = "0.1.0"

	ConfigFile = "participant.yaml"
)

// Sink types recognized under Logging.Sinks (spec §6).
const (
	SinkFile   = "File"
	SinkRemote = "Remote"
	SinkStdout = "Stdout"
)

// Service types a controller/endpoint is announced as (spec §3).
const (
	ServiceController         = "Controller"
	ServiceLink               = "Link"
	ServiceSimulatedLink      = "SimulatedLink"
	ServiceInternalController = "InternalController"
)

// Default listen address for the Registry (spec §6).
const (
	DefaultRegistryAddress = "127.0.0.1:8500"
	DialTimeout            = 5 * time.Second
)

// HealthCheck default timeouts (spec §5 watchdog, §6 HealthCheck).
const (
	DefaultSoftResponseTimeout = 2 * time.Second
	DefaultHardResponseTimeout = 5 * time.Second
)
