// Package config loads the participant configuration document (spec §6):
// a YAML/JSON file naming the participant's controllers, data endpoints,
// logging sinks, and health-check timeouts. Keys that match no field are
// dropped by the decoder; no warning is logged for them.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	ierrors "github.com/vectorbus/ibus/internal/ibus/errors"
)

// ControllerConfig is the shared shape of CanControllers/LinControllers/
// FlexRayControllers/EthernetControllers entries.
type ControllerConfig struct {
	Name    string `yaml:"Name" mapstructure:"Name"`
	Network string `yaml:"Network" mapstructure:"Network"`
}

// DataEndpointConfig is the shared shape of DataPublishers/DataSubscribers.
type DataEndpointConfig struct {
	Name      string            `yaml:"Name" mapstructure:"Name"`
	Topic     string            `yaml:"Topic" mapstructure:"Topic"`
	MediaType string            `yaml:"MediaType" mapstructure:"MediaType"`
	Labels    map[string]string `yaml:"Labels" mapstructure:"Labels"`
	History   int               `yaml:"History" mapstructure:"History"`
}

// Sink is one entry of Logging.Sinks.
type Sink struct {
	Type  string `yaml:"Type" mapstructure:"Type"`
	Level string `yaml:"Level" mapstructure:"Level"`
	Path  string `yaml:"Path" mapstructure:"Path"`
}

// LoggingConfig is the Logging block of spec §6.
type LoggingConfig struct {
	Sinks []Sink `yaml:"Sinks" mapstructure:"Sinks"`

	// RemoteWriter is not part of the document; it is supplied
	// programmatically by whoever wires a Remote sink to a live
	// Registry connection (see internal/config/logger).
	RemoteWriter io.Writer `yaml:"-" mapstructure:"-"`
}

// HealthCheckConfig is the HealthCheck block of spec §6.
type HealthCheckConfig struct {
	SoftResponseTimeout time.Duration `yaml:"SoftResponseTimeout" mapstructure:"SoftResponseTimeout"`
	HardResponseTimeout time.Duration `yaml:"HardResponseTimeout" mapstructure:"HardResponseTimeout"`
}

// Config is the full participant configuration document.
type Config struct {
	ParticipantName string `yaml:"ParticipantName" mapstructure:"ParticipantName"`

	RegistryURI string `yaml:"RegistryURI" mapstructure:"RegistryURI" env:"IBUS_REGISTRY_URI"`

	CanControllers     []ControllerConfig `yaml:"CanControllers" mapstructure:"CanControllers"`
	LinControllers     []ControllerConfig `yaml:"LinControllers" mapstructure:"LinControllers"`
	FlexRayControllers []ControllerConfig `yaml:"FlexRayControllers" mapstructure:"FlexRayControllers"`
	EthernetControllers []ControllerConfig `yaml:"EthernetControllers" mapstructure:"EthernetControllers"`

	DataPublishers  []DataEndpointConfig `yaml:"DataPublishers" mapstructure:"DataPublishers"`
	DataSubscribers []DataEndpointConfig `yaml:"DataSubscribers" mapstructure:"DataSubscribers"`

	Logging     LoggingConfig     `yaml:"Logging" mapstructure:"Logging"`
	HealthCheck HealthCheckConfig `yaml:"HealthCheck" mapstructure:"HealthCheck"`
}

// DefaultConfig returns the configuration used when no document is loaded.
func DefaultConfig() *Config {
	return &Config{
		RegistryURI: DefaultRegistryAddress,
		Logging: LoggingConfig{
			Sinks: []Sink{{Type: SinkStdout, Level: "Info"}},
		},
		HealthCheck: HealthCheckConfig{
			SoftResponseTimeout: DefaultSoftResponseTimeout,
			HardResponseTimeout: DefaultHardResponseTimeout,
		},
	}
}

// Load reads path (YAML or JSON, viper auto-detects) and layers the
// IBUS_REGISTRY_URI environment override on top, the way the domain-stack
// addition in SPEC_FULL.md §3 describes.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return nil, fmt.Errorf("%w: %w", ierrors.ErrFailedToReadConfig, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %w", ierrors.ErrFailedToParseConfig, err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ierrors.ErrFailedToParseConfig, err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ierrors.ErrFailedToParseConfig, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(participantNameOverride(path)); err != nil {
		return nil, err
	}

	return cfg, nil
}

func participantNameOverride(_ string) string { return "" }

func (c *Config) applyDefaults() {
	if c.RegistryURI == "" {
		c.RegistryURI = DefaultRegistryAddress
	}

	if len(c.Logging.Sinks) == 0 {
		c.Logging.Sinks = []Sink{{Type: SinkStdout, Level: "Info"}}
	}

	if c.HealthCheck.SoftResponseTimeout == 0 {
		c.HealthCheck.SoftResponseTimeout = DefaultSoftResponseTimeout
	}

	if c.HealthCheck.HardResponseTimeout == 0 {
		c.HealthCheck.HardResponseTimeout = DefaultHardResponseTimeout
	}

	for _, group := range [][]ControllerConfig{c.CanControllers, c.LinControllers, c.FlexRayControllers, c.EthernetControllers} {
		for i := range group {
			if group[i].Network == "" {
				group[i].Network = group[i].Name
			}
		}
	}
}

// Validate checks the document invariants: a participant name must be known
// (either in the document or supplied at CreateParticipant call — callerName
// covers the latter), and controller names must be unique per kind.
func (c *Config) Validate(callerName string) error {
	if c.ParticipantName == "" && callerName == "" {
		return ierrors.ErrMissingParticipantName
	}

	for _, group := range [][]ControllerConfig{c.CanControllers, c.LinControllers, c.FlexRayControllers, c.EthernetControllers} {
		seen := make(map[string]bool, len(group))
		for _, ctrl := range group {
			if seen[ctrl.Name] {
				return fmt.Errorf("%w: %s", ierrors.ErrDuplicateControllerName, ctrl.Name)
			}
			seen[ctrl.Name] = true
		}
	}

	return nil
}

// NetworkFor resolves the effective network name for a controller the way
// spec §6 describes: the configured network overrides the programmatic one
// when the controller is present in the document; otherwise the
// programmatic network (defaulting to the controller name) is used.
func NetworkFor(configured []ControllerConfig, name, programmaticNetwork string) string {
	for _, ctrl := range configured {
		if ctrl.Name == name {
			if ctrl.Network != "" {
				return ctrl.Network
			}
			return name
		}
	}

	if programmaticNetwork != "" {
		return programmaticNetwork
	}

	return name
}
