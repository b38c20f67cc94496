package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can say "90s" or "2m".
// Bare integers are treated as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}

	var secs int64
	if err := n.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete brigade configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service" validate:"required"`
	Journal  JournalConfig  `yaml:"journal"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string   `yaml:"name" validate:"required"`
	LogLevel     string   `yaml:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	LogFormat    string   `yaml:"log_format" validate:"omitempty,oneof=json text"`
	RelayTimeout Duration `yaml:"relay_timeout" validate:"min=0"`
	HubCapacity  int      `yaml:"hub_capacity" validate:"min=0"`
}

// JournalConfig defines relay journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DispatchConfig defines matcher/relay policies.
type DispatchConfig struct {
	// RejectBusyOffduty controls what happens when an offduty event names a
	// staff member that is mid-relay. True (default) rejects the event with
	// a busy error; false evicts the entry and lets the in-flight relay
	// fail on its channel.
	RejectBusyOffduty *bool `yaml:"reject_busy_offduty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	rejectBusy := true
	return &Config{
		Service: ServiceConfig{
			Name:         "brigade",
			LogLevel:     "INFO",
			LogFormat:    "json",
			RelayTimeout: Duration(120 * time.Second),
			HubCapacity:  100,
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    "data/brigade.db",
		},
		Dispatch: DispatchConfig{
			RejectBusyOffduty: &rejectBusy,
		},
	}
}

// RejectBusyOffduty resolves the policy with its default.
func (c *Config) RejectBusyOffduty() bool {
	if c.Dispatch.RejectBusyOffduty == nil {
		return true
	}
	return *c.Dispatch.RejectBusyOffduty
}
