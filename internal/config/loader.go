package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. A directory path is
// accepted and resolved to <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	// Resolve to absolute path for consistent relative path resolution
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		// Directory provided - look for config.yaml inside
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand ${ENV_VAR} references before parsing.
	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", absPath, err)
	}

	cfg = applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks a Config against its struct tags.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when journal.enabled is true")
	}
	return nil
}

// applyDefaults fills zero-valued fields from Defaults.
func applyDefaults(cfg *Config) *Config {
	def := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = def.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = def.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = def.Service.LogFormat
	}
	if cfg.Service.RelayTimeout == 0 {
		cfg.Service.RelayTimeout = def.Service.RelayTimeout
	}
	if cfg.Service.HubCapacity == 0 {
		cfg.Service.HubCapacity = def.Service.HubCapacity
	}
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		cfg.Journal.Path = def.Journal.Path
	}
	if cfg.Dispatch.RejectBusyOffduty == nil {
		cfg.Dispatch.RejectBusyOffduty = def.Dispatch.RejectBusyOffduty
	}

	return cfg
}
