package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g.
// SHELLBRIDGE_DEBUGGER_ENDPOINT or SHELLBRIDGE_TIMEOUTS_REQUEST=45s.
const EnvPrefix = "shellbridge"

// ApplyEnv overlays environment variables onto cfg. Variables that are not
// set leave the current value alone.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// Load reads the config file at path, or the global config file when path is
// empty, then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if path != "" {
		cfg, err = LoadConfigFile(path)
	} else {
		cfg, err = LoadGlobalConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
