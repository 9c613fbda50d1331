package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML configuration file and unmarshals it into the specified type.
// T must be a struct type that can be unmarshaled from YAML.
func LoadConfig[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg T
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// LoadDaemonConfig reads a daemon YAML configuration file, applies defaults
// and validates the result.
func LoadDaemonConfig(path string) (*Daemon, error) {
	logger := log.With().Str("com", "config-loader").Logger()

	cfg, err := LoadConfig[Daemon](path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daemon configuration validation failed: %w", err)
	}

	r := cfg.Reassembly
	logger.Info().
		Str("node_id", cfg.NodeID).
		Int("max_contexts", *r.MaxContexts).
		Int("max_fragments", *r.MaxFragments).
		Int("ttl_ticks", r.TTLTicks).
		Dur("tick_interval", r.TickInterval).
		Msg("loaded daemon configuration")

	return cfg, nil
}
