package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the optional TOML configuration for the monitor.
type Config struct {
	// Script is the path of the Lua script to run under the debugger.
	Script string `toml:"script"`

	// Evaluate lists expressions sent as evaluate requests once the script
	// has run.
	Evaluate []string `toml:"evaluate"`

	// Tuning overrides the process-wide engine sizing.
	Tuning TuningConfig `toml:"tuning"`
}

// TuningConfig mirrors the engine's process-wide sizing knobs.
type TuningConfig struct {
	RegistrySize  int `toml:"registry_size"`
	CallStackSize int `toml:"call_stack_size"`
}

// loadConfig reads and parses a TOML config file.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
