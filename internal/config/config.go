// SPDX-License-Identifier: MIT

// Package config loads runtime configuration: YAML file first, then
// SIMOPT_* environment overrides, then validation. Every field has a
// working default so a bare binary starts against local stores.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	// Listen is the ops HTTP endpoint (health, readiness, metrics).
	Listen string `yaml:"listen"`

	// DBPath is the SQLite database holding sessions, queues and results.
	DBPath string `yaml:"db_path"`

	// VerifyDB runs an integrity check on startup: "", "quick" or "full".
	VerifyDB string `yaml:"verify_db"`

	// Consumers is the number of parallel message consumers.
	Consumers int `yaml:"consumers"`

	Redis     RedisConfig     `yaml:"redis"`
	Worker    WorkerConfig    `yaml:"worker"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Log       LogConfig       `yaml:"log"`
}

// RedisConfig configures the checkpoint store. An empty Addr disables
// Redis; the runtime then runs without a continuation store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WorkerConfig tunes the chained-execution runtime.
type WorkerConfig struct {
	Budget           time.Duration `yaml:"budget"`
	SafetyMargin     time.Duration `yaml:"safety_margin"`
	MaxContinuations int           `yaml:"max_continuations"`
	CheckpointTTL    time.Duration `yaml:"checkpoint_ttl"`
	StuckAfter       time.Duration `yaml:"stuck_after"`
}

// OptimizerConfig tunes sequence generation.
type OptimizerConfig struct {
	MaxSequences       int  `yaml:"max_sequences"`
	RandomSeeds        int  `yaml:"random_seeds"`
	FirstInstanceLimit int  `yaml:"first_instance_limit"`
	BatchSize          int  `yaml:"batch_size"`
	TypeBalanced       bool `yaml:"type_balanced"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"` // json or console
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Listen:    ":8080",
		DBPath:    "simopt.sqlite",
		Consumers: 4,
		Worker: WorkerConfig{
			Budget:           15 * time.Minute,
			SafetyMargin:     30 * time.Second,
			MaxContinuations: 20,
			CheckpointTTL:    time.Hour,
			StuckAfter:       2 * time.Hour,
		},
		Optimizer: OptimizerConfig{
			MaxSequences:       240,
			RandomSeeds:        32,
			FirstInstanceLimit: 2000,
			BatchSize:          10,
		},
		Log: LogConfig{Level: "info", Output: "json"},
	}
}

// Load reads the YAML file at path (if any), applies environment
// overrides and validates the result. An empty path skips the file step.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the runtime cannot operate on.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db_path must not be empty")
	}
	if c.Consumers < 1 {
		return fmt.Errorf("config: consumers must be >= 1, got %d", c.Consumers)
	}
	switch c.VerifyDB {
	case "", "quick", "full":
	default:
		return fmt.Errorf("config: verify_db must be empty, quick or full, got %q", c.VerifyDB)
	}
	if c.Worker.Budget <= c.Worker.SafetyMargin {
		return fmt.Errorf("config: worker budget %s must exceed safety margin %s",
			c.Worker.Budget, c.Worker.SafetyMargin)
	}
	if c.Worker.MaxContinuations < 1 {
		return fmt.Errorf("config: max_continuations must be >= 1, got %d", c.Worker.MaxContinuations)
	}
	if c.Optimizer.MaxSequences < 1 {
		return fmt.Errorf("config: max_sequences must be >= 1, got %d", c.Optimizer.MaxSequences)
	}
	if c.Optimizer.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.Optimizer.BatchSize)
	}
	switch c.Log.Output {
	case "json", "console":
	default:
		return fmt.Errorf("config: log output must be json or console, got %q", c.Log.Output)
	}
	return nil
}
