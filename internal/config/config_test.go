// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, 4, cfg.Consumers)
	require.Equal(t, 15*time.Minute, cfg.Worker.Budget)
	require.Equal(t, 30*time.Second, cfg.Worker.SafetyMargin)
	require.Equal(t, 20, cfg.Worker.MaxContinuations)
	require.Equal(t, time.Hour, cfg.Worker.CheckpointTTL)
	require.Equal(t, 240, cfg.Optimizer.MaxSequences)
	require.Equal(t, 2000, cfg.Optimizer.FirstInstanceLimit)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simopt.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
db_path: /var/lib/simopt/opt.sqlite
consumers: 8
redis:
  addr: "redis:6379"
  db: 2
worker:
  budget: 10m
  max_continuations: 5
optimizer:
  max_sequences: 64
  type_balanced: true
log:
  level: debug
  output: console
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, "/var/lib/simopt/opt.sqlite", cfg.DBPath)
	require.Equal(t, 8, cfg.Consumers)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, 2, cfg.Redis.DB)
	require.Equal(t, 10*time.Minute, cfg.Worker.Budget)
	require.Equal(t, 5, cfg.Worker.MaxContinuations)
	require.Equal(t, 30*time.Second, cfg.Worker.SafetyMargin, "unset fields keep defaults")
	require.Equal(t, 64, cfg.Optimizer.MaxSequences)
	require.True(t, cfg.Optimizer.TypeBalanced)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simopt.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bogus_key: 1\n"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simopt.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9090\"\n"), 0o600))
	t.Setenv(envListen, ":7070")
	t.Setenv(envWorkerBudget, "5m")
	t.Setenv(envMaxSequences, "12")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Listen)
	require.Equal(t, 5*time.Minute, cfg.Worker.Budget)
	require.Equal(t, 12, cfg.Optimizer.MaxSequences)
}

func TestValidate_Rejections(t *testing.T) {
	cases := map[string]func(*Config){
		"empty listen":          func(c *Config) { c.Listen = "" },
		"empty db path":         func(c *Config) { c.DBPath = "" },
		"zero consumers":        func(c *Config) { c.Consumers = 0 },
		"bad verify mode":       func(c *Config) { c.VerifyDB = "paranoid" },
		"margin exceeds budget": func(c *Config) { c.Worker.Budget = 10 * time.Second },
		"zero continuations":    func(c *Config) { c.Worker.MaxContinuations = 0 },
		"zero sequences":        func(c *Config) { c.Optimizer.MaxSequences = 0 },
		"bad log output":        func(c *Config) { c.Log.Output = "xml" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
