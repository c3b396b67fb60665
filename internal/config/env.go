// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"
)

// Environment overrides. Every key maps onto one config field; unset or
// unparseable values leave the field untouched.
const (
	envListen           = "SIMOPT_LISTEN"
	envDBPath           = "SIMOPT_DB_PATH"
	envVerifyDB         = "SIMOPT_VERIFY_DB"
	envConsumers        = "SIMOPT_CONSUMERS"
	envRedisAddr        = "SIMOPT_REDIS_ADDR"
	envRedisPassword    = "SIMOPT_REDIS_PASSWORD"
	envRedisDB          = "SIMOPT_REDIS_DB"
	envWorkerBudget     = "SIMOPT_WORKER_BUDGET"
	envSafetyMargin     = "SIMOPT_WORKER_SAFETY_MARGIN"
	envMaxContinuations = "SIMOPT_WORKER_MAX_CONTINUATIONS"
	envCheckpointTTL    = "SIMOPT_CHECKPOINT_TTL"
	envStuckAfter       = "SIMOPT_WORKER_STUCK_AFTER"
	envMaxSequences     = "SIMOPT_MAX_SEQUENCES"
	envLogLevel         = "SIMOPT_LOG_LEVEL"
	envLogOutput        = "SIMOPT_LOG_OUTPUT"
)

func applyEnv(cfg *Config) {
	overrideString(envListen, &cfg.Listen)
	overrideString(envDBPath, &cfg.DBPath)
	overrideString(envVerifyDB, &cfg.VerifyDB)
	overrideInt(envConsumers, &cfg.Consumers)
	overrideString(envRedisAddr, &cfg.Redis.Addr)
	overrideString(envRedisPassword, &cfg.Redis.Password)
	overrideInt(envRedisDB, &cfg.Redis.DB)
	overrideDuration(envWorkerBudget, &cfg.Worker.Budget)
	overrideDuration(envSafetyMargin, &cfg.Worker.SafetyMargin)
	overrideInt(envMaxContinuations, &cfg.Worker.MaxContinuations)
	overrideDuration(envCheckpointTTL, &cfg.Worker.CheckpointTTL)
	overrideDuration(envStuckAfter, &cfg.Worker.StuckAfter)
	overrideInt(envMaxSequences, &cfg.Optimizer.MaxSequences)
	overrideString(envLogLevel, &cfg.Log.Level)
	overrideString(envLogOutput, &cfg.Log.Output)
}

func overrideString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func overrideInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideDuration(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
