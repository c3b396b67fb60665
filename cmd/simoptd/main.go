// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/ManuGH/simopt/internal/checkpoint"
	"github.com/ManuGH/simopt/internal/config"
	"github.com/ManuGH/simopt/internal/daemon"
	"github.com/ManuGH/simopt/internal/health"
	simlog "github.com/ManuGH/simopt/internal/log"
	"github.com/ManuGH/simopt/internal/persistence/sqlite"
	"github.com/ManuGH/simopt/internal/queue"
	"github.com/ManuGH/simopt/internal/store"
	"github.com/ManuGH/simopt/internal/version"
	"github.com/ManuGH/simopt/internal/worker"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("simoptd %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simoptd: %v\n", err)
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if cfg.Log.Output == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	simlog.Configure(simlog.Config{
		Level:   cfg.Log.Level,
		Output:  out,
		Service: "simopt",
		Version: version.Version,
	})
	logger := simlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.VerifyDB != "" {
		issues, err := sqlite.VerifyIntegrity(cfg.DBPath, cfg.VerifyDB)
		if err != nil {
			logger.Fatal().Err(err).Str("event", "db.verify_failed").Msg("database verification failed")
		}
		if len(issues) > 0 {
			logger.Fatal().Strs("issues", issues).Str("event", "db.corrupt").Msg("database integrity check found issues")
		}
	}

	st, err := store.NewSqliteStore(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "db.open_failed").Str("path", cfg.DBPath).Msg("cannot open optimization store")
	}
	defer func() { _ = st.Close() }()

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewDatabaseChecker(st.DB))

	// The checkpoint store is optional: without it the runtime fails
	// over-budget batches instead of chaining them.
	var ckpt checkpoint.Store
	if cfg.Redis.Addr != "" {
		rs, err := checkpoint.NewRedisStore(checkpoint.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, simlog.WithComponent("checkpoint"))
		if err != nil {
			logger.Fatal().Err(err).Str("event", "checkpoint.connect_failed").Msg("cannot connect checkpoint store")
		}
		defer func() { _ = rs.Close() }()
		ckpt = rs
		hm.RegisterChecker(health.NewCheckpointChecker(rs.HealthCheck))
	} else {
		logger.Warn().Str("event", "checkpoint.disabled").Msg("no redis configured, over-budget batches will fail instead of chaining")
		hm.RegisterChecker(health.NewCheckpointChecker(nil))
	}

	// A delivery must stay invisible for at least one full worker invocation,
	// or the queue redelivers batches that are still being optimized.
	q := queue.NewMemoryQueue(queue.WithVisibility(cfg.Worker.Budget + cfg.Worker.SafetyMargin))
	defer q.Close()
	events := queue.NewMemoryQueue()
	defer events.Close()

	rt := worker.New(worker.Config{
		Budget:           cfg.Worker.Budget,
		SafetyMargin:     cfg.Worker.SafetyMargin,
		MaxContinuations: cfg.Worker.MaxContinuations,
		CheckpointTTL:    cfg.Worker.CheckpointTTL,
	}, q, st, ckpt, &worker.StoreLoader{Store: st, Catalog: st}, simlog.WithComponent("worker"))

	app := &daemon.App{
		Config:  cfg,
		Store:   st,
		Queue:   q,
		Events:  events,
		Runtime: rt,
		Health:  hm,
		Logger:  logger,
	}

	logger.Info().
		Str("event", "daemon.starting").
		Str("version", version.Version).
		Int("consumers", cfg.Consumers).
		Msg("starting simoptd")

	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("run group failed")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}
