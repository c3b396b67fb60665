// SPDX-License-Identifier: MIT

// Package daemon owns the long-lived runtime lifecycle: the worker
// consumers, the session coordinators, the stuck-queue sweeper and the
// ops HTTP listener. Construction happens in cmd/simoptd; this package
// only runs what it is handed.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/simopt/internal/config"
	"github.com/ManuGH/simopt/internal/coordinator"
	"github.com/ManuGH/simopt/internal/health"
	"github.com/ManuGH/simopt/internal/log"
	"github.com/ManuGH/simopt/internal/queue"
	"github.com/ManuGH/simopt/internal/store"
	"github.com/ManuGH/simopt/internal/worker"
)

// sweepInterval is how often the stuck-queue sweeper runs. Worker.StuckAfter
// controls how old a RUNNING queue must be before it is abandoned.
const sweepInterval = 5 * time.Minute

// coordinatorScanInterval is how often the daemon looks for active sessions
// that do not have a coordinator yet.
const coordinatorScanInterval = 30 * time.Second

// App owns the run group. All subsystems stop via context cancellation.
type App struct {
	Config  config.Config
	Store   store.Store
	Queue   queue.Queue
	Events  queue.Queue // session_complete events, drained by the event pump
	Runtime *worker.Runtime
	Health  *health.Manager
	Logger  zerolog.Logger

	// Notifier is invoked for every drained session_complete event. nil
	// means the event is only logged. A deployment that feeds a report
	// generator or webhook plugs in here.
	Notifier func(sessionID int64)

	// Clock drives coordinator backoff. Tests inject a fake clock; nil
	// means real time.
	Clock clockwork.Clock

	mu      sync.Mutex
	tracked map[int64]bool // sessions with a live coordinator
}

// Run starts all subsystems and blocks until ctx is cancelled or a fatal
// error occurs.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	a.tracked = make(map[int64]bool)

	a.runOpsServer(ctx, g)

	for i := 0; i < a.Config.Consumers; i++ {
		workerID := uuid.NewString()[:8]
		c := &worker.Consumer{
			Queue:   a.Queue,
			Runtime: a.Runtime,
			Logger:  a.Logger.With().Str(log.FieldWorkerID, workerID).Logger(),
		}
		g.Go(func() error { return c.Run(ctx) })
	}

	g.Go(func() error { return a.runCoordinators(ctx, g) })
	g.Go(func() error { return a.runSweeper(ctx) })
	g.Go(func() error { return a.runEventPump(ctx) })

	return g.Wait()
}

// runEventPump drains session_complete events. In a standalone deployment
// the daemon is the end of the line for these: each event is logged, handed
// to the optional Notifier and acknowledged. Without a consumer the events
// queue would grow without bound.
func (a *App) runEventPump(ctx context.Context) error {
	if a.Events == nil {
		return nil
	}
	for {
		d, err := a.Events.Receive(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		sessionID, perr := strconv.ParseInt(d.Message.Attributes[queue.AttrSessionID], 10, 64)
		if perr != nil {
			a.Logger.Error().Str("event", "events.unparseable").Str("message_id", d.Message.ID).Msg("dropping malformed session event")
			d.Ack()
			continue
		}
		a.Logger.Info().
			Int64(log.FieldSessionID, sessionID).
			Str("event", "session.notified").
			Msg("session complete event delivered")
		if a.Notifier != nil {
			a.Notifier(sessionID)
		}
		d.Ack()
	}
}

func (a *App) runOpsServer(ctx context.Context, g *errgroup.Group) {
	r := chi.NewRouter()
	r.Get("/healthz", a.Health.ServeHealth)
	r.Get("/readyz", a.Health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              a.Config.Listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		a.Logger.Info().Str("event", "ops.listening").Str("addr", a.Config.Listen).Msg("ops endpoint up")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// runCoordinators scans for active sessions and attaches one coordinator to
// each. A coordinator stays attached until its session reaches a terminal
// status or stalls.
func (a *App) runCoordinators(ctx context.Context, g *errgroup.Group) error {
	ticker := time.NewTicker(coordinatorScanInterval)
	defer ticker.Stop()

	for {
		ids, err := a.Store.ActiveSessions(ctx)
		if err != nil && ctx.Err() == nil {
			a.Logger.Error().Err(err).Str("event", "coordinator.scan_failed").Msg("active session scan failed")
		}
		for _, id := range ids {
			a.attachCoordinator(ctx, g, id)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (a *App) attachCoordinator(ctx context.Context, g *errgroup.Group, sessionID int64) {
	a.mu.Lock()
	if a.tracked[sessionID] {
		a.mu.Unlock()
		return
	}
	a.tracked[sessionID] = true
	a.mu.Unlock()

	logger := a.Logger.With().Int64(log.FieldSessionID, sessionID).Logger()
	g.Go(func() error {
		defer func() {
			a.mu.Lock()
			delete(a.tracked, sessionID)
			a.mu.Unlock()
		}()

		c := coordinator.New(a.Store, logger)
		c.Events = a.Events
		if a.Clock != nil {
			c.Clock = a.Clock
		}
		report, err := c.WaitForSession(ctx, sessionID)
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, coordinator.ErrSessionStalled):
			logger.Warn().Str("event", "session.stalled").Msg("session exceeded polling budget")
			return nil
		case err != nil:
			logger.Error().Err(err).Str("event", "session.coordinator_failed").Msg("coordinator failed")
			return nil
		}
		if report.Emitted {
			logger.Info().
				Str("event", "session.complete").
				Int("winners", len(report.Winners)).
				Ints64("groups_without_winner", report.GroupsWithoutWinner).
				Msg("session complete")
		}
		return nil
	})
}

func (a *App) runSweeper(ctx context.Context) error {
	maxAge := a.Config.Worker.StuckAfter
	if maxAge <= 0 {
		return nil
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := a.Store.AbandonStuck(ctx, maxAge)
			if err != nil {
				a.Logger.Error().Err(err).Str("event", "sweep.failed").Msg("stuck queue sweep failed")
				continue
			}
			if n > 0 {
				a.Logger.Warn().Int64("abandoned", n).Str("event", "sweep.abandoned").Msg("abandoned stuck queues")
			}
		}
	}
}
