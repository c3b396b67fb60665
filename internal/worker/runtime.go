// SPDX-License-Identifier: MIT

// Package worker implements the chained-execution runtime: each message
// carries a batch of queue ids, each invocation runs the optimizer inside a
// time budget, and work that does not finish is checkpointed and re-enqueued
// as a continuation of the same batch.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/assign"
	"github.com/ManuGH/simopt/internal/checkpoint"
	"github.com/ManuGH/simopt/internal/model"
	"github.com/ManuGH/simopt/internal/queue"
	"github.com/ManuGH/simopt/internal/store"
)

const (
	// DefaultBudget is the assumed host execution budget per invocation.
	DefaultBudget = 15 * time.Minute
	// DefaultSafetyMargin is subtracted from the budget so finalize always
	// has time to checkpoint and chain before the host kills the worker.
	DefaultSafetyMargin = 30 * time.Second
	// DefaultMaxContinuations bounds a batch's continuation chain.
	DefaultMaxContinuations = 20
)

// Config tunes the runtime.
type Config struct {
	Budget           time.Duration
	SafetyMargin     time.Duration
	MaxContinuations int
	CheckpointTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}
	if c.MaxContinuations <= 0 {
		c.MaxContinuations = DefaultMaxContinuations
	}
	if c.CheckpointTTL <= 0 {
		c.CheckpointTTL = checkpoint.DefaultTTL
	}
	return c
}

// Runtime processes work messages.
type Runtime struct {
	cfg    Config
	queue  queue.Queue
	store  store.Store
	ckpt   checkpoint.Store // nil means no continuation store configured
	loader DataLoader
	clock  clockwork.Clock
	logger zerolog.Logger
}

// New wires a runtime. ckpt may be nil; the runtime then fails over-budget
// batches instead of chaining them.
func New(cfg Config, q queue.Queue, st store.Store, ckpt checkpoint.Store, loader DataLoader, logger zerolog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg.withDefaults(),
		queue:  q,
		store:  st,
		ckpt:   ckpt,
		loader: loader,
		clock:  clockwork.NewRealClock(),
		logger: logger,
	}
}

// WithClock replaces the runtime clock. Tests only.
func (r *Runtime) WithClock(clock clockwork.Clock) *Runtime {
	r.clock = clock
	return r
}

// OnMessage runs one worker invocation. A nil return means the message is
// settled (including duplicate and poison cases); an error return asks the
// consumer to redeliver.
func (r *Runtime) OnMessage(ctx context.Context, msg queue.Message) error {
	start := r.clock.Now()
	task, err := queue.ParseTask(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("message_id", msg.ID).Msg("unparseable work message, dropping")
		observeBatch("skipped", start)
		return nil
	}
	logger := r.logger.With().
		Int64("session_id", task.SessionID).
		Ints64("queue_ids", task.QueueIDs).
		Int("continuation_attempt", task.ContinuationAttempt).
		Logger()

	// Idempotence pre-check: a finished queue in the set means a prior
	// delivery already ran this batch to its end.
	finished, err := r.anyFinished(ctx, task.QueueIDs)
	if err != nil {
		return err
	}
	if finished {
		logger.Info().Msg("queue batch already finished, dropping duplicate")
		observeBatch("duplicate", start)
		return nil
	}

	// The optimizer gets the host budget minus the safety margin; whatever
	// remains after that belongs to finalize.
	deadline := start.Add(r.cfg.Budget - r.cfg.SafetyMargin)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var runner *assign.Runner
	if task.Continuation {
		runner, err = r.resume(runCtx, task, logger)
	} else {
		runner, err = r.freshRun(runCtx, task, logger)
	}
	if err != nil {
		observeBatch("error", start)
		return err
	}
	if runner == nil {
		// Terminal condition already handled (duplicate claim, lost
		// checkpoint, load failure).
		observeBatch("skipped", start)
		return nil
	}

	result, err := r.finalize(ctx, task, runner, logger)
	if err != nil {
		observeBatch("error", start)
		return err
	}
	observeBatch(result, start)
	return nil
}

func (r *Runtime) anyFinished(ctx context.Context, queueIDs []int64) (bool, error) {
	for _, id := range queueIDs {
		q, err := r.store.Queue(ctx, id)
		if err != nil {
			return false, fmt.Errorf("status pre-check queue %d: %w", id, err)
		}
		if q.Status.IsFinished() {
			return true, nil
		}
	}
	return false, nil
}

// freshRun claims the batch, loads its data and runs the first pass.
// A nil runner with nil error means the batch was settled without running.
func (r *Runtime) freshRun(ctx context.Context, task queue.Task, logger zerolog.Logger) (*assign.Runner, error) {
	var claimed []int64
	for _, id := range task.QueueIDs {
		ok, err := r.store.ClaimQueue(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("claim queue %d: %w", id, err)
		}
		if !ok {
			// Another worker owns this batch. Revert anything we claimed so
			// those queues can be picked up again instead of dying as
			// duplicates.
			logger.Warn().Int64("queue_id", id).Msg("queue already claimed, dropping duplicate batch")
			r.releaseQueues(ctx, claimed, logger)
			return nil, nil
		}
		claimed = append(claimed, id)
	}

	inputs := make([]assign.Input, 0, len(task.QueueIDs))
	for _, id := range task.QueueIDs {
		in, err := r.loader.Load(ctx, id)
		if err != nil {
			logger.Error().Err(err).Int64("queue_id", id).Msg("data load failed, failing batch")
			r.failQueues(ctx, claimed, loadFailureReason(err), logger)
			return nil, nil
		}
		in.SkipLowerCostCheck = task.SkipLowerCostCheck
		in.ChargeType = task.ChargeType
		inputs = append(inputs, in)
	}

	runner := assign.NewRunner(inputs, logger)
	if err := runner.Run(ctx); err != nil {
		return nil, err
	}
	return runner, nil
}

// loadFailureReason distinguishes configuration defects in the queue's data
// from infrastructure failures.
func loadFailureReason(err error) model.ReasonCode {
	switch {
	case errors.Is(err, model.ErrNoDevices):
		return model.RNoDevices
	case errors.Is(err, model.ErrIneligiblePlan):
		return model.RIneligiblePlan
	case errors.Is(err, model.ErrGroupTooLarge):
		return model.RGroupTooLarge
	default:
		return model.RInfra
	}
}

// resume restores the batch from its checkpoint and continues the run.
func (r *Runtime) resume(ctx context.Context, task queue.Task, logger zerolog.Logger) (*assign.Runner, error) {
	if r.ckpt == nil {
		logger.Error().Msg("continuation received but no checkpoint store configured")
		r.failQueues(ctx, task.QueueIDs, model.RNoCheckpointStore, logger)
		return nil, nil
	}
	key := checkpoint.Key(task.SessionID, task.QueueIDs)
	data, err := r.ckpt.Get(ctx, key)
	recordCheckpointOp("get", err)
	if errors.Is(err, checkpoint.ErrNotFound) {
		logger.Error().Str("checkpoint_key", key).Msg("checkpoint lost, abandoning batch")
		r.failQueues(ctx, task.QueueIDs, model.RCheckpointLost, logger)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint get %s: %w", key, err)
	}

	runner, err := assign.Restore(data, logger)
	if err != nil {
		// Corrupt or incompatible state is as good as lost.
		logger.Error().Err(err).Str("checkpoint_key", key).Msg("checkpoint unreadable, abandoning batch")
		r.failQueues(ctx, task.QueueIDs, model.RCheckpointLost, logger)
		return nil, nil
	}
	if err := runner.Run(ctx); err != nil {
		return nil, err
	}
	return runner, nil
}

// finalize is the single decision point after a run slice: persist final
// results when the batch completed, otherwise checkpoint and chain.
func (r *Runtime) finalize(ctx context.Context, task queue.Task, runner *assign.Runner, logger zerolog.Logger) (string, error) {
	if runner.Completed() {
		if r.ckpt != nil {
			key := checkpoint.Key(task.SessionID, task.QueueIDs)
			err := r.ckpt.Delete(ctx, key)
			recordCheckpointOp("delete", err)
			if err != nil {
				// TTL cleans it up eventually.
				logger.Warn().Err(err).Str("checkpoint_key", key).Msg("checkpoint delete failed")
			}
		}
		if err := r.recordOutcomes(ctx, runner, logger); err != nil {
			return "", err
		}
		logger.Info().Msg("queue batch completed")
		return "completed", nil
	}

	nextAttempt := task.ContinuationAttempt + 1
	if nextAttempt > r.cfg.MaxContinuations {
		logger.Error().
			Int("max_continuations", r.cfg.MaxContinuations).
			Msg("continuation budget exhausted, settling on best results")
		unresolved := runner.Finalize()
		if err := r.recordOutcomes(ctx, runner, logger); err != nil {
			return "", err
		}
		r.failQueues(ctx, unresolved, model.RContinuationBudget, logger)
		return "continuation_budget", nil
	}

	if r.ckpt == nil {
		logger.Error().Msg("budget exhausted and no checkpoint store configured")
		unresolved := runner.Finalize()
		if err := r.recordOutcomes(ctx, runner, logger); err != nil {
			return "", err
		}
		r.failQueues(ctx, unresolved, model.RNoCheckpointStore, logger)
		return "no_checkpoint_store", nil
	}

	remaining := runner.UnfinishedQueueIDs()
	data, err := runner.Snapshot()
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	key := checkpoint.Key(task.SessionID, remaining)
	if err := r.retry(ctx, func() error {
		err := r.ckpt.Put(ctx, key, data, r.cfg.CheckpointTTL)
		recordCheckpointOp("put", err)
		return err
	}); err != nil {
		logger.Error().Err(err).Str("checkpoint_key", key).Msg("checkpoint put failed, settling on best results")
		unresolved := runner.Finalize()
		if rerr := r.recordOutcomes(ctx, runner, logger); rerr != nil {
			return "", rerr
		}
		r.failQueues(ctx, unresolved, model.RInfra, logger)
		return "checkpoint_failed", nil
	}

	next := task
	next.QueueIDs = remaining
	next.Continuation = true
	next.ContinuationAttempt = nextAttempt
	if err := r.retry(ctx, func() error {
		return r.queue.Send(ctx, next.ToMessage())
	}); err != nil {
		logger.Error().Err(err).Msg("continuation enqueue failed, settling on best results")
		unresolved := runner.Finalize()
		if rerr := r.recordOutcomes(ctx, runner, logger); rerr != nil {
			return "", rerr
		}
		r.failQueues(ctx, unresolved, model.RInfra, logger)
		return "chain_failed", nil
	}

	continuationsTotal.Inc()
	logger.Info().
		Ints64("remaining_queue_ids", remaining).
		Int("next_attempt", nextAttempt).
		Str("checkpoint_key", key).
		Msg("budget exhausted, chained continuation")
	return "continued", nil
}

// recordOutcomes persists the final outcome of every completed queue in the
// runner. Conditional-update conflicts are duplicates and are skipped.
func (r *Runtime) recordOutcomes(ctx context.Context, runner *assign.Runner, logger zerolog.Logger) error {
	for queueID, outcome := range runner.Outcomes() {
		if outcome.Result != nil {
			err := r.store.RecordSuccess(ctx, outcome.Result)
			if errors.Is(err, store.ErrConflict) {
				logger.Info().Int64("queue_id", queueID).Msg("result already recorded, skipping")
				continue
			}
			if err != nil {
				return fmt.Errorf("record queue %d: %w", queueID, err)
			}
			recordQueueOutcome(model.QueueCompletedSuccess, model.RNone)
			logger.Info().
				Int64("queue_id", queueID).
				Int("strategy", outcome.Result.StrategyIndex).
				Str("total_cost", outcome.Result.TotalCost.String()).
				Msg("queue result recorded")
			continue
		}

		err := r.store.FinishQueue(ctx, queueID, model.QueueCompletedError, decimal.Zero, outcome.Reason)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("finish queue %d: %w", queueID, err)
		}
		recordQueueOutcome(model.QueueCompletedError, outcome.Reason)
		logger.Warn().
			Int64("queue_id", queueID).
			Str("reason", string(outcome.Reason)).
			Msg("queue completed without result")
	}
	return nil
}

// failQueues force-finishes queues with CompletedError. Conflicts mean a
// concurrent worker already settled the queue; those are left alone.
func (r *Runtime) failQueues(ctx context.Context, queueIDs []int64, reason model.ReasonCode, logger zerolog.Logger) {
	for _, id := range queueIDs {
		err := r.store.FinishQueue(ctx, id, model.QueueCompletedError, decimal.Zero, reason)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			logger.Error().Err(err).Int64("queue_id", id).Msg("failed to mark queue errored")
			continue
		}
		recordQueueOutcome(model.QueueCompletedError, reason)
	}
}

// releaseQueues reverts claims taken before a conflict was discovered. A
// conflict here means someone else already moved the queue on; that is fine.
// Queues left RUNNING by a failed release are swept by AbandonStuck.
func (r *Runtime) releaseQueues(ctx context.Context, queueIDs []int64, logger zerolog.Logger) {
	for _, id := range queueIDs {
		err := r.store.ReleaseQueue(ctx, id)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			logger.Error().Err(err).Int64("queue_id", id).Msg("failed to release claimed queue")
		}
	}
}

// retry wraps transient infrastructure calls in a short exponential backoff.
func (r *Runtime) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
