// Package coordinator watches a session's queues and signals completion.
// It runs as a short-lived invocation: poll until every queue reaches a
// terminal status, pick the winning queue per communication group, then
// emit the session-complete event exactly once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/model"
	"github.com/ManuGH/simopt/internal/queue"
	"github.com/ManuGH/simopt/internal/store"
)

// DefaultMaxAttempts bounds the polling loop before the session is
// declared stalled.
const DefaultMaxAttempts = 10

// backoffSchedule is the poll interval per attempt; later attempts reuse
// the last entry.
var backoffSchedule = []time.Duration{
	30 * time.Second,
	60 * time.Second,
	120 * time.Second,
	300 * time.Second,
}

// ErrSessionStalled is returned when the session does not finish within the
// polling budget.
var ErrSessionStalled = errors.New("session stalled")

// Winner is the cheapest successful queue of one communication group.
type Winner struct {
	CommGroupID int64
	QueueID     int64
	TotalCost   decimal.Decimal
}

// Report is the outcome of one coordinated session.
type Report struct {
	SessionID int64
	Winners   []Winner
	// GroupsWithoutWinner lists comm groups where no queue completed
	// successfully.
	GroupsWithoutWinner []int64
	// Emitted is false when another coordinator already completed the
	// session; the report is then informational only.
	Emitted bool
}

// Coordinator polls one session to completion.
type Coordinator struct {
	Store       store.Store
	Logger      zerolog.Logger
	Clock       clockwork.Clock
	MaxAttempts int

	// Events receives the session_complete message when this coordinator
	// wins the completion gate. Optional; nil skips the emit.
	Events queue.Queue
}

// New builds a coordinator on the real clock.
func New(st store.Store, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		Store:       st,
		Logger:      logger,
		Clock:       clockwork.NewRealClock(),
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (c *Coordinator) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return DefaultMaxAttempts
}

// PollDelay returns the wait before the given 0-based poll attempt retries.
func PollDelay(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// WaitForSession polls until the session's queues are all terminal, then
// selects winners and marks the session complete. ErrSessionStalled is
// returned when the polling budget runs out first.
func (c *Coordinator) WaitForSession(ctx context.Context, sessionID int64) (*Report, error) {
	logger := c.Logger.With().Int64("session_id", sessionID).Logger()

	for attempt := 0; attempt < c.maxAttempts(); attempt++ {
		pollsTotal.Inc()
		unfinished, err := c.Store.UnfinishedCount(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("session %d poll: %w", sessionID, err)
		}
		if unfinished == 0 {
			return c.complete(ctx, sessionID, logger)
		}

		delay := PollDelay(attempt)
		logger.Debug().
			Int("unfinished", unfinished).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("session not finished yet")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.Clock.After(delay):
		}
	}

	logger.Error().Int("max_attempts", c.maxAttempts()).Msg("session stalled")
	if _, err := c.Store.CompleteSession(ctx, sessionID, model.SessionStalled); err != nil {
		logger.Error().Err(err).Msg("failed to mark session stalled")
	}
	sessionsStalledTotal.Inc()
	return nil, fmt.Errorf("session %d: %w", sessionID, ErrSessionStalled)
}

// complete selects per-group winners and flips the session status. The
// status CAS makes the emit at-most-once across concurrent coordinators.
func (c *Coordinator) complete(ctx context.Context, sessionID int64, logger zerolog.Logger) (*Report, error) {
	report, err := c.buildReport(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	emitted, err := c.Store.CompleteSession(ctx, sessionID, model.SessionComplete)
	if err != nil {
		return nil, fmt.Errorf("session %d complete: %w", sessionID, err)
	}
	report.Emitted = emitted
	if !emitted {
		logger.Info().Msg("session already completed by another coordinator")
		return report, nil
	}

	sessionsCompletedTotal.Inc()
	if c.Events != nil {
		if err := c.Events.Send(ctx, queue.SessionCompleteMessage(sessionID)); err != nil {
			// The session is already COMPLETE; losing the event is
			// recoverable downstream by scanning terminal sessions.
			logger.Error().Err(err).Msg("failed to emit session_complete event")
		}
	}
	for _, w := range report.Winners {
		logger.Info().
			Int64("comm_group_id", w.CommGroupID).
			Int64("queue_id", w.QueueID).
			Str("total_cost", w.TotalCost.String()).
			Msg("winning sequence selected")
	}
	for _, groupID := range report.GroupsWithoutWinner {
		logger.Warn().Int64("comm_group_id", groupID).Msg("comm group finished without a successful queue")
	}
	logger.Info().Int("winners", len(report.Winners)).Msg("session complete")
	return report, nil
}

// buildReport picks the cheapest successful queue per comm group. Ties go
// to the lower queue id, so selection is deterministic.
func (c *Coordinator) buildReport(ctx context.Context, sessionID int64) (*Report, error) {
	statuses, err := c.Store.QueueStatuses(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	groups := make(map[int64]bool)
	best := make(map[int64]*Winner)
	for queueID := range statuses {
		q, err := c.Store.Queue(ctx, queueID)
		if err != nil {
			return nil, fmt.Errorf("queue %d: %w", queueID, err)
		}
		groups[q.CommGroupID] = true
		if q.Status != model.QueueCompletedSuccess {
			continue
		}
		w := best[q.CommGroupID]
		if w == nil ||
			q.TotalCost.LessThan(w.TotalCost) ||
			(q.TotalCost.Equal(w.TotalCost) && q.ID < w.QueueID) {
			best[q.CommGroupID] = &Winner{CommGroupID: q.CommGroupID, QueueID: q.ID, TotalCost: q.TotalCost}
		}
	}

	report := &Report{SessionID: sessionID}
	for groupID := range groups {
		if w, ok := best[groupID]; ok {
			report.Winners = append(report.Winners, *w)
		} else {
			report.GroupsWithoutWinner = append(report.GroupsWithoutWinner, groupID)
		}
	}
	sort.Slice(report.Winners, func(i, j int) bool { return report.Winners[i].CommGroupID < report.Winners[j].CommGroupID })
	sort.Slice(report.GroupsWithoutWinner, func(i, j int) bool { return report.GroupsWithoutWinner[i] < report.GroupsWithoutWinner[j] })
	return report, nil
}
