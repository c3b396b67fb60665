// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/simopt/internal/checkpoint"
	"github.com/ManuGH/simopt/internal/config"
	"github.com/ManuGH/simopt/internal/health"
	"github.com/ManuGH/simopt/internal/model"
	"github.com/ManuGH/simopt/internal/queue"
	"github.com/ManuGH/simopt/internal/store"
	"github.com/ManuGH/simopt/internal/worker"
)

// End-to-end through the run group: a task message is consumed, the queue
// is optimized and recorded, and the coordinator drives the session to
// COMPLETE once every queue is terminal.
func TestApp_ProcessesTaskAndCompletesSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	events := queue.NewMemoryQueue()
	ckpt := checkpoint.NewMemoryStore()

	require.NoError(t, st.PutRatePlan(ctx, model.RatePlan{
		ID: "plan-a", Type: model.PlanTypeData,
		IncludedAllowance: decimal.NewFromInt(1000),
		BaseRate:          decimal.NewFromInt(10),
		OverageRate:       decimal.NewFromInt(10),
		OverageBlockSize:  decimal.NewFromInt(100),
	}))
	require.NoError(t, st.PutRatePlan(ctx, model.RatePlan{
		ID: "plan-b", Type: model.PlanTypeData,
		IncludedAllowance: decimal.NewFromInt(2000),
		BaseRate:          decimal.NewFromInt(18),
		OverageRate:       decimal.NewFromInt(10),
		OverageBlockSize:  decimal.NewFromInt(100),
	}))

	sessionID, err := st.CreateSession(ctx, model.OptimizationSession{TenantID: 1, Status: model.SessionActive})
	require.NoError(t, err)
	instanceID, err := st.CreateInstance(ctx, model.OptimizationInstance{
		SessionID:          sessionID,
		Portal:             model.PortalM2M,
		BillingPeriodStart: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		BillingPeriodEnd:   time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	groupID, err := st.CreateCommGroup(ctx, instanceID, []string{"plan-a", "plan-b"})
	require.NoError(t, err)
	require.NoError(t, st.PutDevices(ctx, groupID, []model.Device{
		{ID: "dev-1", CommPlanID: "cp-1", CurrentRatePlanID: "plan-a", Usage: decimal.NewFromInt(1500)},
		{ID: "dev-2", CommPlanID: "cp-1", CurrentRatePlanID: "plan-a", Usage: decimal.NewFromInt(300)},
	}))
	queueID, err := st.CreateQueue(ctx, model.OptimizationQueue{
		InstanceID:  instanceID,
		CommGroupID: groupID,
		Sequence:    model.PlanSequence{PlanIDs: []string{"plan-a", "plan-b"}},
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Consumers = 2
	clock := clockwork.NewFakeClock()

	notified := make(chan int64, 2)
	app := &App{
		Config:   cfg,
		Store:    st,
		Queue:    q,
		Events:   events,
		Runtime:  worker.New(worker.Config{}, q, st, ckpt, &worker.StoreLoader{Store: st, Catalog: st}, zerolog.Nop()),
		Health:   health.NewManager("test"),
		Logger:   zerolog.Nop(),
		Clock:    clock,
		Notifier: func(sessionID int64) { notified <- sessionID },
	}

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.NoError(t, q.Send(ctx, queue.Task{SessionID: sessionID, QueueIDs: []int64{queueID}}.ToMessage()))

	require.Eventually(t, func() bool {
		qr, err := st.Queue(ctx, queueID)
		return err == nil && qr.Status == model.QueueCompletedSuccess
	}, 5*time.Second, 10*time.Millisecond, "worker should complete the queue")

	// The coordinator either saw a finished session on its first poll or is
	// sleeping on the fake clock; advancing covers the second case.
	require.Eventually(t, func() bool {
		clock.Advance(30 * time.Second)
		ids, err := st.ActiveSessions(ctx)
		return err == nil && len(ids) == 0
	}, 5*time.Second, 10*time.Millisecond, "coordinator should complete the session")

	// The event pump drains the single session_complete event and hands it
	// to the notifier.
	select {
	case id := <-notified:
		require.Equal(t, sessionID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("session_complete event was not delivered")
	}
	select {
	case id := <-notified:
		t.Fatalf("unexpected second session event for %d", id)
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, events.Len(), "event pump must drain the events queue")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run group did not stop on cancel")
	}
}
