package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/simopt/internal/model"
)

// Both implementations must satisfy the same contract; every test runs
// against each backend.
func withStores(t *testing.T, fn func(t *testing.T, s Store, clock *clockwork.FakeClock)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		s, err := NewSqliteStoreWithClock(filepath.Join(t.TempDir(), "opt.sqlite"), clock)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s, clock)
	})
	t.Run("memory", func(t *testing.T) {
		clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
		fn(t, NewMemoryStoreWithClock(clock), clock)
	})
}

// seedQueue creates session -> instance -> group -> queue and returns ids.
func seedQueue(t *testing.T, s Store, planIDs []string) (sessionID, groupID, queueID int64) {
	t.Helper()
	ctx := context.Background()
	sessionID, err := s.CreateSession(ctx, model.OptimizationSession{TenantID: 1, BillingPeriodID: 1, Status: "ACTIVE"})
	require.NoError(t, err)
	instanceID, err := s.CreateInstance(ctx, model.OptimizationInstance{
		SessionID:          sessionID,
		ServiceProviderID:  7,
		Portal:             model.PortalM2M,
		BillingPeriodStart: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		BillingPeriodEnd:   time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	groupID, err = s.CreateCommGroup(ctx, instanceID, planIDs)
	require.NoError(t, err)
	queueID, err = s.CreateQueue(ctx, model.OptimizationQueue{
		InstanceID:        instanceID,
		CommGroupID:       groupID,
		ServiceProviderID: 7,
		Sequence:          model.PlanSequence{PlanIDs: planIDs},
	})
	require.NoError(t, err)
	return sessionID, groupID, queueID
}

func TestStore_QueueRoundTrip(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		_, groupID, queueID := seedQueue(t, s, []string{"plan-b", "plan-a", "plan-c"})

		q, err := s.Queue(ctx, queueID)
		require.NoError(t, err)
		require.Equal(t, queueID, q.ID)
		require.Equal(t, groupID, q.CommGroupID)
		require.Equal(t, model.QueueNotStarted, q.Status)
		require.Equal(t, []string{"plan-b", "plan-a", "plan-c"}, q.Sequence.PlanIDs,
			"sequence order must survive persistence")

		_, err = s.Queue(ctx, 99999)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ClaimIsExclusive(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		_, _, queueID := seedQueue(t, s, []string{"plan-a"})

		claimed, err := s.ClaimQueue(ctx, queueID)
		require.NoError(t, err)
		require.True(t, claimed)

		// A concurrent worker loses the conditional update.
		claimed, err = s.ClaimQueue(ctx, queueID)
		require.NoError(t, err)
		require.False(t, claimed)
	})
}

func TestStore_RecordSuccessIsAtMostOnce(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		_, _, queueID := seedQueue(t, s, []string{"plan-a"})
		claimed, err := s.ClaimQueue(ctx, queueID)
		require.NoError(t, err)
		require.True(t, claimed)

		result := &model.QueueResult{
			QueueID:   queueID,
			TotalCost: decimal.RequireFromString("42.5"),
			Devices: []model.DeviceResult{
				{DeviceID: "dev-2", AssignedRatePlanID: "plan-a", BaseCost: decimal.RequireFromString("10"), OverageCost: decimal.RequireFromString("12.5"), TotalCost: decimal.RequireFromString("22.5")},
				{DeviceID: "dev-1", AssignedRatePlanID: "plan-a", BaseCost: decimal.RequireFromString("20"), OverageCost: decimal.Zero, TotalCost: decimal.RequireFromString("20")},
			},
		}
		require.NoError(t, s.RecordSuccess(ctx, result))

		// A duplicate delivery loses the status gate and writes nothing.
		require.ErrorIs(t, s.RecordSuccess(ctx, result), ErrConflict)

		rows, err := s.DeviceResults(ctx, queueID)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		require.Equal(t, "dev-1", rows[0].DeviceID)
		require.Equal(t, "dev-2", rows[1].DeviceID)
		require.True(t, rows[1].TotalCost.Equal(decimal.RequireFromString("22.5")))

		q, err := s.Queue(ctx, queueID)
		require.NoError(t, err)
		require.Equal(t, model.QueueCompletedSuccess, q.Status)
		require.True(t, q.TotalCost.Equal(decimal.RequireFromString("42.5")))
	})
}

func TestStore_FinishQueueTransitions(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		_, _, queueID := seedQueue(t, s, []string{"plan-a"})

		// Finishing an unclaimed queue is a conflict.
		err := s.FinishQueue(ctx, queueID, model.QueueCompletedError, decimal.Zero, model.RInfra)
		require.ErrorIs(t, err, ErrConflict)

		claimed, err := s.ClaimQueue(ctx, queueID)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, s.FinishQueue(ctx, queueID, model.QueueCompletedError, decimal.Zero, model.RInfra))

		q, err := s.Queue(ctx, queueID)
		require.NoError(t, err)
		require.Equal(t, model.QueueCompletedError, q.Status)
		require.Equal(t, model.RInfra, q.Reason)

		// Terminal is terminal.
		err = s.FinishQueue(ctx, queueID, model.QueueAbandoned, decimal.Zero, model.RStuck)
		require.ErrorIs(t, err, ErrConflict)

		// Non-terminal target statuses are rejected outright.
		err = s.FinishQueue(ctx, queueID, model.QueueRunning, decimal.Zero, model.RNone)
		require.Error(t, err)
	})
}

func TestStore_SessionProgress(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		sessionID, _, q1 := seedQueue(t, s, []string{"plan-a"})

		// Second queue in the same session.
		statuses, err := s.QueueStatuses(ctx, sessionID)
		require.NoError(t, err)
		require.Len(t, statuses, 1)

		n, err := s.UnfinishedCount(ctx, sessionID)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		claimed, err := s.ClaimQueue(ctx, q1)
		require.NoError(t, err)
		require.True(t, claimed)
		require.NoError(t, s.FinishQueue(ctx, q1, model.QueueAbandoned, decimal.Zero, model.RCheckpointLost))

		n, err = s.UnfinishedCount(ctx, sessionID)
		require.NoError(t, err)
		require.Zero(t, n)

		statuses, err = s.QueueStatuses(ctx, sessionID)
		require.NoError(t, err)
		require.Equal(t, model.QueueAbandoned, statuses[q1])
	})
}

func TestStore_GroupQueuesOrdered(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		_, groupID, q1 := seedQueue(t, s, []string{"plan-a", "plan-b"})
		q2, err := s.CreateQueue(ctx, model.OptimizationQueue{
			InstanceID:  1,
			CommGroupID: groupID,
			Sequence:    model.PlanSequence{PlanIDs: []string{"plan-b", "plan-a"}},
		})
		require.NoError(t, err)

		queues, err := s.GroupQueues(ctx, groupID)
		require.NoError(t, err)
		require.Len(t, queues, 2)
		require.Equal(t, q1, queues[0].ID)
		require.Equal(t, q2, queues[1].ID)
	})
}

func TestStore_AbandonStuck(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, clock *clockwork.FakeClock) {
		ctx := context.Background()
		_, _, stuck := seedQueue(t, s, []string{"plan-a"})
		_, _, fresh := seedQueue(t, s, []string{"plan-a"})

		claimed, err := s.ClaimQueue(ctx, stuck)
		require.NoError(t, err)
		require.True(t, claimed)

		clock.Advance(2 * time.Hour)
		claimed, err = s.ClaimQueue(ctx, fresh)
		require.NoError(t, err)
		require.True(t, claimed)

		n, err := s.AbandonStuck(ctx, time.Hour)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)

		q, err := s.Queue(ctx, stuck)
		require.NoError(t, err)
		require.Equal(t, model.QueueAbandoned, q.Status)
		require.Equal(t, model.RStuck, q.Reason)

		q, err = s.Queue(ctx, fresh)
		require.NoError(t, err)
		require.Equal(t, model.QueueRunning, q.Status, "recently claimed queues stay running")
	})
}

func TestStore_CatalogRoundTrip(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		_, groupID, _ := seedQueue(t, s, []string{"plan-a", "plan-b"})

		planA := model.RatePlan{
			ID:                "plan-a",
			Type:              model.PlanTypeData,
			IncludedAllowance: decimal.RequireFromString("1000"),
			BaseRate:          decimal.RequireFromString("10.50"),
			OverageRate:       decimal.RequireFromString("0.01"),
			OverageBlockSize:  decimal.NewFromInt(1),
		}
		planB := model.RatePlan{
			ID:                "plan-b",
			Type:              model.PlanTypeData,
			IncludedAllowance: decimal.RequireFromString("2000"),
			BaseRate:          decimal.RequireFromString("18"),
			OverageRate:       decimal.RequireFromString("0.008"),
			OverageBlockSize:  decimal.NewFromInt(1),
			SharedPool:        true,
		}
		require.NoError(t, s.PutRatePlan(ctx, planA))
		require.NoError(t, s.PutRatePlan(ctx, planB))

		require.NoError(t, s.PutDevices(ctx, groupID, []model.Device{
			{
				ID:                "dev-2",
				CommPlanID:        "cp-1",
				CurrentRatePlanID: "plan-a",
				Usage:             decimal.RequireFromString("512.25"),
			},
			{
				ID:                "dev-1",
				CommPlanID:        "cp-1",
				CurrentRatePlanID: "plan-b",
				Usage:             decimal.RequireFromString("1400"),
				ActivationDate:    time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
				BillingDaysActive: 21,
				Prorated:          true,
			},
		}))

		plans, err := s.RatePlans(ctx, []string{"plan-b", "plan-a"})
		require.NoError(t, err)
		require.Len(t, plans, 2)
		require.Equal(t, "plan-b", plans[0].ID, "plans come back in request order")
		require.True(t, plans[0].SharedPool)
		require.True(t, plans[1].BaseRate.Equal(planA.BaseRate))

		devices, err := s.GroupDevices(ctx, groupID)
		require.NoError(t, err)
		require.Len(t, devices, 2)
		require.Equal(t, "dev-1", devices[0].ID, "devices come back ordered by id")
		require.True(t, devices[0].Prorated)
		require.Equal(t, 21, devices[0].BillingDaysActive)
		require.Equal(t, time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), devices[0].ActivationDate)
		require.True(t, devices[1].Usage.Equal(decimal.RequireFromString("512.25")))
	})
}

func TestStore_CatalogMissing(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		_, err := s.RatePlans(ctx, []string{"nope"})
		require.ErrorIs(t, err, ErrNotFound)

		devices, err := s.GroupDevices(ctx, 9999)
		require.NoError(t, err)
		require.Empty(t, devices, "unknown group is empty, not an error")
	})
}

func TestStore_ActiveSessions(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		s1, _, _ := seedQueue(t, s, []string{"plan-a"})
		s2, _, _ := seedQueue(t, s, []string{"plan-a"})

		ids, err := s.ActiveSessions(ctx)
		require.NoError(t, err)
		require.Equal(t, []int64{s1, s2}, ids)

		ok, err := s.CompleteSession(ctx, s1, model.SessionComplete)
		require.NoError(t, err)
		require.True(t, ok)

		ids, err = s.ActiveSessions(ctx)
		require.NoError(t, err)
		require.Equal(t, []int64{s2}, ids)
	})
}

func TestStore_ProvisionGroups(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		sessionID, err := s.CreateSession(ctx, model.OptimizationSession{TenantID: 1, BillingPeriodID: 1, Status: "ACTIVE"})
		require.NoError(t, err)
		instanceID, err := s.CreateInstance(ctx, model.OptimizationInstance{
			SessionID:          sessionID,
			Portal:             model.PortalM2M,
			BillingPeriodStart: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			BillingPeriodEnd:   time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)

		commPlans := []model.CommunicationPlan{
			{ID: "cp-1", CandidatePlanIDs: []string{"plan-b", "plan-a"}},
			{ID: "cp-2", CandidatePlanIDs: []string{"plan-a", "plan-b"}},
			{ID: "cp-3", CandidatePlanIDs: []string{"plan-c"}},
		}
		devices := []model.Device{
			{ID: "dev-1", CommPlanID: "cp-1", CurrentRatePlanID: "plan-a", Usage: decimal.NewFromInt(100)},
			{ID: "dev-2", CommPlanID: "cp-2", CurrentRatePlanID: "plan-b", Usage: decimal.NewFromInt(200)},
			{ID: "dev-3", CommPlanID: "cp-3", CurrentRatePlanID: "plan-c", Usage: decimal.NewFromInt(300)},
		}

		ids, err := ProvisionGroups(ctx, s, instanceID, commPlans, devices)
		require.NoError(t, err)
		require.Len(t, ids, 2, "identical candidate sets share one group")

		merged, err := s.GroupDevices(ctx, ids[0])
		require.NoError(t, err)
		require.Len(t, merged, 2)
		single, err := s.GroupDevices(ctx, ids[1])
		require.NoError(t, err)
		require.Len(t, single, 1)
		require.Equal(t, "dev-3", single[0].ID)
	})
}

func TestStore_ProvisionGroupsRejectsEmptyGroup(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		sessionID, err := s.CreateSession(ctx, model.OptimizationSession{TenantID: 1, BillingPeriodID: 1, Status: "ACTIVE"})
		require.NoError(t, err)
		instanceID, err := s.CreateInstance(ctx, model.OptimizationInstance{
			SessionID:          sessionID,
			Portal:             model.PortalM2M,
			BillingPeriodStart: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
			BillingPeriodEnd:   time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)

		commPlans := []model.CommunicationPlan{
			{ID: "cp-1", CandidatePlanIDs: []string{"plan-a"}},
		}
		_, err = ProvisionGroups(ctx, s, instanceID, commPlans, nil)
		require.ErrorIs(t, err, model.ErrNoDevices)
	})
}

func TestStore_ReleaseQueueRevertsClaim(t *testing.T) {
	withStores(t, func(t *testing.T, s Store, _ *clockwork.FakeClock) {
		ctx := context.Background()
		_, _, queueID := seedQueue(t, s, []string{"plan-a"})

		require.ErrorIs(t, s.ReleaseQueue(ctx, queueID), ErrConflict, "only RUNNING queues release")

		ok, err := s.ClaimQueue(ctx, queueID)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.ReleaseQueue(ctx, queueID))

		q, err := s.Queue(ctx, queueID)
		require.NoError(t, err)
		require.Equal(t, model.QueueNotStarted, q.Status)

		ok, err = s.ClaimQueue(ctx, queueID)
		require.NoError(t, err)
		require.True(t, ok, "released queue is claimable again")
	})
}
