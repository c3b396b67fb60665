package assign

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/simopt/internal/model"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func testPool(t *testing.T, id string, shared bool, base, allowance, overageRate, block string) model.RatePool {
	t.Helper()
	return model.RatePool{
		PlanID:           id,
		Type:             model.PlanTypeData,
		Shared:           shared,
		BaseRate:         dec(t, base),
		Allowance:        dec(t, allowance),
		OverageRate:      dec(t, overageRate),
		OverageBlockSize: dec(t, block),
	}
}

func testDevice(t *testing.T, id, commPlan, currentPlan, usage string) model.Device {
	t.Helper()
	return model.Device{
		ID:                id,
		CommPlanID:        commPlan,
		CurrentRatePlanID: currentPlan,
		Usage:             dec(t, usage),
	}
}

// mixedInput is a population where the cheapest assignment is not the
// current one: heavy devices belong on the big-allowance pool.
func mixedInput(t *testing.T) Input {
	t.Helper()
	return Input{
		QueueID: 41,
		Pools: model.RatePoolCollection{
			testPool(t, "plan-a", false, "10", "1000", "10", "100"),
			testPool(t, "plan-b", false, "18", "2000", "10", "100"),
			testPool(t, "plan-s", true, "15", "500", "5", "100"),
		},
		Devices: []model.Device{
			testDevice(t, "dev-1", "cp-1", "plan-a", "1500"),
			testDevice(t, "dev-2", "cp-1", "plan-a", "300"),
			testDevice(t, "dev-3", "cp-2", "plan-b", "2200"),
			testDevice(t, "dev-4", "cp-2", "plan-a", "50"),
			testDevice(t, "dev-5", "cp-1", "plan-b", "900"),
			testDevice(t, "dev-6", "cp-2", "plan-a", "1100"),
		},
		Portal:     model.PortalM2M,
		ChargeType: model.ChargeBaseAndOverage,
		PeriodDays: 30,
	}
}

func runToCompletion(t *testing.T, in Input) Outcome {
	t.Helper()
	a := New(in, zerolog.Nop())
	require.NoError(t, a.Run(context.Background()))
	require.True(t, a.Completed())
	return a.Outcome()
}

func TestAssigner_MovesHeavyDevicesOffOverage(t *testing.T) {
	out := runToCompletion(t, mixedInput(t))
	require.NotNil(t, out.Result)
	require.Equal(t, model.RNone, out.Reason)
	require.Len(t, out.Result.Devices, 6)

	byID := make(map[string]model.DeviceResult)
	for _, r := range out.Result.Devices {
		byID[r.DeviceID] = r
	}
	// 1500 MB on plan-a costs 10 + 50 overage; plan-b covers it for 18.
	require.Equal(t, "plan-b", byID["dev-1"].AssignedRatePlanID)
	// 2200 MB overflows even plan-b; it still beats plan-a by a wide margin.
	require.Equal(t, "plan-b", byID["dev-3"].AssignedRatePlanID)

	sum := decimal.Zero
	for _, r := range out.Result.Devices {
		require.True(t, r.TotalCost.Equal(r.BaseCost.Add(r.OverageCost)), "row totals must be consistent")
		sum = sum.Add(r.TotalCost)
	}
	require.True(t, sum.Equal(out.Result.TotalCost), "device rows must sum to the queue total")
}

func TestAssigner_Deterministic(t *testing.T) {
	first := runToCompletion(t, mixedInput(t))
	second := runToCompletion(t, mixedInput(t))

	a, err := json.Marshal(first.Result)
	require.NoError(t, err)
	b, err := json.Marshal(second.Result)
	require.NoError(t, err)
	require.Equal(t, string(a), string(b))
}

func TestAssigner_AllStrategiesFail(t *testing.T) {
	in := Input{
		QueueID: 7,
		Pools: model.RatePoolCollection{
			// Zero overage rate cannot be costed; every strategy aborts.
			testPool(t, "plan-x", false, "10", "1000", "0", "100"),
		},
		Devices:    []model.Device{testDevice(t, "dev-1", "cp-1", "plan-x", "500")},
		Portal:     model.PortalM2M,
		ChargeType: model.ChargeBaseAndOverage,
		PeriodDays: 30,
	}
	out := runToCompletion(t, in)
	require.Nil(t, out.Result)
	require.Equal(t, model.RAllStrategiesFail, out.Reason)
}

// lowerCostGateInput is a population where greedy placement is strictly worse
// than leaving everything alone: the two devices currently split one shared
// base charge, and any single device looks cheaper on the unshared pool.
func lowerCostGateInput(t *testing.T) Input {
	t.Helper()
	return Input{
		QueueID: 9,
		Pools: model.RatePoolCollection{
			testPool(t, "plan-s", true, "20", "2000", "10", "100"),
			testPool(t, "plan-u", false, "11", "2000", "10", "100"),
		},
		Devices: []model.Device{
			testDevice(t, "dev-1", "cp-1", "plan-s", "100"),
			testDevice(t, "dev-2", "cp-1", "plan-s", "100"),
		},
		Portal:     model.PortalM2M,
		ChargeType: model.ChargeBaseAndOverage,
		PeriodDays: 30,
	}
}

func TestAssigner_LowerCostGateKeepsCurrentPlans(t *testing.T) {
	out := runToCompletion(t, lowerCostGateInput(t))
	require.NotNil(t, out.Result)
	require.Equal(t, -1, out.Result.StrategyIndex)
	require.True(t, out.Result.TotalCost.Equal(dec(t, "20")),
		"expected baseline cost 20, got %s", out.Result.TotalCost)
	for _, r := range out.Result.Devices {
		require.Equal(t, "plan-s", r.AssignedRatePlanID)
	}
}

func TestAssigner_SkipLowerCostCheckKeepsCandidate(t *testing.T) {
	in := lowerCostGateInput(t)
	in.SkipLowerCostCheck = true
	out := runToCompletion(t, in)
	require.NotNil(t, out.Result)
	require.GreaterOrEqual(t, out.Result.StrategyIndex, 0)
	require.True(t, out.Result.TotalCost.Equal(dec(t, "22")),
		"expected candidate cost 22, got %s", out.Result.TotalCost)
	for _, r := range out.Result.Devices {
		require.Equal(t, "plan-u", r.AssignedRatePlanID)
	}
}

func TestAssigner_EmptyPoolsCompletesWithoutResult(t *testing.T) {
	in := Input{QueueID: 3, Portal: model.PortalM2M, PeriodDays: 30}
	out := runToCompletion(t, in)
	require.Nil(t, out.Result)
	require.Equal(t, model.RAllStrategiesFail, out.Reason)
}

// stepLimit is a context that expires after a fixed number of Done checks.
// It gives tests a deterministic suspension point without real deadlines.
type stepLimit struct {
	context.Context
	steps  int
	closed chan struct{}
}

func newStepLimit(steps int) *stepLimit {
	c := make(chan struct{})
	close(c)
	return &stepLimit{Context: context.Background(), steps: steps, closed: c}
}

func (s *stepLimit) Done() <-chan struct{} {
	if s.steps <= 0 {
		return s.closed
	}
	s.steps--
	return nil
}

func TestAssigner_SuspendResumeMatchesUninterrupted(t *testing.T) {
	want := runToCompletion(t, mixedInput(t))
	require.NotNil(t, want.Result)

	a := New(mixedInput(t), zerolog.Nop())
	for i := 0; !a.Completed(); i++ {
		require.Less(t, i, 100, "assigner never completed")
		require.NoError(t, a.Run(newStepLimit(3)))
		if a.Completed() {
			break
		}
		// Round-trip through the checkpoint format between every slice.
		r := &Runner{items: []*Assigner{a}, logger: zerolog.Nop()}
		data, err := r.Snapshot()
		require.NoError(t, err)
		restored, err := Restore(data, zerolog.Nop())
		require.NoError(t, err)
		require.Len(t, restored.items, 1)
		a = restored.items[0]
	}

	got := a.Outcome()
	require.NotNil(t, got.Result)
	wantJSON, err := json.Marshal(want.Result)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got.Result)
	require.NoError(t, err)
	require.Equal(t, string(wantJSON), string(gotJSON))
}

func TestAssigner_CancelledBeforeStartMakesNoProgress(t *testing.T) {
	a := New(mixedInput(t), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
	require.False(t, a.Completed())
	require.Equal(t, model.RNone, a.Outcome().Reason)
	require.Nil(t, a.Outcome().Result)
}

func TestAssigner_FinalizeSettlesOnBestCompletedStrategy(t *testing.T) {
	// 6 devices: step 7 lands inside the second strategy, after the first
	// produced a complete assignment.
	a := New(mixedInput(t), zerolog.Nop())
	require.NoError(t, a.Run(newStepLimit(7)))
	require.False(t, a.Completed())

	require.True(t, a.Finalize())
	require.True(t, a.Completed())

	out := a.Outcome()
	require.NotNil(t, out.Result, "first strategy's result must survive the early stop")
	require.Equal(t, model.RNone, out.Reason)
	require.Len(t, out.Result.Devices, 6)
}

func TestAssigner_FinalizeWithoutAnyResult(t *testing.T) {
	// Interrupted inside the very first strategy: nothing to settle on.
	a := New(mixedInput(t), zerolog.Nop())
	require.NoError(t, a.Run(newStepLimit(2)))
	require.False(t, a.Completed())

	require.False(t, a.Finalize())
	require.False(t, a.Completed())
}
