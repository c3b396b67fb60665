package assign

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/simopt/internal/model"
)

func TestRestore_RejectsCorruptPayload(t *testing.T) {
	_, err := Restore([]byte(`{"version": 1, "items": [`), zerolog.Nop())
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestRestore_RejectsUnknownVersion(t *testing.T) {
	_, err := Restore([]byte(`{"version": 99, "items": []}`), zerolog.Nop())
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestRestore_RejectsBadDecimal(t *testing.T) {
	payload := `{"version":1,"pos":0,"items":[{"queueId":1,"portal":"M2M",
		"pools":[{"planId":"p","type":"data","allowance":"oops",
		"baseRate":"1","overageRate":"1","overageBlockSize":"1"}],
		"devices":[],"strategyPos":0,"devicePos":0}]}`
	_, err := Restore([]byte(payload), zerolog.Nop())
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestSnapshot_RoundTripPreservesInputs(t *testing.T) {
	in := mixedInput(t)
	in.Devices[0].Prorated = true
	in.Devices[0].BillingDaysActive = 12
	r := NewRunner([]Input{in}, zerolog.Nop())

	data, err := r.Snapshot()
	require.NoError(t, err)
	restored, err := Restore(data, zerolog.Nop())
	require.NoError(t, err)
	require.Len(t, restored.items, 1)

	got := restored.items[0].in
	require.Equal(t, in.QueueID, got.QueueID)
	require.Equal(t, in.Portal, got.Portal)
	require.Equal(t, in.PeriodDays, got.PeriodDays)
	require.Len(t, got.Pools, len(in.Pools))
	require.Len(t, got.Devices, len(in.Devices))
	for i := range in.Devices {
		require.Equal(t, in.Devices[i].ID, got.Devices[i].ID)
		require.True(t, in.Devices[i].Usage.Equal(got.Devices[i].Usage))
		require.Equal(t, in.Devices[i].Prorated, got.Devices[i].Prorated)
		require.Equal(t, in.Devices[i].BillingDaysActive, got.Devices[i].BillingDaysActive)
	}
}

func TestRunner_BatchProcessesAllQueues(t *testing.T) {
	a := mixedInput(t)
	b := lowerCostGateInput(t)
	r := NewRunner([]Input{a, b}, zerolog.Nop())
	require.Equal(t, []int64{a.QueueID, b.QueueID}, r.QueueIDs())

	require.NoError(t, r.Run(context.Background()))
	require.True(t, r.Completed())
	require.Empty(t, r.UnfinishedQueueIDs())

	outcomes := r.Outcomes()
	require.Len(t, outcomes, 2)
	require.NotNil(t, outcomes[a.QueueID].Result)
	require.NotNil(t, outcomes[b.QueueID].Result)
}

func TestRunner_SuspensionReportsUnfinishedQueues(t *testing.T) {
	a := mixedInput(t)
	b := lowerCostGateInput(t)
	r := NewRunner([]Input{a, b}, zerolog.Nop())

	require.NoError(t, r.Run(newStepLimit(2)))
	require.False(t, r.Completed())
	require.Equal(t, []int64{a.QueueID, b.QueueID}, r.UnfinishedQueueIDs())

	// A continuation built from the snapshot finishes the batch.
	data, err := r.Snapshot()
	require.NoError(t, err)
	resumed, err := Restore(data, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, resumed.Run(context.Background()))
	require.True(t, resumed.Completed())
	require.Len(t, resumed.Outcomes(), 2)
}

func TestRunner_ResumedBatchMatchesUninterrupted(t *testing.T) {
	inputs := func() []Input { return []Input{mixedInput(t), lowerCostGateInput(t)} }

	direct := NewRunner(inputs(), zerolog.Nop())
	require.NoError(t, direct.Run(context.Background()))
	want := direct.Outcomes()

	r := NewRunner(inputs(), zerolog.Nop())
	for i := 0; !r.Completed(); i++ {
		require.Less(t, i, 100, "runner never completed")
		require.NoError(t, r.Run(newStepLimit(2)))
		if r.Completed() {
			break
		}
		data, err := r.Snapshot()
		require.NoError(t, err)
		r, err = Restore(data, zerolog.Nop())
		require.NoError(t, err)
	}

	got := r.Outcomes()
	require.Len(t, got, len(want))
	for id, w := range want {
		g, ok := got[id]
		require.True(t, ok)
		require.Equal(t, w.Reason, g.Reason)
		require.NotNil(t, g.Result)
		require.Equal(t, w.Result.StrategyIndex, g.Result.StrategyIndex)
		require.True(t, w.Result.TotalCost.Equal(g.Result.TotalCost))
	}
}

func TestSnapshot_CompletedAssignerSurvivesRestore(t *testing.T) {
	r := NewRunner([]Input{lowerCostGateInput(t)}, zerolog.Nop())
	require.NoError(t, r.Run(context.Background()))
	require.True(t, r.Completed())

	data, err := r.Snapshot()
	require.NoError(t, err)
	restored, err := Restore(data, zerolog.Nop())
	require.NoError(t, err)
	require.True(t, restored.Completed())

	out := restored.Outcomes()[int64(9)]
	require.NotNil(t, out.Result)
	require.Equal(t, -1, out.Result.StrategyIndex)
	require.Equal(t, model.RNone, out.Reason)
}
