package assign

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/billing"
	"github.com/ManuGH/simopt/internal/model"
)

// poolAgg holds the running aggregates of one pool under the current
// strategy. Only shared pools need them: an unshared pool's marginal cost is
// independent of its membership.
type poolAgg struct {
	count     int
	usage     decimal.Decimal
	fractions decimal.Decimal
}

// bestOutcome is the best strategy evaluated so far for a queue.
type bestOutcome struct {
	strategy  int
	objective decimal.Decimal
	poolOf    map[string]int // device id -> pool index
}

// Assigner optimizes a single queue: it evaluates every strategy on the
// queue's sequence and keeps the cheapest complete assignment.
//
// The assigner is suspendable. Placing one device is atomic; the context is
// checked exclusively between placements. When the context expires the
// assigner returns with Completed() == false and can be snapshotted and
// resumed by a later worker.
type Assigner struct {
	in         Input
	strategies []int

	stratPos  int
	devPos    int
	order     []int
	placement []int // position in order -> pool index
	agg       []poolAgg

	best      *bestOutcome
	failed    map[int]bool
	completed bool

	logger zerolog.Logger
}

// New prepares an assigner for one queue's input.
func New(in Input, logger zerolog.Logger) *Assigner {
	return &Assigner{
		in:         in,
		strategies: strategiesFor(in.Portal),
		failed:     make(map[int]bool),
		logger:     logger.With().Int64("queue_id", in.QueueID).Logger(),
	}
}

// Completed reports whether every strategy has been evaluated.
func (a *Assigner) Completed() bool { return a.completed }

// Finalize ends strategy evaluation early and settles the queue on the
// best complete assignment found so far. A worker that can no longer chain
// the batch calls this instead of discarding finished strategies. Reports
// whether the assigner now holds a result; without any completed strategy
// there is nothing to settle on.
func (a *Assigner) Finalize() bool {
	if a.completed {
		return true
	}
	if a.best == nil {
		return false
	}
	a.order = nil
	a.placement = nil
	a.agg = nil
	a.stratPos = len(a.strategies)
	a.devPos = 0
	a.completed = true
	return true
}

// QueueID returns the queue this assigner works on.
func (a *Assigner) QueueID() int64 { return a.in.QueueID }

// Run advances the assigner until completion or context expiry. A nil return
// with Completed() == false means the run was suspended, not that it failed.
func (a *Assigner) Run(ctx context.Context) error {
	if a.completed {
		return nil
	}
	if len(a.in.Pools) == 0 {
		a.completed = true
		return nil
	}

	for a.stratPos < len(a.strategies) {
		if a.order == nil {
			a.beginStrategy()
		}

		for a.devPos < len(a.order) {
			// Suspension point: between device placements only.
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			dev := a.in.Devices[a.order[a.devPos]]
			poolIdx, err := a.place(dev)
			if err != nil {
				a.logger.Warn().Err(err).
					Str("device_id", dev.ID).
					Int("strategy", a.strategies[a.stratPos]).
					Msg("device costing failed, abandoning strategy")
				a.failed[a.strategies[a.stratPos]] = true
				a.nextStrategy()
				continue
			}
			a.placement[a.devPos] = poolIdx
			a.applyPlacement(dev, poolIdx)
			a.devPos++
		}

		if a.order != nil && a.devPos >= len(a.order) {
			a.finishStrategy()
			a.nextStrategy()
		}
	}

	a.completed = true
	return nil
}

func (a *Assigner) beginStrategy() {
	strategy := a.strategies[a.stratPos]
	a.order = deviceOrder(a.in.Devices, strategy)
	a.placement = make([]int, len(a.order))
	for i := range a.placement {
		a.placement[i] = -1
	}
	a.resetAggregates()
}

func (a *Assigner) resetAggregates() {
	a.agg = make([]poolAgg, len(a.in.Pools))
	for i := range a.agg {
		a.agg[i] = poolAgg{usage: decimal.Zero, fractions: decimal.Zero}
	}
}

func (a *Assigner) nextStrategy() {
	a.stratPos++
	a.devPos = 0
	a.order = nil
	a.placement = nil
	a.agg = nil
}

// place scans the whole sequence and returns the pool with the minimum
// marginal objective cost. Ties prefer lower post-placement overage, then
// the lower pool index.
func (a *Assigner) place(dev model.Device) (int, error) {
	bestIdx := -1
	var bestMarginal, bestOverage decimal.Decimal

	for i, pool := range a.in.Pools {
		marginal, overage, err := a.marginal(pool, a.agg[i], dev)
		if err != nil {
			return 0, err
		}
		if bestIdx < 0 ||
			marginal.LessThan(bestMarginal) ||
			(marginal.Equal(bestMarginal) && overage.LessThan(bestOverage)) {
			bestIdx, bestMarginal, bestOverage = i, marginal, overage
		}
	}
	if bestIdx < 0 {
		return 0, fmt.Errorf("no pool accepted device %s", dev.ID)
	}
	return bestIdx, nil
}

// marginal returns the objective delta of inserting dev into the pool, and
// the pool's post-placement overage for tie-breaking.
func (a *Assigner) marginal(pool model.RatePool, agg poolAgg, dev model.Device) (decimal.Decimal, decimal.Decimal, error) {
	if !pool.Shared {
		c, err := billing.DeviceCost(pool, dev, a.in.PeriodDays)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		return billing.Objective(c, a.in.ChargeType), c.Overage, nil
	}

	before, err := billing.SharedPoolCostScalar(pool, agg.count, agg.usage, agg.fractions)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	grown := agg.add(dev, a.in.PeriodDays)
	after, err := billing.SharedPoolCostScalar(pool, grown.count, grown.usage, grown.fractions)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	marginal := billing.Objective(after, a.in.ChargeType).Sub(billing.Objective(before, a.in.ChargeType))
	return marginal, after.Overage, nil
}

func (g poolAgg) add(dev model.Device, periodDays int) poolAgg {
	return poolAgg{
		count:     g.count + 1,
		usage:     g.usage.Add(dev.Usage),
		fractions: g.fractions.Add(dev.BillingFraction(periodDays)),
	}
}

func (a *Assigner) applyPlacement(dev model.Device, poolIdx int) {
	if !a.in.Pools[poolIdx].Shared {
		return
	}
	a.agg[poolIdx] = a.agg[poolIdx].add(dev, a.in.PeriodDays)
}

// finishStrategy evaluates the completed assignment and keeps it if it beats
// the best strategy so far. Ties keep the earlier strategy (argmin).
func (a *Assigner) finishStrategy() {
	strategy := a.strategies[a.stratPos]
	poolOf := make(map[string]int, len(a.order))
	for pos, poolIdx := range a.placement {
		poolOf[a.in.Devices[a.order[pos]].ID] = poolIdx
	}

	obj, err := a.assignmentObjective(poolOf)
	if err != nil {
		a.logger.Warn().Err(err).Int("strategy", strategy).Msg("strategy evaluation failed")
		a.failed[strategy] = true
		return
	}
	if a.best == nil || obj.LessThan(a.best.objective) {
		a.best = &bestOutcome{strategy: strategy, objective: obj, poolOf: poolOf}
	}
}

// assignmentObjective computes the total objective of a complete assignment.
func (a *Assigner) assignmentObjective(poolOf map[string]int) (decimal.Decimal, error) {
	total := decimal.Zero
	sharedAgg := make(map[int]poolAgg)

	for _, d := range a.in.Devices {
		poolIdx, ok := poolOf[d.ID]
		if !ok {
			return decimal.Zero, fmt.Errorf("device %s unplaced", d.ID)
		}
		pool := a.in.Pools[poolIdx]
		if pool.Shared {
			sharedAgg[poolIdx] = sharedAgg[poolIdx].add(d, a.in.PeriodDays)
			continue
		}
		c, err := billing.DeviceCost(pool, d, a.in.PeriodDays)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(billing.Objective(c, a.in.ChargeType))
	}
	for poolIdx, agg := range sharedAgg {
		c, err := billing.SharedPoolCostScalar(a.in.Pools[poolIdx], agg.count, agg.usage, agg.fractions)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(billing.Objective(c, a.in.ChargeType))
	}
	return total, nil
}

// Outcome builds the final queue result. It applies the lower-cost gate:
// unless SkipLowerCostCheck is set, a candidate that does not beat the
// baseline is replaced by the baseline-identity assignment.
func (a *Assigner) Outcome() Outcome {
	if !a.completed {
		return Outcome{Reason: model.RNone}
	}
	if a.best == nil {
		return Outcome{Reason: model.RAllStrategiesFail}
	}

	poolOf := a.best.poolOf
	strategy := a.best.strategy

	if !a.in.SkipLowerCostCheck {
		baseline, err := a.in.baselineObjective()
		if err == nil && a.best.objective.GreaterThan(baseline) {
			// No improvement: keep devices on their current plans.
			identity, ok := a.identityAssignment()
			if ok {
				poolOf = identity
				strategy = -1
			}
		}
	}

	result, err := a.buildResult(strategy, poolOf)
	if err != nil {
		a.logger.Error().Err(err).Msg("result construction failed")
		return Outcome{Reason: model.RAllStrategiesFail}
	}
	return Outcome{Result: result, Reason: model.RNone}
}

// identityAssignment maps every device to its current plan's pool. Returns
// false when any device's current plan is not in the sequence.
func (a *Assigner) identityAssignment() (map[string]int, bool) {
	idxOf := make(map[string]int, len(a.in.Pools))
	for i, p := range a.in.Pools {
		idxOf[p.PlanID] = i
	}
	poolOf := make(map[string]int, len(a.in.Devices))
	for _, d := range a.in.Devices {
		idx, ok := idxOf[d.CurrentRatePlanID]
		if !ok {
			return nil, false
		}
		poolOf[d.ID] = idx
	}
	return poolOf, true
}

// buildResult produces the per-device rows and aggregate totals for an
// assignment. Shared pools are attributed proportionally to usage.
func (a *Assigner) buildResult(strategy int, poolOf map[string]int) (*model.QueueResult, error) {
	sharedMembers := make(map[int][]model.Device)
	rows := make([]model.DeviceResult, 0, len(a.in.Devices))
	total := decimal.Zero

	for _, d := range a.in.Devices {
		poolIdx, ok := poolOf[d.ID]
		if !ok {
			return nil, fmt.Errorf("device %s unplaced", d.ID)
		}
		pool := a.in.Pools[poolIdx]
		if pool.Shared {
			sharedMembers[poolIdx] = append(sharedMembers[poolIdx], d)
			continue
		}
		c, err := billing.DeviceCost(pool, d, a.in.PeriodDays)
		if err != nil {
			return nil, err
		}
		rows = append(rows, model.DeviceResult{
			DeviceID:           d.ID,
			AssignedRatePlanID: pool.PlanID,
			BaseCost:           c.Base,
			OverageCost:        c.Overage,
			TotalCost:          c.Total,
		})
		total = total.Add(c.Total)
	}

	for poolIdx, members := range sharedMembers {
		pool := a.in.Pools[poolIdx]
		agg, err := billing.SharedPoolCost(pool, members, a.in.PeriodDays)
		if err != nil {
			return nil, err
		}
		rows = append(rows, billing.AttributeShared(pool, members, agg)...)
		total = total.Add(agg.Total)
	}

	sortResults(rows)
	return &model.QueueResult{
		QueueID:       a.in.QueueID,
		StrategyIndex: strategy,
		Devices:       rows,
		TotalCost:     total,
	}, nil
}

// sortResults orders rows by device id so identical inputs always produce
// byte-identical results.
func sortResults(rows []model.DeviceResult) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].DeviceID < rows[j].DeviceID })
}
