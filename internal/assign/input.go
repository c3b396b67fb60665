// Package assign implements the rate-pool optimizer: a greedy, suspendable
// assignment of devices to rate pools along a candidate sequence.
package assign

import (
	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/billing"
	"github.com/ManuGH/simopt/internal/model"
)

// Input is one queue's work: a device population and a candidate pool
// sequence. Devices are immutable snapshots; the assigner reads them only.
type Input struct {
	QueueID            int64
	Pools              model.RatePoolCollection // sequence order
	Devices            []model.Device
	Portal             model.PortalType
	ChargeType         model.ChargeType
	PeriodDays         int
	SkipLowerCostCheck bool
}

// Outcome is one queue's final candidate: the best strategy's assignment, or
// nothing when every strategy failed.
type Outcome struct {
	Result *model.QueueResult
	Reason model.ReasonCode // R_NONE on success
}

// baselineObjective evaluates the current assignment under the input's
// charge type. Used for the lower-cost gate.
func (in Input) baselineObjective() (decimal.Decimal, error) {
	byID := make(map[string]model.RatePool, len(in.Pools))
	for _, p := range in.Pools {
		byID[p.PlanID] = p
	}
	c, err := billing.BaselineCost(in.Devices, byID, in.PeriodDays)
	if err != nil {
		return decimal.Zero, err
	}
	return billing.Objective(c, in.ChargeType), nil
}
