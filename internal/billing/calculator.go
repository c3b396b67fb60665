// Package billing computes rate-pool charges. All arithmetic is decimal;
// binary floats never touch money.
package billing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/model"
)

// Charges is the cost breakdown of a device or pool for one billing period.
type Charges struct {
	Base    decimal.Decimal
	Overage decimal.Decimal
	Total   decimal.Decimal
}

func newCharges(base, overage decimal.Decimal) Charges {
	return Charges{Base: base, Overage: overage, Total: base.Add(overage)}
}

// Add returns the element-wise sum of two charge breakdowns.
func (c Charges) Add(o Charges) Charges {
	return Charges{
		Base:    c.Base.Add(o.Base),
		Overage: c.Overage.Add(o.Overage),
		Total:   c.Total.Add(o.Total),
	}
}

// Objective selects the terms the assigner optimizes for. Reporting always
// uses the full breakdown regardless of charge type.
func Objective(c Charges, ct model.ChargeType) decimal.Decimal {
	switch ct {
	case model.ChargeOverageOnly:
		return c.Overage
	case model.ChargeBaseOnly:
		return c.Base
	default:
		return c.Total
	}
}

// overageBlocks returns ceil(units / blockSize) computed exactly.
func overageBlocks(units, blockSize decimal.Decimal) (decimal.Decimal, error) {
	if !blockSize.IsPositive() {
		return decimal.Zero, fmt.Errorf("overage block size must be positive, got %s", blockSize)
	}
	if !units.IsPositive() {
		return decimal.Zero, nil
	}
	rem := units.Mod(blockSize)
	blocks := units.Sub(rem).Div(blockSize)
	if rem.IsPositive() {
		blocks = blocks.Add(decimal.NewFromInt(1))
	}
	return blocks, nil
}

// DeviceCost computes the unshared cost of a single device on a single pool:
//
//	base    = base_rate x billing_fraction
//	overage = ceil(max(0, usage - allowance x billing_fraction) / block) x rate
func DeviceCost(pool model.RatePool, d model.Device, periodDays int) (Charges, error) {
	if !pool.OverageRate.IsPositive() || !pool.OverageBlockSize.IsPositive() {
		return Charges{}, fmt.Errorf("pool %s: ineligible pricing terms", pool.PlanID)
	}
	fraction := d.BillingFraction(periodDays)
	base := pool.BaseRate.Mul(fraction)
	allowance := pool.Allowance.Mul(fraction)

	units := d.Usage.Sub(allowance)
	if units.IsNegative() {
		units = decimal.Zero
	}
	blocks, err := overageBlocks(units, pool.OverageBlockSize)
	if err != nil {
		return Charges{}, fmt.Errorf("device %s: %w", d.ID, err)
	}
	return newCharges(base, blocks.Mul(pool.OverageRate)), nil
}

// SharedPoolCost computes the aggregate cost of a shared pool: the base rate
// is charged once per pool, usage is summed across members, and overage is
// computed once from the aggregate. The pool carries a single allowance;
// prorated members contribute their billing fraction, so the effective
// allowance is the allowance scaled by the mean member fraction.
func SharedPoolCost(pool model.RatePool, devices []model.Device, periodDays int) (Charges, error) {
	if len(devices) == 0 {
		return Charges{}, nil
	}
	fractions := decimal.Zero
	usage := decimal.Zero
	for _, d := range devices {
		fractions = fractions.Add(d.BillingFraction(periodDays))
		usage = usage.Add(d.Usage)
	}
	return SharedPoolCostScalar(pool, len(devices), usage, fractions)
}

// SharedPoolCostScalar is SharedPoolCost on running aggregates: member
// count, summed usage and summed billing fractions. The assigner uses it to
// compute marginal costs without materializing memberships.
func SharedPoolCostScalar(pool model.RatePool, count int, usage, fractions decimal.Decimal) (Charges, error) {
	if count == 0 {
		return Charges{Base: decimal.Zero, Overage: decimal.Zero, Total: decimal.Zero}, nil
	}
	if !pool.OverageRate.IsPositive() || !pool.OverageBlockSize.IsPositive() {
		return Charges{}, fmt.Errorf("pool %s: ineligible pricing terms", pool.PlanID)
	}
	allowance := pool.Allowance.Mul(fractions).Div(decimal.NewFromInt(int64(count)))
	units := usage.Sub(allowance)
	if units.IsNegative() {
		units = decimal.Zero
	}
	blocks, err := overageBlocks(units, pool.OverageBlockSize)
	if err != nil {
		return Charges{}, fmt.Errorf("pool %s: %w", pool.PlanID, err)
	}
	return newCharges(pool.BaseRate, blocks.Mul(pool.OverageRate)), nil
}

// moneyPlaces is the attribution precision: four decimals per the money model.
const moneyPlaces = 4

// AttributeShared splits a shared pool's aggregate charges across its member
// devices proportionally to usage. Rounding remainders go to the device with
// the lowest id so the per-device rows always sum exactly to the aggregate.
func AttributeShared(pool model.RatePool, devices []model.Device, agg Charges) []model.DeviceResult {
	if len(devices) == 0 {
		return nil
	}
	members := append([]model.Device(nil), devices...)
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	totalUsage := decimal.Zero
	for _, d := range members {
		totalUsage = totalUsage.Add(d.Usage)
	}

	n := decimal.NewFromInt(int64(len(members)))
	results := make([]model.DeviceResult, len(members))
	sumBase, sumOverage := decimal.Zero, decimal.Zero
	for i, d := range members {
		share := decimal.NewFromInt(1).Div(n)
		if totalUsage.IsPositive() {
			share = d.Usage.Div(totalUsage)
		}
		base := agg.Base.Mul(share).Round(moneyPlaces)
		overage := agg.Overage.Mul(share).Round(moneyPlaces)
		results[i] = model.DeviceResult{
			DeviceID:           d.ID,
			AssignedRatePlanID: pool.PlanID,
			BaseCost:           base,
			OverageCost:        overage,
		}
		sumBase = sumBase.Add(base)
		sumOverage = sumOverage.Add(overage)
	}

	// Remainder correction on the first (lowest-id) member.
	results[0].BaseCost = results[0].BaseCost.Add(agg.Base.Sub(sumBase))
	results[0].OverageCost = results[0].OverageCost.Add(agg.Overage.Sub(sumOverage))
	for i := range results {
		results[i].TotalCost = results[i].BaseCost.Add(results[i].OverageCost)
	}
	return results
}

// BaselineCost evaluates the device population on its current rate plans.
// Devices on the same shared plan are pooled; everything else is costed
// individually. Devices whose current plan is unknown are skipped.
func BaselineCost(devices []model.Device, poolsByPlanID map[string]model.RatePool, periodDays int) (Charges, error) {
	sharedMembers := make(map[string][]model.Device)
	total := Charges{Base: decimal.Zero, Overage: decimal.Zero, Total: decimal.Zero}

	for _, d := range devices {
		pool, ok := poolsByPlanID[d.CurrentRatePlanID]
		if !ok {
			continue
		}
		if pool.Shared {
			sharedMembers[pool.PlanID] = append(sharedMembers[pool.PlanID], d)
			continue
		}
		c, err := DeviceCost(pool, d, periodDays)
		if err != nil {
			return Charges{}, err
		}
		total = total.Add(c)
	}

	planIDs := make([]string, 0, len(sharedMembers))
	for id := range sharedMembers {
		planIDs = append(planIDs, id)
	}
	sort.Strings(planIDs)
	for _, id := range planIDs {
		c, err := SharedPoolCost(poolsByPlanID[id], sharedMembers[id], periodDays)
		if err != nil {
			return Charges{}, err
		}
		total = total.Add(c)
	}
	return total, nil
}
