package model

import "github.com/shopspring/decimal"

// RatePool is a rate plan prepared for assignment: the plan's pricing terms
// plus the pooling mode. Proration is applied per device at costing time.
type RatePool struct {
	PlanID           string
	Type             PlanType
	Allowance        decimal.Decimal
	BaseRate         decimal.Decimal
	OverageRate      decimal.Decimal
	OverageBlockSize decimal.Decimal
	Shared           bool
}

// NewRatePool derives a pool from a rate plan.
func NewRatePool(p RatePlan) RatePool {
	return RatePool{
		PlanID:           p.ID,
		Type:             p.Type,
		Allowance:        p.IncludedAllowance,
		BaseRate:         p.BaseRate,
		OverageRate:      p.OverageRate,
		OverageBlockSize: p.OverageBlockSize,
		Shared:           p.SharedPool,
	}
}

// RatePoolCollection is an ordered list of candidate pools for one
// communication group. Order matters: it is the sequence fed to the assigner.
type RatePoolCollection []RatePool

// PlanIDs returns the ordered plan ids of the collection.
func (c RatePoolCollection) PlanIDs() []string {
	ids := make([]string, len(c))
	for i, p := range c {
		ids[i] = p.PlanID
	}
	return ids
}

// Reorder returns the collection rearranged to match the given plan id order.
// Unknown ids are skipped.
func (c RatePoolCollection) Reorder(planIDs []string) RatePoolCollection {
	byID := make(map[string]RatePool, len(c))
	for _, p := range c {
		byID[p.PlanID] = p
	}
	out := make(RatePoolCollection, 0, len(planIDs))
	for _, id := range planIDs {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out
}
