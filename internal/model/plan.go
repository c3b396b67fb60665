package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Configuration-error sentinels. The worker maps these onto typed reason
// codes when loading a queue's input fails.
var (
	ErrIneligiblePlan = errors.New("rate plan not eligible for optimization")
	ErrGroupTooLarge  = errors.New("candidate plan set exceeds the group limit")
	ErrNoDevices      = errors.New("communication group has no devices")
)

// PlanType classifies a carrier rate plan.
type PlanType string

const (
	PlanTypeData      PlanType = "data"
	PlanTypeVoice     PlanType = "voice"
	PlanTypeSMS       PlanType = "sms"
	PlanTypeBundle    PlanType = "bundle"
	PlanTypeIoT       PlanType = "iot"
	PlanTypeUnlimited PlanType = "unlimited"
	PlanTypePrepaid   PlanType = "prepaid"
)

// MaxPlansPerGroup is the hard upper bound on candidate rate plans per
// communication group. Groups above this bound fail fast.
const MaxPlansPerGroup = 15

// RatePlan is a carrier-offered tariff.
type RatePlan struct {
	ID                string
	Type              PlanType
	IncludedAllowance decimal.Decimal // allowance units, nominally MB for data
	BaseRate          decimal.Decimal // per billing period, unprorated
	OverageRate       decimal.Decimal // per overage block
	OverageBlockSize  decimal.Decimal // units matching the allowance
	SharedPool        bool
}

// Eligible reports whether the plan can participate in optimization.
// Plans without a positive overage rate and block size cannot be costed.
func (p RatePlan) Eligible() bool {
	return p.OverageRate.IsPositive() && p.OverageBlockSize.IsPositive()
}

// Validate returns a descriptive error for ineligible plans.
func (p RatePlan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("rate plan: missing id")
	}
	if p.IncludedAllowance.IsNegative() {
		return fmt.Errorf("rate plan %s: negative allowance", p.ID)
	}
	if !p.Eligible() {
		return fmt.Errorf("rate plan %s: overage rate and block size must be positive: %w", p.ID, ErrIneligiblePlan)
	}
	return nil
}

// CommunicationPlan groups devices that share the same candidate rate plans.
type CommunicationPlan struct {
	ID                string
	CandidatePlanIDs  []string // ordered set
	ServiceProviderID int64
}

// CommGroup merges all communication plans with identical candidate rate
// plan sets. It is derived fresh per optimization run.
type CommGroup struct {
	ID          int64
	PlanIDs     []string // sorted candidate rate plan ids
	CommPlanIDs []string // member communication plans
	Devices     []Device
}

// Key returns the canonical identity of a candidate plan set: the sorted,
// comma-joined plan ids. The same format is persisted in
// optimization_comm_group.rate_plan_ids.
func GroupKey(planIDs []string) string {
	ids := append([]string(nil), planIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// GroupKeyOrdered joins plan ids preserving order. Two sequences are the
// same ordering iff their ordered keys match.
func GroupKeyOrdered(planIDs []string) string {
	return strings.Join(planIDs, ",")
}

// BuildCommGroups merges communication plans with identical candidate plan
// sets into communication groups and distributes devices into them.
// Devices whose communication plan is unknown are dropped.
func BuildCommGroups(commPlans []CommunicationPlan, devices []Device) []*CommGroup {
	byKey := make(map[string]*CommGroup)
	planToKey := make(map[string]string, len(commPlans))
	var order []string

	for _, cp := range commPlans {
		key := GroupKey(cp.CandidatePlanIDs)
		planToKey[cp.ID] = key
		g, ok := byKey[key]
		if !ok {
			ids := append([]string(nil), cp.CandidatePlanIDs...)
			sort.Strings(ids)
			g = &CommGroup{PlanIDs: ids}
			byKey[key] = g
			order = append(order, key)
		}
		g.CommPlanIDs = append(g.CommPlanIDs, cp.ID)
	}

	for _, d := range devices {
		key, ok := planToKey[d.CommPlanID]
		if !ok {
			continue
		}
		g := byKey[key]
		g.Devices = append(g.Devices, d)
	}

	groups := make([]*CommGroup, 0, len(order))
	for _, key := range order {
		groups = append(groups, byKey[key])
	}
	return groups
}

// Validate enforces the per-group candidate bound and device presence.
func (g *CommGroup) Validate() error {
	if len(g.PlanIDs) > MaxPlansPerGroup {
		return fmt.Errorf("comm group %d: %d candidate plans, limit %d: %w", g.ID, len(g.PlanIDs), MaxPlansPerGroup, ErrGroupTooLarge)
	}
	if len(g.Devices) == 0 {
		return fmt.Errorf("comm group %d: %w", g.ID, ErrNoDevices)
	}
	return nil
}
