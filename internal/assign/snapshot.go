package assign

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/model"
)

// SnapshotVersion tags the checkpoint schema. Bump on incompatible changes:
// an unknown version deserializes to ErrInvalidSnapshot, which the runtime
// treats as a lost checkpoint rather than crashing.
const SnapshotVersion = 1

// ErrInvalidSnapshot marks corrupt or incompatible checkpoint payloads.
var ErrInvalidSnapshot = errors.New("invalid assigner snapshot")

type poolSnapshot struct {
	PlanID    string `json:"planId"`
	Type      string `json:"type"`
	Allowance string `json:"allowance"`
	BaseRate  string `json:"baseRate"`
	Overage   string `json:"overageRate"`
	BlockSize string `json:"overageBlockSize"`
	Shared    bool   `json:"shared"`
}

type deviceSnapshot struct {
	ID             string `json:"id"`
	CommPlanID     string `json:"commPlanId"`
	CurrentPlanID  string `json:"currentPlanId"`
	Usage          string `json:"usage"`
	ActivationDate string `json:"activationDate,omitempty"`
	BillingDays    int    `json:"billingDays"`
	Prorated       bool   `json:"prorated"`
}

type bestSnapshot struct {
	Strategy  int            `json:"strategy"`
	Objective string         `json:"objective"`
	PoolOf    map[string]int `json:"poolOf"`
}

type assignerSnapshot struct {
	QueueID            int64            `json:"queueId"`
	Portal             string           `json:"portal"`
	ChargeType         int              `json:"chargeType"`
	PeriodDays         int              `json:"periodDays"`
	SkipLowerCostCheck bool             `json:"skipLowerCostCheck"`
	Pools              []poolSnapshot   `json:"pools"`
	Devices            []deviceSnapshot `json:"devices"`
	StratPos           int              `json:"strategyPos"`
	DevPos             int              `json:"devicePos"`
	Placement          []int            `json:"placement,omitempty"`
	Failed             []int            `json:"failedStrategies,omitempty"`
	Best               *bestSnapshot    `json:"best,omitempty"`
	Completed          bool             `json:"completed"`
}

type runnerSnapshot struct {
	Version int                `json:"version"`
	Items   []assignerSnapshot `json:"items"`
	Pos     int                `json:"pos"`
}

func (a *Assigner) snapshot() assignerSnapshot {
	s := assignerSnapshot{
		QueueID:            a.in.QueueID,
		Portal:             string(a.in.Portal),
		ChargeType:         int(a.in.ChargeType),
		PeriodDays:         a.in.PeriodDays,
		SkipLowerCostCheck: a.in.SkipLowerCostCheck,
		StratPos:           a.stratPos,
		DevPos:             a.devPos,
		Placement:          append([]int(nil), a.placement...),
		Completed:          a.completed,
	}
	for _, p := range a.in.Pools {
		s.Pools = append(s.Pools, poolSnapshot{
			PlanID:    p.PlanID,
			Type:      string(p.Type),
			Allowance: p.Allowance.String(),
			BaseRate:  p.BaseRate.String(),
			Overage:   p.OverageRate.String(),
			BlockSize: p.OverageBlockSize.String(),
			Shared:    p.Shared,
		})
	}
	for _, d := range a.in.Devices {
		ds := deviceSnapshot{
			ID:            d.ID,
			CommPlanID:    d.CommPlanID,
			CurrentPlanID: d.CurrentRatePlanID,
			Usage:         d.Usage.String(),
			BillingDays:   d.BillingDaysActive,
			Prorated:      d.Prorated,
		}
		if !d.ActivationDate.IsZero() {
			ds.ActivationDate = d.ActivationDate.Format(time.RFC3339)
		}
		s.Devices = append(s.Devices, ds)
	}
	for strategy := range a.failed {
		s.Failed = append(s.Failed, strategy)
	}
	sort.Ints(s.Failed)
	if a.best != nil {
		s.Best = &bestSnapshot{
			Strategy:  a.best.strategy,
			Objective: a.best.objective.String(),
			PoolOf:    a.best.poolOf,
		}
	}
	return s
}

func restoreAssigner(s assignerSnapshot, logger zerolog.Logger) (*Assigner, error) {
	in := Input{
		QueueID:            s.QueueID,
		Portal:             model.PortalType(s.Portal),
		ChargeType:         model.ChargeType(s.ChargeType),
		PeriodDays:         s.PeriodDays,
		SkipLowerCostCheck: s.SkipLowerCostCheck,
	}
	for _, p := range s.Pools {
		pool, err := restorePool(p)
		if err != nil {
			return nil, err
		}
		in.Pools = append(in.Pools, pool)
	}
	for _, d := range s.Devices {
		dev, err := restoreDevice(d)
		if err != nil {
			return nil, err
		}
		in.Devices = append(in.Devices, dev)
	}

	a := New(in, logger)
	a.stratPos = s.StratPos
	a.devPos = s.DevPos
	a.completed = s.Completed
	for _, strategy := range s.Failed {
		a.failed[strategy] = true
	}
	if s.Best != nil {
		obj, err := decimal.NewFromString(s.Best.Objective)
		if err != nil {
			return nil, fmt.Errorf("%w: best objective: %v", ErrInvalidSnapshot, err)
		}
		a.best = &bestOutcome{strategy: s.Best.Strategy, objective: obj, poolOf: s.Best.PoolOf}
	}

	// Rebuild the in-strategy working state: the device order is recomputed
	// deterministically, the pool aggregates replayed from the placements.
	if !a.completed && a.stratPos < len(a.strategies) && s.Placement != nil {
		a.order = deviceOrder(in.Devices, a.strategies[a.stratPos])
		if len(s.Placement) != len(a.order) {
			return nil, fmt.Errorf("%w: placement length mismatch", ErrInvalidSnapshot)
		}
		a.placement = append([]int(nil), s.Placement...)
		a.resetAggregates()
		for pos := 0; pos < a.devPos && pos < len(a.order); pos++ {
			poolIdx := a.placement[pos]
			if poolIdx < 0 || poolIdx >= len(in.Pools) {
				return nil, fmt.Errorf("%w: placement out of range", ErrInvalidSnapshot)
			}
			a.applyPlacement(in.Devices[a.order[pos]], poolIdx)
		}
	}
	return a, nil
}

func restorePool(p poolSnapshot) (model.RatePool, error) {
	out := model.RatePool{PlanID: p.PlanID, Type: model.PlanType(p.Type), Shared: p.Shared}
	var err error
	if out.Allowance, err = decimal.NewFromString(p.Allowance); err != nil {
		return out, fmt.Errorf("%w: pool %s allowance: %v", ErrInvalidSnapshot, p.PlanID, err)
	}
	if out.BaseRate, err = decimal.NewFromString(p.BaseRate); err != nil {
		return out, fmt.Errorf("%w: pool %s base rate: %v", ErrInvalidSnapshot, p.PlanID, err)
	}
	if out.OverageRate, err = decimal.NewFromString(p.Overage); err != nil {
		return out, fmt.Errorf("%w: pool %s overage rate: %v", ErrInvalidSnapshot, p.PlanID, err)
	}
	if out.OverageBlockSize, err = decimal.NewFromString(p.BlockSize); err != nil {
		return out, fmt.Errorf("%w: pool %s block size: %v", ErrInvalidSnapshot, p.PlanID, err)
	}
	return out, nil
}

func restoreDevice(d deviceSnapshot) (model.Device, error) {
	out := model.Device{
		ID:                d.ID,
		CommPlanID:        d.CommPlanID,
		CurrentRatePlanID: d.CurrentPlanID,
		BillingDaysActive: d.BillingDays,
		Prorated:          d.Prorated,
	}
	var err error
	if out.Usage, err = decimal.NewFromString(d.Usage); err != nil {
		return out, fmt.Errorf("%w: device %s usage: %v", ErrInvalidSnapshot, d.ID, err)
	}
	if d.ActivationDate != "" {
		if out.ActivationDate, err = time.Parse(time.RFC3339, d.ActivationDate); err != nil {
			return out, fmt.Errorf("%w: device %s activation: %v", ErrInvalidSnapshot, d.ID, err)
		}
	}
	return out, nil
}

// Snapshot serializes the runner's full state: inputs, per-queue progress
// and best results. The payload is self-describing; a later worker built
// from the same schema version can resume it.
func (r *Runner) Snapshot() ([]byte, error) {
	s := runnerSnapshot{Version: SnapshotVersion, Pos: r.pos}
	for _, a := range r.items {
		s.Items = append(s.Items, a.snapshot())
	}
	return json.Marshal(s)
}

// Restore deserializes a runner snapshot. Corrupt payloads and unknown
// versions return ErrInvalidSnapshot.
func Restore(data []byte, logger zerolog.Logger) (*Runner, error) {
	var s runnerSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidSnapshot, s.Version)
	}
	r := &Runner{pos: s.Pos, logger: logger}
	for _, item := range s.Items {
		a, err := restoreAssigner(item, logger)
		if err != nil {
			return nil, err
		}
		r.items = append(r.items, a)
	}
	if r.pos < 0 || r.pos > len(r.items) {
		return nil, fmt.Errorf("%w: position out of range", ErrInvalidSnapshot)
	}
	return r, nil
}
