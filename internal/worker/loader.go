package worker

import (
	"context"
	"fmt"

	"github.com/ManuGH/simopt/internal/assign"
	"github.com/ManuGH/simopt/internal/model"
	"github.com/ManuGH/simopt/internal/store"
)

// DataLoader materializes one queue's full optimization input: the device
// population, the rate pools in sequence order and the evaluation settings.
// Loading happens exactly once per queue, on the fresh run; continuations
// restore everything from the checkpoint instead.
type DataLoader interface {
	Load(ctx context.Context, queueID int64) (assign.Input, error)
}

// Catalog is the carrier data boundary: rate plan terms and the device
// population per communication group come from outside the runtime.
type Catalog interface {
	RatePlans(ctx context.Context, planIDs []string) ([]model.RatePlan, error)
	GroupDevices(ctx context.Context, commGroupID int64) ([]model.Device, error)
}

// StoreLoader joins the persisted queue row (sequence, charge type, billing
// period) with the carrier catalog (plans, devices).
type StoreLoader struct {
	Store   store.Store
	Catalog Catalog
}

func (l *StoreLoader) Load(ctx context.Context, queueID int64) (assign.Input, error) {
	q, err := l.Store.Queue(ctx, queueID)
	if err != nil {
		return assign.Input{}, fmt.Errorf("load queue %d: %w", queueID, err)
	}
	instance, err := l.Store.Instance(ctx, q.InstanceID)
	if err != nil {
		return assign.Input{}, fmt.Errorf("load queue %d instance: %w", queueID, err)
	}

	plans, err := l.Catalog.RatePlans(ctx, q.Sequence.PlanIDs)
	if err != nil {
		return assign.Input{}, fmt.Errorf("load queue %d plans: %w", queueID, err)
	}
	byID := make(map[string]model.RatePlan, len(plans))
	for _, p := range plans {
		byID[p.ID] = p
	}
	pools := make(model.RatePoolCollection, 0, len(q.Sequence.PlanIDs))
	for _, planID := range q.Sequence.PlanIDs {
		p, ok := byID[planID]
		if !ok {
			return assign.Input{}, fmt.Errorf("load queue %d: unknown rate plan %s", queueID, planID)
		}
		if err := p.Validate(); err != nil {
			return assign.Input{}, fmt.Errorf("load queue %d: %w", queueID, err)
		}
		pools = append(pools, model.NewRatePool(p))
	}

	devices, err := l.Catalog.GroupDevices(ctx, q.CommGroupID)
	if err != nil {
		return assign.Input{}, fmt.Errorf("load queue %d devices: %w", queueID, err)
	}
	group := model.CommGroup{ID: q.CommGroupID, PlanIDs: q.Sequence.PlanIDs, Devices: devices}
	if err := group.Validate(); err != nil {
		return assign.Input{}, fmt.Errorf("load queue %d: %w", queueID, err)
	}

	return assign.Input{
		QueueID:    queueID,
		Pools:      pools,
		Devices:    devices,
		Portal:     instance.Portal,
		ChargeType: q.ChargeType,
		PeriodDays: instance.BillingPeriodDays(),
	}, nil
}

var _ DataLoader = (*StoreLoader)(nil)
