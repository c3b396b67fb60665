package store

import (
	"context"
	"fmt"

	"github.com/ManuGH/simopt/internal/model"
)

// ProvisionGroups derives an instance's communication groups from its
// communication plans and device population, validates each group and
// persists it together with its member devices. Group ids are returned in
// derivation order. Devices on an unknown communication plan are dropped;
// an invalid group aborts provisioning so the instance never starts with a
// partial population.
func ProvisionGroups(ctx context.Context, st Store, instanceID int64, commPlans []model.CommunicationPlan, devices []model.Device) ([]int64, error) {
	groups := model.BuildCommGroups(commPlans, devices)
	ids := make([]int64, 0, len(groups))
	for _, g := range groups {
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("provision instance %d: %w", instanceID, err)
		}
		id, err := st.CreateCommGroup(ctx, instanceID, g.PlanIDs)
		if err != nil {
			return nil, fmt.Errorf("provision instance %d: %w", instanceID, err)
		}
		g.ID = id
		if err := st.PutDevices(ctx, id, g.Devices); err != nil {
			return nil, fmt.Errorf("provision instance %d group %d: %w", instanceID, id, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
