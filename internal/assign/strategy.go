package assign

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/model"
)

// The four grouping x ordering strategies. Mobility portals restrict the set
// to the two ungrouped strategies.
const (
	StrategyUsageDesc      = 0 // ungrouped, largest usage first
	StrategyUsageAsc       = 1 // ungrouped, smallest usage first
	StrategyGroupUsageDesc = 2 // grouped by comm plan, heaviest group first
	StrategyGroupUsageAsc  = 3 // grouped by comm plan, lightest group first
)

// strategiesFor returns the strategy indices evaluated for a portal type.
func strategiesFor(portal model.PortalType) []int {
	if portal == model.PortalMobility {
		return []int{StrategyUsageDesc, StrategyUsageAsc}
	}
	return []int{StrategyUsageDesc, StrategyUsageAsc, StrategyGroupUsageDesc, StrategyGroupUsageAsc}
}

// deviceOrder returns device indices in the processing order of the given
// strategy. The order is fully deterministic: usage ties fall back to device
// id, group ties to comm plan id.
func deviceOrder(devices []model.Device, strategy int) []int {
	idx := make([]int, len(devices))
	for i := range idx {
		idx[i] = i
	}

	byUsage := func(desc bool) func(a, b int) bool {
		return func(a, b int) bool {
			a, b = idx[a], idx[b]
			ua, ub := devices[a].Usage, devices[b].Usage
			if !ua.Equal(ub) {
				if desc {
					return ua.GreaterThan(ub)
				}
				return ua.LessThan(ub)
			}
			return devices[a].ID < devices[b].ID
		}
	}

	switch strategy {
	case StrategyUsageDesc:
		sort.SliceStable(idx, byUsage(true))
	case StrategyUsageAsc:
		sort.SliceStable(idx, byUsage(false))
	case StrategyGroupUsageDesc, StrategyGroupUsageAsc:
		agg := make(map[string]decimal.Decimal)
		for _, d := range devices {
			agg[d.CommPlanID] = agg[d.CommPlanID].Add(d.Usage)
		}
		desc := strategy == StrategyGroupUsageDesc
		sort.SliceStable(idx, func(a, b int) bool {
			a, b = idx[a], idx[b]
			ga, gb := devices[a].CommPlanID, devices[b].CommPlanID
			if ga != gb {
				ua, ub := agg[ga], agg[gb]
				if !ua.Equal(ub) {
					if desc {
						return ua.GreaterThan(ub)
					}
					return ua.LessThan(ub)
				}
				return ga < gb
			}
			// Within a group: largest usage first, id tie-break.
			ua, ub := devices[a].Usage, devices[b].Usage
			if !ua.Equal(ub) {
				return ua.GreaterThan(ub)
			}
			return devices[a].ID < devices[b].ID
		})
	}
	return idx
}
