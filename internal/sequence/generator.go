// Package sequence produces ranked, de-duplicated, bounded rate-plan
// orderings that seed parallel assignment attempts.
package sequence

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/ManuGH/simopt/internal/billing"
	"github.com/ManuGH/simopt/internal/model"
)

// Defaults for generation bounds. MaxSequences caps the returned set;
// FirstInstanceLimit switches to distributed generation when the unbounded
// permutation count would exceed it.
const (
	DefaultMaxSequences       = 240
	DefaultRandomSeeds        = 32
	DefaultFirstInstanceLimit = 2000
	DefaultBatchSize          = 10

	// minDiversity is the normalized-entropy floor for type-balanced mode.
	minDiversity = 0.3
)

// Options tune one generation run.
type Options struct {
	MaxSequences       int
	RandomSeeds        int
	FirstInstanceLimit int
	TypeBalanced       bool // mobility: maintain representation across plan types
	Rand               *rand.Rand
	SkipSavingsFilter  bool
}

func (o Options) withDefaults() Options {
	if o.MaxSequences <= 0 {
		o.MaxSequences = DefaultMaxSequences
	}
	if o.RandomSeeds <= 0 {
		o.RandomSeeds = DefaultRandomSeeds
	}
	if o.FirstInstanceLimit <= 0 {
		o.FirstInstanceLimit = DefaultFirstInstanceLimit
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(1))
	}
	return o
}

// Result is the outcome of one generation run. When Distributed is set, the
// candidate space was too large for a single pass: Sequences holds a single
// placeholder ordering and batched generation is dispatched by the
// orchestrator instead.
type Result struct {
	Sequences   []model.PlanSequence
	Distributed bool
}

// Generate produces the candidate sequences for one communication group.
// The device population is used for cost-hint ranking and the no-savings
// filter against the current assignment.
func Generate(pools model.RatePoolCollection, devices []model.Device, periodDays int, opts Options) (Result, error) {
	opts = opts.withDefaults()

	eligible := make(model.RatePoolCollection, 0, len(pools))
	for _, p := range pools {
		if p.OverageRate.IsPositive() && p.OverageBlockSize.IsPositive() {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return Result{}, fmt.Errorf("no eligible rate pools")
	}
	if len(eligible) > model.MaxPlansPerGroup {
		return Result{}, fmt.Errorf("%d pools exceeds the per-group limit of %d", len(eligible), model.MaxPlansPerGroup)
	}

	if permutationCount(len(eligible)) > opts.FirstInstanceLimit {
		hint, err := costHint(eligible, devices, periodDays)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Distributed: true,
			Sequences:   []model.PlanSequence{{PlanIDs: eligible.PlanIDs(), CostHint: hint}},
		}, nil
	}

	candidates := seedOrderings(eligible, opts)

	// De-duplicate by ordered plan-id list.
	seen := make(map[string]bool, len(candidates))
	unique := candidates[:0]
	for _, c := range candidates {
		key := model.GroupKeyOrdered(c.PlanIDs())
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, c)
	}

	if opts.TypeBalanced {
		unique = filterByDiversity(unique)
	}

	sequences := make([]model.PlanSequence, 0, len(unique))
	for _, c := range unique {
		hint, err := costHint(c, devices, periodDays)
		if err != nil {
			return Result{}, err
		}
		sequences = append(sequences, model.PlanSequence{PlanIDs: c.PlanIDs(), CostHint: hint})
	}

	if !opts.SkipSavingsFilter {
		sequences = filterNoSavings(sequences, eligible, devices, periodDays)
	}

	sort.SliceStable(sequences, func(i, j int) bool {
		return sequences[i].CostHint.LessThan(sequences[j].CostHint)
	})
	if len(sequences) > opts.MaxSequences {
		sequences = sequences[:opts.MaxSequences]
	}
	return Result{Sequences: sequences}, nil
}

// permutationCount returns n! capped to avoid overflow; anything past the
// cap is treated as "too many".
func permutationCount(n int) int {
	count := 1
	for i := 2; i <= n; i++ {
		count *= i
		if count > 1<<30 {
			return 1 << 30
		}
	}
	return count
}

// seedOrderings produces the candidate orderings: three heuristic seeds plus
// a bounded number of random permutations. Each seed yields one full ordering.
func seedOrderings(pools model.RatePoolCollection, opts Options) []model.RatePoolCollection {
	out := make([]model.RatePoolCollection, 0, 3+opts.RandomSeeds)

	out = append(out, sortedBy(pools, func(a, b model.RatePool) bool {
		if !a.BaseRate.Equal(b.BaseRate) {
			return a.BaseRate.LessThan(b.BaseRate)
		}
		return a.PlanID < b.PlanID
	}))
	out = append(out, sortedBy(pools, func(a, b model.RatePool) bool {
		au := a.OverageRate.Div(a.OverageBlockSize)
		bu := b.OverageRate.Div(b.OverageBlockSize)
		if !au.Equal(bu) {
			return au.LessThan(bu)
		}
		return a.PlanID < b.PlanID
	}))
	out = append(out, sortedBy(pools, func(a, b model.RatePool) bool {
		if !a.Allowance.Equal(b.Allowance) {
			return a.Allowance.GreaterThan(b.Allowance)
		}
		return a.PlanID < b.PlanID
	}))

	for i := 0; i < opts.RandomSeeds; i++ {
		shuffled := append(model.RatePoolCollection(nil), pools...)
		opts.Rand.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		out = append(out, shuffled)
	}
	return out
}

func sortedBy(pools model.RatePoolCollection, less func(a, b model.RatePool) bool) model.RatePoolCollection {
	out := append(model.RatePoolCollection(nil), pools...)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// costHint estimates a sequence's cost by assigning every device to its first
// pool and computing the unshared cost. Cheap and rough: it only has to rank.
func costHint(pools model.RatePoolCollection, devices []model.Device, periodDays int) (decimal.Decimal, error) {
	if len(pools) == 0 || len(devices) == 0 {
		return decimal.Zero, nil
	}
	first := pools[0]
	total := decimal.Zero
	for _, d := range devices {
		c, err := billing.DeviceCost(first, d, periodDays)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(c.Total)
	}
	return total, nil
}

// filterNoSavings drops sequences whose best-case hint exceeds the current
// device cost. If nothing survives, the original candidate ordering is
// retained as the baseline-identity sequence.
func filterNoSavings(seqs []model.PlanSequence, pools model.RatePoolCollection, devices []model.Device, periodDays int) []model.PlanSequence {
	byID := make(map[string]model.RatePool, len(pools))
	for _, p := range pools {
		byID[p.PlanID] = p
	}
	baseline, err := billing.BaselineCost(devices, byID, periodDays)
	if err != nil {
		return seqs
	}

	kept := seqs[:0]
	for _, s := range seqs {
		if s.CostHint.LessThanOrEqual(baseline.Total) {
			kept = append(kept, s)
		}
	}
	if len(kept) > 0 {
		return kept
	}

	hint, err := costHint(pools, devices, periodDays)
	if err != nil {
		hint = decimal.Zero
	}
	return []model.PlanSequence{{PlanIDs: pools.PlanIDs(), CostHint: hint}}
}

// filterByDiversity drops orderings whose leading window is dominated by a
// single plan type. Diversity is the normalized Shannon entropy over the
// plan types in the window; orderings below minDiversity of max are dropped.
// With a single plan type present, every ordering passes.
func filterByDiversity(cands []model.RatePoolCollection) []model.RatePoolCollection {
	if len(cands) == 0 {
		return cands
	}
	types := make(map[model.PlanType]bool)
	for _, p := range cands[0] {
		types[p.Type] = true
	}
	if len(types) < 2 {
		return cands
	}

	window := 2 * len(types)
	kept := cands[:0]
	for _, c := range cands {
		if diversity(c, window, len(types)) >= minDiversity {
			kept = append(kept, c)
		}
	}
	return kept
}

func diversity(pools model.RatePoolCollection, window, numTypes int) float64 {
	if window > len(pools) {
		window = len(pools)
	}
	counts := make(map[model.PlanType]int)
	for _, p := range pools[:window] {
		counts[p.Type]++
	}
	entropy := 0.0
	for _, n := range counts {
		p := float64(n) / float64(window)
		entropy -= p * math.Log(p)
	}
	max := math.Log(float64(numTypes))
	if max == 0 {
		return 1
	}
	return entropy / max
}

// Batch splits sequences into enqueue-sized groups, one work message each.
func Batch(seqs []model.PlanSequence, size int) [][]model.PlanSequence {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]model.PlanSequence
	for start := 0; start < len(seqs); start += size {
		end := start + size
		if end > len(seqs) {
			end = len(seqs)
		}
		out = append(out, seqs[start:end])
	}
	return out
}
