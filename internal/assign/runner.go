package assign

import (
	"context"

	"github.com/rs/zerolog"
)

// Runner drives the assigners for one message's batch of queues in order.
// Like the per-queue assigner it is suspendable: Run returns early when the
// context expires and the runner can be snapshotted for a continuation.
type Runner struct {
	items  []*Assigner
	pos    int
	logger zerolog.Logger
}

// NewRunner builds a runner over one input per queue.
func NewRunner(inputs []Input, logger zerolog.Logger) *Runner {
	r := &Runner{logger: logger}
	for _, in := range inputs {
		r.items = append(r.items, New(in, logger))
	}
	return r
}

// Run advances queue by queue until all complete or the context expires.
func (r *Runner) Run(ctx context.Context) error {
	for r.pos < len(r.items) {
		a := r.items[r.pos]
		if err := a.Run(ctx); err != nil {
			return err
		}
		if !a.Completed() {
			return nil // suspended
		}
		r.pos++
	}
	return nil
}

// Completed reports whether every queue in the batch has been evaluated.
func (r *Runner) Completed() bool { return r.pos >= len(r.items) }

// QueueIDs lists all queues in the batch, in processing order.
func (r *Runner) QueueIDs() []int64 {
	ids := make([]int64, len(r.items))
	for i, a := range r.items {
		ids[i] = a.QueueID()
	}
	return ids
}

// UnfinishedQueueIDs lists the queues still pending. On a suspended run this
// is the partially processed queue plus everything after it.
func (r *Runner) UnfinishedQueueIDs() []int64 {
	var ids []int64
	for _, a := range r.items[min(r.pos, len(r.items)):] {
		ids = append(ids, a.QueueID())
	}
	return ids
}

// Finalize force-completes every suspended assigner that already holds a
// complete assignment and returns the queue ids left without any result.
// Outcomes afterwards includes the settled queues.
func (r *Runner) Finalize() []int64 {
	var unresolved []int64
	for _, a := range r.items {
		if !a.Finalize() {
			unresolved = append(unresolved, a.QueueID())
		}
	}
	return unresolved
}

// Outcomes returns the final outcome per completed queue.
func (r *Runner) Outcomes() map[int64]Outcome {
	out := make(map[int64]Outcome, len(r.items))
	for _, a := range r.items {
		if a.Completed() {
			out[a.QueueID()] = a.Outcome()
		}
	}
	return out
}
