package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ManuGH/simopt/internal/queue"
)

// Consumer pumps the work queue into the runtime. Run one Consumer per
// desired degree of parallelism; batches are disjoint by construction, so
// consumers never contend on a queue id.
type Consumer struct {
	Queue   queue.Queue
	Runtime *Runtime
	Logger  zerolog.Logger
}

// Run consumes until the context is cancelled or the queue closes.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		d, err := c.Queue.Receive(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, queue.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		if !d.IsTask() {
			// Sequence-generation traffic belongs to the orchestrator.
			// Leave it on the queue for the consumer that owns it.
			c.Logger.Debug().Str("message_id", d.ID).Msg("not a worker task, requeueing")
			d.Nack()
			continue
		}

		if err := c.Runtime.OnMessage(ctx, d.Message); err != nil {
			c.Logger.Error().Err(err).Str("message_id", d.ID).Msg("message processing failed, requeueing")
			d.Nack()
			continue
		}
		d.Ack()
	}
}
