package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned when the queue has been shut down.
var ErrClosed = errors.New("queue closed")

// Queue is the transport boundary of the runtime. Implementations provide
// at-least-once delivery: a delivery that is neither acked nor nacked before
// its visibility timeout is redelivered.
type Queue interface {
	Send(ctx context.Context, msg Message) error
	Receive(ctx context.Context) (*Delivery, error)
}

// Delivery is one received message plus its settlement handle.
type Delivery struct {
	Message
	ReceiveCount int

	ack  func()
	nack func()
}

// Ack settles the delivery; the message will not be redelivered.
func (d *Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack returns the message to the queue for immediate redelivery.
func (d *Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}
