// Package messaging defines the queue abstraction used for fire-and-forget
// dispatch hand-off between the engine loops and the worker pool.
package messaging

import (
	"context"
)

// Queue is an abstract, at-least-once message queue for any payload type.
type Queue[T any] interface {
	// Publish adds a new message with payload to the queue
	Publish(ctx context.Context, t *T) error

	// Consume retrieves a single message from the queue
	Consume(ctx context.Context) (Message[T], error)
}

// Message represents a message retrieved from a queue
type Message[T any] interface {
	// T returns the payload of this message
	T() *T

	// Ack acknowledges successful processing of this message
	Ack() error

	// Nack indicates failure in processing this message; implementations may
	// requeue it or move it to a dead-letter queue
	Nack(err error) error
}
