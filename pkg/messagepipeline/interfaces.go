package messagepipeline

import (
	"context"
)

// ====================================================================================
// Contracts for the three stages of a pipeline service: a consumer that hands out
// deliveries, a transformer that decodes them, and a processor that applies them.
// ====================================================================================

// --- Stage 1: Consumer ---

// MessageConsumer is a source of deliveries (a Pub/Sub subscription, a durable queue).
type MessageConsumer interface {
	// Messages returns the channel pipeline workers receive deliveries from.
	Messages() <-chan Message
	// Start begins consumption.
	Start(ctx context.Context) error
	// Stop ceases consumption and waits for background tasks to finish.
	Stop(ctx context.Context) error
	// Done returns a channel that is closed when the consumer has shut down.
	Done() <-chan struct{}
}

// --- Stage 2: Transformer ---

// MessageTransformer decodes a Message into a structured payload of type T.
//
// Returning skip=true acknowledges the message without processing it.
// Returning an error settles the message through Settle, so a Permanent error
// is dead-lettered and any other error is nacked.
type MessageTransformer[T any] func(ctx context.Context, msg *Message) (payload *T, skip bool, err error)

// --- Stage 3: Processor ---

// ProcessableItem links a transformed payload with its original message so
// processors can settle the delivery.
type ProcessableItem[T any] struct {
	Original Message
	Payload  *T
}

// StreamProcessor handles transformed messages one by one. The service settles
// the message from the returned error.
type StreamProcessor[T any] func(ctx context.Context, original Message, payload *T) error

// BatchProcessor handles a batch of transformed messages.
//
// The implementation owns the settlement of every message in the batch. An
// error returned from this function is only logged by the service.
type BatchProcessor[T any] func(ctx context.Context, batch []ProcessableItem[T]) error

// ItemHandler applies a single item of a batch. See ProcessIndependently.
type ItemHandler[T any] func(ctx context.Context, item ProcessableItem[T]) error
