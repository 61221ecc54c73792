// Package consumer holds the queue consumers that apply object events to the
// metadata store.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/jackjduggan/ds-eda-ca/pkg/metrics"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/jackjduggan/ds-eda-ca/pkg/router"
	"github.com/rs/zerolog"
)

// DefaultDeadline bounds one store consumer invocation.
const DefaultDeadline = 15 * time.Second

var (
	// ErrUnsupportedPayloadType is a business rejection: the delivery is acked
	// without a write.
	ErrUnsupportedPayloadType = errors.New("unsupported payload type")
	// ErrWrongKind is returned when a consumer is handed an event it does not handle.
	ErrWrongKind = errors.New("event kind not handled by this consumer")
)

// Handler applies one event.
type Handler func(ctx context.Context, evt objectevent.ObjectEvent) error

// EventPublisher publishes an event to a topic. *router.Topic satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, evt objectevent.ObjectEvent) ([]router.Delivery, error)
}

// Decode is the MessageTransformer for queue deliveries. Bodies that cannot be
// decoded are permanent failures.
func Decode(_ context.Context, msg *messagepipeline.Message) (*objectevent.ObjectEvent, bool, error) {
	evt, err := objectevent.Decode(msg.Payload)
	if err != nil {
		return nil, false, messagepipeline.Permanent(err)
	}
	evt.ReceivedAttemptCount = msg.DeliveryAttempt
	return &evt, false, nil
}

// Handler results recorded in metrics.
const (
	resultOK        = "ok"
	resultRejected  = "rejected"
	resultPermanent = "permanent"
	resultTransient = "transient"
	resultTimeout   = "timeout"
)

// Bind adapts h to a batch item handler. A call is bounded by deadline and by
// ctx, which carries the deadline of the whole batch; running out of time is a
// transient failure. A business rejection
// (ErrUnsupportedPayloadType) is reported as success so the delivery is acked.
func Bind(
	name string,
	h Handler,
	deadline time.Duration,
	m *metrics.Metrics,
	logger zerolog.Logger,
) messagepipeline.ItemHandler[objectevent.ObjectEvent] {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	logger = logger.With().Str("handler", name).Logger()

	return func(ctx context.Context, item messagepipeline.ProcessableItem[objectevent.ObjectEvent]) error {
		if item.Payload == nil {
			return messagepipeline.Permanent(fmt.Errorf("%s: empty payload", name))
		}
		evt := *item.Payload

		callCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()

		start := time.Now()
		err := h(callCtx, evt)
		result := classify(err)
		m.RecordHandler(name, result, time.Since(start))

		log := logger.With().Str("event_id", evt.ID).Str("key", evt.ObjectKey()).Int("attempt", evt.ReceivedAttemptCount).Logger()
		switch result {
		case resultOK:
			log.Debug().Msg("Event applied.")
			return nil
		case resultRejected:
			log.Info().Err(err).Msg("Event rejected, acknowledging.")
			return nil
		case resultTimeout:
			return fmt.Errorf("%s exceeded %s deadline: %w", name, deadline, err)
		default:
			return err
		}
	}
}

func classify(err error) string {
	switch {
	case err == nil:
		return resultOK
	case errors.Is(err, ErrUnsupportedPayloadType):
		return resultRejected
	case messagepipeline.IsPermanent(err):
		return resultPermanent
	case errors.Is(err, context.DeadlineExceeded):
		return resultTimeout
	default:
		return resultTransient
	}
}

func wrongKind(want objectevent.Kind, evt objectevent.ObjectEvent) error {
	return messagepipeline.Permanent(fmt.Errorf("%w: want %s, got %s", ErrWrongKind, want, evt.Kind()))
}
