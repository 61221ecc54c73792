// Package notifier turns dead-lettered, rejected and ingested events into
// human-readable notifications.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackjduggan/ds-eda-ca/pkg/metrics"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/rs/zerolog"
)

// DefaultDeadline bounds one notification invocation.
const DefaultDeadline = 3 * time.Second

// ErrDelivery wraps every sink failure. It is transient: the delivery is
// nacked and retried by its queue.
var ErrDelivery = errors.New("notification delivery failed")

// Notification types, used as metric labels and sink attributes.
const (
	TypeDeadLetter   = "dead_letter"
	TypeConfirmation = "confirmation"
	TypeRejection    = "rejection"
)

// Sink delivers a formatted notification.
type Sink interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// Config holds notifier settings.
type Config struct {
	// Recipient receives every notification.
	Recipient string
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithMetrics records every send attempt.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Notifier) { n.metrics = m }
}

// Notifier formats events and hands them to a Sink.
type Notifier struct {
	sink    Sink
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a Notifier.
func New(sink Sink, cfg Config, logger zerolog.Logger, opts ...Option) (*Notifier, error) {
	if sink == nil {
		return nil, errors.New("notification sink cannot be nil")
	}
	if cfg.Recipient == "" {
		return nil, errors.New("notification recipient cannot be empty")
	}
	n := &Notifier{
		sink:   sink,
		cfg:    cfg,
		logger: logger.With().Str("component", "Notifier").Logger(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// OnDeadLettered reports an event that exhausted its retries or failed permanently.
func (n *Notifier) OnDeadLettered(ctx context.Context, evt objectevent.ObjectEvent) error {
	subject := fmt.Sprintf("Processing failed for %s", evt.ObjectKey())

	var b strings.Builder
	fmt.Fprintf(&b, "The %s event for object %q could not be processed.\n", strings.ToLower(string(evt.Kind())), evt.ObjectKey())
	if q, ok := evt.Attr(objectevent.AttrSourceQueue); ok {
		fmt.Fprintf(&b, "Queue: %s\n", q)
	}
	if a, ok := evt.Attr(objectevent.AttrAttempts); ok {
		fmt.Fprintf(&b, "Attempts: %s\n", a)
	}
	if r, ok := evt.Attr(objectevent.AttrReason); ok {
		fmt.Fprintf(&b, "Reason: %s\n", r)
	}
	fmt.Fprintf(&b, "Event ID: %s\n", evt.ID)

	return n.send(ctx, TypeDeadLetter, evt, subject, b.String())
}

// OnIngestSucceeded confirms an object was recorded.
func (n *Notifier) OnIngestSucceeded(ctx context.Context, evt objectevent.ObjectEvent) error {
	subject := fmt.Sprintf("New object recorded: %s", evt.ObjectKey())
	body := fmt.Sprintf("Object %q was received and its metadata stored.\n", evt.ObjectKey())
	if pt, ok := evt.Attr(objectevent.AttrPayloadType); ok {
		body += fmt.Sprintf("Type: %s\n", pt)
	}
	return n.send(ctx, TypeConfirmation, evt, subject, body)
}

// OnRejected reports an object whose type is not accepted.
func (n *Notifier) OnRejected(ctx context.Context, evt objectevent.ObjectEvent) error {
	subject := fmt.Sprintf("Object rejected: %s", evt.ObjectKey())
	body := fmt.Sprintf("Object %q was not recorded.\n", evt.ObjectKey())
	if r, ok := evt.Attr(objectevent.AttrReason); ok {
		body += fmt.Sprintf("Reason: %s\n", r)
	}
	return n.send(ctx, TypeRejection, evt, subject, body)
}

func (n *Notifier) send(ctx context.Context, kind string, evt objectevent.ObjectEvent, subject, body string) error {
	err := n.sink.Send(ctx, n.cfg.Recipient, subject, body)
	n.metrics.RecordNotification(kind, err)
	if err != nil {
		n.logger.Error().Err(err).Str("type", kind).Str("key", evt.ObjectKey()).Str("event_id", evt.ID).Msg("Failed to send notification.")
		return fmt.Errorf("%w: %s for %s: %w", ErrDelivery, kind, evt.ObjectKey(), err)
	}
	n.logger.Info().Str("type", kind).Str("key", evt.ObjectKey()).Msg("Notification sent.")
	return nil
}
