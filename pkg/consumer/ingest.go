package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/jackjduggan/ds-eda-ca/pkg/metadata"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectstore"
	"github.com/rs/zerolog"
)

// DefaultSupportedTypes are the payload types the ingest consumer stores.
// The comparison is exact, so "jpg" is not accepted.
var DefaultSupportedTypes = []string{"jpeg", "png"}

// IngestOption configures an Ingest consumer.
type IngestOption func(*Ingest)

// WithInspector looks up content type and size before each write.
func WithInspector(i objectstore.Inspector) IngestOption {
	return func(c *Ingest) { c.inspector = i }
}

// WithSupportedTypes replaces the accepted payload types.
func WithSupportedTypes(types ...string) IngestOption {
	return func(c *Ingest) {
		c.supported = make(map[string]struct{}, len(types))
		for _, t := range types {
			c.supported[t] = struct{}{}
		}
	}
}

// Ingest records newly created objects of a supported type.
type Ingest struct {
	store     metadata.Store
	outcomes  EventPublisher
	inspector objectstore.Inspector
	supported map[string]struct{}
	logger    zerolog.Logger
	now       func() time.Time
}

// NewIngest creates an ingest consumer. outcomes may be nil, in which case no
// ingested or rejected events are published.
func NewIngest(store metadata.Store, outcomes EventPublisher, logger zerolog.Logger, opts ...IngestOption) *Ingest {
	c := &Ingest{
		store:    store,
		outcomes: outcomes,
		logger:   logger.With().Str("component", "IngestConsumer").Logger(),
		now:      time.Now,
	}
	WithSupportedTypes(DefaultSupportedTypes...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnCreated writes the metadata record for a created object. Unsupported
// types return ErrUnsupportedPayloadType after publishing a rejected outcome.
func (c *Ingest) OnCreated(ctx context.Context, evt objectevent.ObjectEvent) error {
	if evt.Kind() != objectevent.Created {
		return wrongKind(objectevent.Created, evt)
	}
	key := evt.ObjectKey()

	payloadType, ok := evt.Attr(objectevent.AttrPayloadType)
	if !ok {
		var err error
		if payloadType, err = objectevent.PayloadType(key); err != nil {
			return messagepipeline.Permanent(err)
		}
	}
	if _, ok := c.supported[payloadType]; !ok {
		err := fmt.Errorf("%w: %q for %s", ErrUnsupportedPayloadType, payloadType, key)
		c.publishOutcome(ctx, evt, objectevent.OutcomeRejected, err.Error())
		return err
	}

	rec := metadata.Record{
		PayloadType: payloadType,
		Bucket:      evt.Attributes[objectevent.AttrBucket],
		UpdatedAt:   c.updatedAt(evt),
	}
	if v, ok := evt.Attr(objectevent.AttrSize); ok {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			rec.Size = size
		}
	}

	if c.inspector != nil {
		attrs, err := c.inspector.Inspect(ctx, rec.Bucket, key)
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return messagepipeline.Permanent(err)
		}
		if err != nil {
			return fmt.Errorf("inspect %s: %w", key, err)
		}
		rec.ContentType = attrs.ContentType
		rec.Size = attrs.Size
	}

	if err := c.store.Put(ctx, key, rec); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	c.logger.Info().Str("key", key).Str("payload_type", payloadType).Msg("Object ingested.")

	c.publishOutcome(ctx, evt, objectevent.OutcomeIngested, "")
	return nil
}

// updatedAt prefers the event time carried from the source record, so that a
// replayed event writes an identical record.
func (c *Ingest) updatedAt(evt objectevent.ObjectEvent) time.Time {
	if v, ok := evt.Attr(objectevent.AttrEventTime); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC()
		}
		c.logger.Debug().Str("event_time", v).Msg("Unparseable event time, using wall clock.")
	}
	return c.now().UTC()
}

// publishOutcome is best-effort: failures are logged and never fail the delivery.
func (c *Ingest) publishOutcome(ctx context.Context, evt objectevent.ObjectEvent, outcome, reason string) {
	if c.outcomes == nil {
		return
	}
	out, err := objectevent.New(objectevent.Created, evt.ObjectKey(), evt.Attributes)
	if err != nil {
		c.logger.Error().Err(err).Str("key", evt.ObjectKey()).Msg("Could not build outcome event.")
		return
	}
	out = out.With(objectevent.AttrOutcome, outcome)
	if reason != "" {
		out = out.With(objectevent.AttrReason, reason)
	}
	if _, err := c.outcomes.Publish(ctx, out); err != nil {
		c.logger.Error().Err(err).Str("key", evt.ObjectKey()).Str("outcome", outcome).Msg("Failed to publish outcome event.")
	}
}
