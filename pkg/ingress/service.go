// Package ingress accepts object-store notifications and annotation requests
// and hands the normalized events to the pipeline.
package ingress

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/jackjduggan/ds-eda-ca/pkg/metrics"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/rs/zerolog"
)

// Dispatcher publishes an event to the topic for its kind.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt objectevent.ObjectEvent) error
}

// Batch is the events decoded from one inbound message.
type Batch struct {
	Events []objectevent.ObjectEvent
}

// ServiceConfig holds settings for the ingress service.
type ServiceConfig struct {
	NumWorkers int
	// Messages outside [MinPayloadSize, MaxPayloadSize] are acked and dropped.
	// MaxPayloadSize <= 0 means no upper bound.
	MinPayloadSize int
	MaxPayloadSize int
	// Source labels normalize-error metrics.
	Source string
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records skipped records.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service streams inbound messages through the normalizer to a dispatcher.
//
// Delivery is at least once per event. One inbound message can carry several
// records; if any of them fails to dispatch the whole message is nacked, and
// its redelivery dispatches every record again, including those that already
// went through. Downstream consumers apply events idempotently.
type Service struct {
	cfg        ServiceConfig
	normalizer *objectevent.Normalizer
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	stream     *messagepipeline.StreamingService[Batch]
}

// NewService wires consumer to dispatcher.
func NewService(
	cfg ServiceConfig,
	consumer messagepipeline.MessageConsumer,
	normalizer *objectevent.Normalizer,
	dispatcher Dispatcher,
	logger zerolog.Logger,
	opts ...Option,
) (*Service, error) {
	if normalizer == nil || dispatcher == nil {
		return nil, errors.New("normalizer and dispatcher cannot be nil")
	}
	if cfg.MinPayloadSize <= 0 {
		cfg.MinPayloadSize = 2
	}
	if cfg.Source == "" {
		cfg.Source = "pubsub"
	}
	s := &Service{
		cfg:        cfg,
		normalizer: normalizer,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "IngressService").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	transformer := messagepipeline.WithPayloadValidation[Batch](s.transform, cfg.MinPayloadSize, cfg.MaxPayloadSize, s.logger)
	stream, err := messagepipeline.NewStreamingService[Batch](
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumWorkers},
		consumer, transformer, s.process, logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}
	s.stream = stream
	return s, nil
}

// Start begins consuming.
func (s *Service) Start(ctx context.Context) error { return s.stream.Start(ctx) }

// Stop stops consuming and waits for in-flight messages.
func (s *Service) Stop(ctx context.Context) error { return s.stream.Stop(ctx) }

// transform decodes an annotation request when the message carries a
// commentType attribute and an object notification otherwise. Malformed
// records are dropped here and never retried.
func (s *Service) transform(_ context.Context, msg *messagepipeline.Message) (*Batch, bool, error) {
	if _, ok := msg.Attributes[objectevent.AttrCommentType]; ok {
		evt, err := s.normalizer.NormalizeAnnotation(msg.Payload, msg.Attributes)
		if err != nil {
			s.metrics.RecordNormalizeError(s.cfg.Source)
			return nil, false, messagepipeline.Permanent(err)
		}
		return &Batch{Events: []objectevent.ObjectEvent{evt}}, false, nil
	}

	events, errs := s.normalizer.Normalize(msg.Payload)
	for _, err := range errs {
		s.metrics.RecordNormalizeError(s.cfg.Source)
		s.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Skipping malformed record.")
	}
	if len(events) == 0 {
		return nil, true, nil
	}
	return &Batch{Events: events}, false, nil
}

// process dispatches every event of the batch. A failure does not stop the
// remaining events, but it nacks the message, so siblings already dispatched
// are dispatched again on redelivery.
func (s *Service) process(ctx context.Context, msg messagepipeline.Message, batch *Batch) error {
	var errs []error
	for _, evt := range batch.Events {
		if err := s.dispatcher.Dispatch(ctx, evt); err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s: %w", evt, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Debug().Str("msg_id", msg.ID).Int("events", len(batch.Events)).Msg("Dispatched inbound message.")
	return nil
}
