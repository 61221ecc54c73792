// Package pipeline assembles the topics, queues and consumer services of the
// object event flow.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackjduggan/ds-eda-ca/pkg/consumer"
	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/jackjduggan/ds-eda-ca/pkg/metadata"
	"github.com/jackjduggan/ds-eda-ca/pkg/metrics"
	"github.com/jackjduggan/ds-eda-ca/pkg/notifier"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectstore"
	"github.com/jackjduggan/ds-eda-ca/pkg/queue"
	"github.com/jackjduggan/ds-eda-ca/pkg/router"
	"github.com/rs/zerolog"
)

// Topic names.
const (
	TopicObjectsCreated = "objects-created"
	TopicObjectsChanged = "objects-changed"
	TopicIngestOutcomes = "ingest-outcomes"
)

// Queue names. Each queue is also the name of the subscription feeding it.
const (
	QueueIngest        = "ingest"
	QueueRemoval       = "removal"
	QueueAnnotation    = "annotation"
	QueueDeadLetter    = "dead-letter"
	QueueConfirmations = "confirmations"
	QueueRejections    = "rejections"
)

// Config holds the tunables of the flow. Zero values take the defaults noted.
type Config struct {
	// BatchSize caps a consumer batch (5).
	BatchSize int
	// FlushInterval is the longest a partial batch waits (10s).
	FlushInterval time.Duration
	// ReceiveWait is the queue long-poll per receive (10s).
	ReceiveWait time.Duration

	// VisibilityTimeout, MaxReceiveCount and RetryDelay apply to every queue.
	// See queue.Config.
	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	RetryDelay        time.Duration
	// DeadLetterRetention bounds how long undrained dead letters are kept (30m).
	DeadLetterRetention time.Duration

	// StoreDeadline bounds one ingest, removal or annotation batch (15s).
	StoreDeadline time.Duration
	// NotifyDeadline bounds one notifier batch (3s).
	NotifyDeadline time.Duration
	// MaxLeaseExtension bounds how long a received message is kept hidden
	// while it waits to be settled (10m). See queue.ConsumerConfig.
	MaxLeaseExtension time.Duration

	// SupportedTypes overrides the accepted payload types.
	SupportedTypes []string
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.ReceiveWait <= 0 {
		c.ReceiveWait = 10 * time.Second
	}
	if c.DeadLetterRetention <= 0 {
		c.DeadLetterRetention = queue.DeadLetterRetention
	}
	if c.StoreDeadline <= 0 {
		c.StoreDeadline = consumer.DefaultDeadline
	}
	if c.NotifyDeadline <= 0 {
		c.NotifyDeadline = notifier.DefaultDeadline
	}
	if c.MaxLeaseExtension <= 0 {
		c.MaxLeaseExtension = queue.DefaultMaxExtension
	}
}

// Notifier receives dead-lettered events and ingest outcomes.
// *notifier.Notifier satisfies it.
type Notifier interface {
	OnDeadLettered(ctx context.Context, evt objectevent.ObjectEvent) error
	OnIngestSucceeded(ctx context.Context, evt objectevent.ObjectEvent) error
	OnRejected(ctx context.Context, evt objectevent.ObjectEvent) error
}

type forward struct {
	topic string
	sub   router.Subscription
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics instruments topics, queues and handlers.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithInspector makes the ingest consumer look up object attributes.
func WithInspector(i objectstore.Inspector) Option {
	return func(p *Pipeline) { p.inspector = i }
}

// WithForward adds a subscription on topic that feeds an external target,
// such as a router.PublisherTarget, alongside the in-process queues.
func WithForward(topic, name string, filter router.Predicate, target router.Enqueuer) Option {
	return func(p *Pipeline) {
		p.forwards = append(p.forwards, forward{topic: topic, sub: router.Subscription{Name: name, Filter: filter, Target: target}})
	}
}

type service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Pipeline owns the in-process topology.
type Pipeline struct {
	cfg       Config
	base      zerolog.Logger
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	inspector objectstore.Inspector
	forwards  []forward

	topics   map[string]*router.Topic
	queues   map[string]*queue.Queue
	services []namedService
}

type namedService struct {
	name string
	svc  service
}

// New builds the topology. Nothing runs until Start.
func New(cfg Config, store metadata.Store, notify Notifier, logger zerolog.Logger, opts ...Option) (*Pipeline, error) {
	if store == nil || notify == nil {
		return nil, errors.New("store and notifier cannot be nil")
	}
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:    cfg,
		base:   logger,
		logger: logger.With().Str("component", "Pipeline").Logger(),
		topics: make(map[string]*router.Topic),
		queues: make(map[string]*queue.Queue),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, name := range []string{TopicObjectsCreated, TopicObjectsChanged, TopicIngestOutcomes} {
		p.topics[name] = router.NewTopic(name, logger, router.WithMetrics(p.metrics))
	}

	dlq, err := p.newQueue(QueueDeadLetter, cfg.DeadLetterRetention, nil)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{QueueIngest, QueueRemoval, QueueAnnotation} {
		if _, err := p.newQueue(name, 0, dlq); err != nil {
			return nil, err
		}
	}
	for _, name := range []string{QueueConfirmations, QueueRejections} {
		if _, err := p.newQueue(name, 0, nil); err != nil {
			return nil, err
		}
	}

	if err := p.subscribe(); err != nil {
		return nil, err
	}

	ingestOpts := []consumer.IngestOption{}
	if p.inspector != nil {
		ingestOpts = append(ingestOpts, consumer.WithInspector(p.inspector))
	}
	if len(cfg.SupportedTypes) > 0 {
		ingestOpts = append(ingestOpts, consumer.WithSupportedTypes(cfg.SupportedTypes...))
	}
	ingest := consumer.NewIngest(store, p.topics[TopicIngestOutcomes], logger, ingestOpts...)
	removal := consumer.NewRemoval(store, logger)
	annotation := consumer.NewAnnotation(store, logger)

	handlers := []struct {
		queue    string
		handler  consumer.Handler
		deadline time.Duration
	}{
		{QueueIngest, ingest.OnCreated, cfg.StoreDeadline},
		{QueueRemoval, removal.OnRemoved, cfg.StoreDeadline},
		{QueueAnnotation, annotation.OnAnnotated, cfg.StoreDeadline},
		{QueueDeadLetter, notify.OnDeadLettered, cfg.NotifyDeadline},
		{QueueConfirmations, notify.OnIngestSucceeded, cfg.NotifyDeadline},
		{QueueRejections, notify.OnRejected, cfg.NotifyDeadline},
	}
	for _, h := range handlers {
		if err := p.addService(h.queue, h.handler, h.deadline); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pipeline) newQueue(name string, retention time.Duration, dlq *queue.Queue) (*queue.Queue, error) {
	q, err := queue.New(queue.Config{
		Name:              name,
		VisibilityTimeout: p.cfg.VisibilityTimeout,
		MaxReceiveCount:   p.cfg.MaxReceiveCount,
		RetryDelay:        p.cfg.RetryDelay,
		Retention:         retention,
		DeadLetter:        dlq,
		Metrics:           p.metrics,
	}, p.base)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue %s: %w", name, err)
	}
	p.queues[name] = q
	return q, nil
}

func (p *Pipeline) subscribe() error {
	subs := []struct {
		topic  string
		filter router.Predicate
		queue  string
	}{
		{TopicObjectsCreated, router.KindIs(objectevent.Created), QueueIngest},
		{TopicObjectsChanged, router.All(
			router.KindIs(objectevent.Removed),
			router.AttributePrefix(objectevent.AttrEventName, "ObjectRemoved"),
		), QueueRemoval},
		{TopicObjectsChanged, router.All(
			router.KindIs(objectevent.Annotated),
			router.AttributeIn(objectevent.AttrCommentType, consumer.CommentTypeUpdate),
		), QueueAnnotation},
		{TopicIngestOutcomes, router.AttributeIn(objectevent.AttrOutcome, objectevent.OutcomeIngested), QueueConfirmations},
		{TopicIngestOutcomes, router.AttributeIn(objectevent.AttrOutcome, objectevent.OutcomeRejected), QueueRejections},
	}
	for _, s := range subs {
		if err := p.topics[s.topic].Subscribe(s.queue, s.filter, p.queues[s.queue]); err != nil {
			return fmt.Errorf("failed to subscribe %s to %s: %w", s.queue, s.topic, err)
		}
	}
	for _, f := range p.forwards {
		t, ok := p.topics[f.topic]
		if !ok {
			return fmt.Errorf("forward %s: unknown topic %s", f.sub.Name, f.topic)
		}
		if err := t.Subscribe(f.sub.Name, f.sub.Filter, f.sub.Target); err != nil {
			return fmt.Errorf("failed to subscribe forward %s to %s: %w", f.sub.Name, f.topic, err)
		}
	}
	return nil
}

func (p *Pipeline) addService(queueName string, h consumer.Handler, deadline time.Duration) error {
	logger := p.base.With().Str("queue", queueName).Logger()
	c := queue.NewConsumer(p.queues[queueName], queue.ConsumerConfig{
		BatchSize:      p.cfg.BatchSize,
		WaitTime:       p.cfg.ReceiveWait,
		MaxOutstanding: 2 * p.cfg.BatchSize,
		MaxExtension:   p.cfg.MaxLeaseExtension,
	}, logger)

	processor := messagepipeline.ProcessIndependently(consumer.Bind(queueName, h, deadline, p.metrics, logger), logger)
	svc, err := messagepipeline.NewBatchingService[objectevent.ObjectEvent](
		messagepipeline.BatchingServiceConfig{
			NumWorkers:     1,
			BatchSize:      p.cfg.BatchSize,
			FlushInterval:  p.cfg.FlushInterval,
			ProcessTimeout: deadline,
		},
		c, consumer.Decode, processor, logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create service for %s: %w", queueName, err)
	}
	p.services = append(p.services, namedService{name: queueName, svc: svc})
	return nil
}

// Start launches every consumer service.
func (p *Pipeline) Start(ctx context.Context) error {
	for i, s := range p.services {
		if err := s.svc.Start(ctx); err != nil {
			for _, started := range p.services[:i] {
				_ = started.svc.Stop(ctx)
			}
			return fmt.Errorf("failed to start %s service: %w", s.name, err)
		}
	}
	p.logger.Info().Int("services", len(p.services)).Msg("Pipeline started.")
	return nil
}

// Stop stops the store consumers before the notifier consumers so outcomes
// produced while draining still reach a running notifier queue.
func (p *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	for _, s := range p.services {
		if err := s.svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", s.name, err))
		}
	}
	p.logger.Info().Msg("Pipeline stopped.")
	return errors.Join(errs...)
}

// Dispatch publishes evt on the topic for its kind: created events on
// objects-created, removals and annotations on objects-changed.
func (p *Pipeline) Dispatch(ctx context.Context, evt objectevent.ObjectEvent) error {
	var topic string
	switch evt.Kind() {
	case objectevent.Created:
		topic = TopicObjectsCreated
	case objectevent.Removed, objectevent.Annotated:
		topic = TopicObjectsChanged
	default:
		return fmt.Errorf("%w: no topic for kind %q", objectevent.ErrMalformedEvent, evt.Kind())
	}

	deliveries, err := p.topics[topic].Publish(ctx, evt)
	if err != nil {
		return err
	}
	if len(deliveries) == 0 {
		p.logger.Debug().Str("topic", topic).Str("event_id", evt.ID).Str("key", evt.ObjectKey()).Msg("No subscription admitted event.")
	}
	return nil
}

// Topic returns the named topic, or nil.
func (p *Pipeline) Topic(name string) *router.Topic { return p.topics[name] }

// Queue returns the named queue, or nil.
func (p *Pipeline) Queue(name string) *queue.Queue { return p.queues[name] }
