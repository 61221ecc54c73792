// Package router fans object events out from named topics to filtered subscriptions.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackjduggan/ds-eda-ca/pkg/metrics"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/rs/zerolog"
)

// Enqueuer is the target of a subscription, typically a durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, evt objectevent.ObjectEvent) (string, error)
}

// Subscription binds a target to a topic with an optional filter.
type Subscription struct {
	Name   string
	Filter Predicate
	Target Enqueuer
}

// Delivery identifies one enqueued copy of a published event.
type Delivery struct {
	Subscription string
	MessageID    string
}

// Topic is a named registry of subscriptions. Subscriptions are registered
// during startup; Publish may be called concurrently.
type Topic struct {
	name    string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	subs []Subscription
}

// Option configures a Topic.
type Option func(*Topic)

// WithMetrics records publish and delivery counts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Topic) { t.metrics = m }
}

// NewTopic creates an empty topic.
func NewTopic(name string, logger zerolog.Logger, opts ...Option) *Topic {
	t := &Topic{
		name:   name,
		logger: logger.With().Str("component", "Topic").Str("topic", name).Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the topic name.
func (t *Topic) Name() string { return t.name }

// Subscribe registers target under name. A nil filter admits every event.
func (t *Topic) Subscribe(name string, filter Predicate, target Enqueuer) error {
	if name == "" {
		return fmt.Errorf("subscription name cannot be empty")
	}
	if target == nil {
		return fmt.Errorf("subscription %s: target cannot be nil", name)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.subs {
		if s.Name == name {
			return fmt.Errorf("subscription %s already exists on topic %s", name, t.name)
		}
	}
	t.subs = append(t.subs, Subscription{Name: name, Filter: filter, Target: target})

	ev := t.logger.Info().Str("subscription", name)
	if filter != nil {
		ev = ev.Stringer("filter", filter)
	}
	ev.Msg("Subscription registered.")
	return nil
}

// Subscriptions returns a copy of the registered subscriptions.
func (t *Topic) Subscriptions() []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Subscription, len(t.subs))
	copy(out, t.subs)
	return out
}

// Publish offers evt to every subscription and enqueues one independent copy
// per match. A failed enqueue is included in the returned error but does not
// stop delivery to the remaining subscriptions.
func (t *Topic) Publish(ctx context.Context, evt objectevent.ObjectEvent) ([]Delivery, error) {
	subs := t.Subscriptions()
	t.metrics.RecordPublish(t.name, string(evt.Kind()))

	var (
		deliveries []Delivery
		errs       []error
	)
	for _, s := range subs {
		if s.Filter != nil && !s.Filter.Match(evt) {
			t.metrics.RecordFiltered(t.name, s.Name)
			continue
		}

		id, err := s.Target.Enqueue(ctx, evt)
		t.metrics.RecordDelivery(t.name, s.Name, err)
		if err != nil {
			t.logger.Error().Err(err).Str("subscription", s.Name).Str("event_id", evt.ID).Msg("Failed to enqueue event.")
			errs = append(errs, fmt.Errorf("subscription %s: %w", s.Name, err))
			continue
		}
		deliveries = append(deliveries, Delivery{Subscription: s.Name, MessageID: id})
	}

	t.logger.Debug().
		Str("event_id", evt.ID).
		Str("object_key", evt.ObjectKey()).
		Int("deliveries", len(deliveries)).
		Msg("Event published.")
	return deliveries, errors.Join(errs...)
}
