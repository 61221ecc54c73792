package router_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jackjduggan/ds-eda-ca/pkg/metrics"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/jackjduggan/ds-eda-ca/pkg/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTarget is an Enqueuer that remembers what it received.
type recordingTarget struct {
	name string
	err  error

	mu     sync.Mutex
	events []objectevent.ObjectEvent
}

func (r *recordingTarget) Enqueue(_ context.Context, evt objectevent.ObjectEvent) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return fmt.Sprintf("%s-%d", r.name, len(r.events)), nil
}

func (r *recordingTarget) received() []objectevent.ObjectEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]objectevent.ObjectEvent(nil), r.events...)
}

func TestTopic_FanOutToMatchingSubscriptions(t *testing.T) {
	// Arrange
	topic := router.NewTopic("objects-changed", zerolog.Nop())
	removal := &recordingTarget{name: "removal"}
	annotation := &recordingTarget{name: "annotation"}
	audit := &recordingTarget{name: "audit"}

	require.NoError(t, topic.Subscribe("removal",
		router.All(router.KindIs(objectevent.Removed), router.AttributePrefix("eventName", "ObjectRemoved")), removal))
	require.NoError(t, topic.Subscribe("annotation", router.AttributeIn("commentType", "update"), annotation))
	require.NoError(t, topic.Subscribe("audit", nil, audit))

	evt := mustEvent(t, objectevent.Removed, "cat.png", map[string]string{"eventName": "ObjectRemoved:Delete"})

	// Act
	deliveries, err := topic.Publish(context.Background(), evt)

	// Assert
	require.NoError(t, err)
	assert.ElementsMatch(t, []router.Delivery{
		{Subscription: "removal", MessageID: "removal-1"},
		{Subscription: "audit", MessageID: "audit-1"},
	}, deliveries)
	assert.Len(t, removal.received(), 1)
	assert.Empty(t, annotation.received())
	assert.Len(t, audit.received(), 1)
}

func TestTopic_NonUpdateCommentNeverReachesAnnotation(t *testing.T) {
	// Arrange
	topic := router.NewTopic("objects-changed", zerolog.Nop())
	annotation := &recordingTarget{name: "annotation"}
	require.NoError(t, topic.Subscribe("annotation", router.AttributeIn("commentType", "update"), annotation))

	// Act
	for _, ct := range []string{"caption", "UPDATE", "", "delete"} {
		_, err := topic.Publish(context.Background(),
			mustEvent(t, objectevent.Annotated, "cat.png", map[string]string{"commentType": ct}))
		require.NoError(t, err)
	}
	_, err := topic.Publish(context.Background(), mustEvent(t, objectevent.Annotated, "cat.png", nil))
	require.NoError(t, err)

	// Assert
	assert.Empty(t, annotation.received())
}

func TestTopic_FailingSubscriptionDoesNotAffectOthers(t *testing.T) {
	// Arrange
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	topic := router.NewTopic("objects-created", zerolog.Nop(), router.WithMetrics(m))

	broken := &recordingTarget{name: "broken", err: errors.New("queue unavailable")}
	ingest := &recordingTarget{name: "ingest"}
	require.NoError(t, topic.Subscribe("broken", nil, broken))
	require.NoError(t, topic.Subscribe("ingest", nil, ingest))

	// Act
	deliveries, err := topic.Publish(context.Background(), mustEvent(t, objectevent.Created, "cat.png", nil))

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription broken")
	require.Len(t, deliveries, 1)
	assert.Equal(t, "ingest", deliveries[0].Subscription)
	assert.Len(t, ingest.received(), 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("objects-created", "broken", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeliveriesTotal.WithLabelValues("objects-created", "ingest", "success")))
}

func TestTopic_Subscribe_Validation(t *testing.T) {
	topic := router.NewTopic("objects-created", zerolog.Nop())
	target := &recordingTarget{name: "ingest"}

	require.NoError(t, topic.Subscribe("ingest", nil, target))

	assert.Error(t, topic.Subscribe("ingest", nil, target), "duplicate names are rejected")
	assert.Error(t, topic.Subscribe("", nil, target))
	assert.Error(t, topic.Subscribe("no-target", nil, nil))
	assert.Len(t, topic.Subscriptions(), 1)
}

func TestTopic_PublishWithoutSubscriptions(t *testing.T) {
	topic := router.NewTopic("ingest-outcomes", zerolog.Nop())

	deliveries, err := topic.Publish(context.Background(), mustEvent(t, objectevent.Created, "cat.png", nil))

	require.NoError(t, err)
	assert.Empty(t, deliveries)
}
