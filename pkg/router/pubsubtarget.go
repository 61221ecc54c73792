package router

import (
	"context"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
)

// PublisherTarget forwards admitted events to an external broker topic, so a
// subscription can feed consumers outside this process.
type PublisherTarget struct {
	Publisher messagepipeline.SimplePublisher
}

// Enqueue encodes evt and publishes it, returning the broker's message ID.
func (p PublisherTarget) Enqueue(ctx context.Context, evt objectevent.ObjectEvent) (string, error) {
	body, attrs, err := objectevent.Encode(evt)
	if err != nil {
		return "", err
	}
	return p.Publisher.Publish(ctx, body, attrs)
}
