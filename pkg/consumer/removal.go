package consumer

import (
	"context"
	"fmt"

	"github.com/jackjduggan/ds-eda-ca/pkg/metadata"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/rs/zerolog"
)

// Removal deletes the metadata of removed objects.
type Removal struct {
	store  metadata.Store
	logger zerolog.Logger
}

// NewRemoval creates a removal consumer.
func NewRemoval(store metadata.Store, logger zerolog.Logger) *Removal {
	return &Removal{
		store:  store,
		logger: logger.With().Str("component", "RemovalConsumer").Logger(),
	}
}

// OnRemoved deletes the record for the event's key. A missing record is success.
func (c *Removal) OnRemoved(ctx context.Context, evt objectevent.ObjectEvent) error {
	if evt.Kind() != objectevent.Removed {
		return wrongKind(objectevent.Removed, evt)
	}
	if err := c.store.Delete(ctx, evt.ObjectKey()); err != nil {
		return fmt.Errorf("delete %s: %w", evt.ObjectKey(), err)
	}
	c.logger.Info().Str("key", evt.ObjectKey()).Msg("Object metadata removed.")
	return nil
}
