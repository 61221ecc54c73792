package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/jackjduggan/ds-eda-ca/pkg/metadata"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/rs/zerolog"
)

// CommentTypeUpdate is the only commentType the annotation consumer applies.
const CommentTypeUpdate = "update"

// Annotation applies descriptions to existing records.
type Annotation struct {
	store  metadata.Store
	logger zerolog.Logger
}

// NewAnnotation creates an annotation consumer.
func NewAnnotation(store metadata.Store, logger zerolog.Logger) *Annotation {
	return &Annotation{
		store:  store,
		logger: logger.With().Str("component", "AnnotationConsumer").Logger(),
	}
}

// OnAnnotated sets the description on the record for the event's key. The
// record must already exist; a missing record is a permanent failure.
func (c *Annotation) OnAnnotated(ctx context.Context, evt objectevent.ObjectEvent) error {
	if evt.Kind() != objectevent.Annotated {
		return wrongKind(objectevent.Annotated, evt)
	}
	if ct, _ := evt.Attr(objectevent.AttrCommentType); ct != CommentTypeUpdate {
		return messagepipeline.Permanent(fmt.Errorf("%w: commentType %q", ErrWrongKind, ct))
	}
	description, ok := evt.Attr(objectevent.AttrDescription)
	if !ok {
		return messagepipeline.Permanent(fmt.Errorf("%w: annotation for %s has no description", objectevent.ErrMalformedEvent, evt.ObjectKey()))
	}

	err := c.store.Update(ctx, evt.ObjectKey(), metadata.Fields{Description: &description})
	if errors.Is(err, metadata.ErrNotFound) {
		return messagepipeline.Permanent(err)
	}
	if err != nil {
		return fmt.Errorf("annotate %s: %w", evt.ObjectKey(), err)
	}
	c.logger.Info().Str("key", evt.ObjectKey()).Msg("Object annotated.")
	return nil
}
