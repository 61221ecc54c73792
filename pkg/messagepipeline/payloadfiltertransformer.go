package messagepipeline

import (
	"context"

	"github.com/rs/zerolog"
)

// WithPayloadValidation wraps a MessageTransformer with a payload size check.
// Messages outside [minSize, maxSize] are skipped, and so acknowledged, without
// reaching inner. A maxSize of zero or less disables the upper bound.
func WithPayloadValidation[T any](
	inner MessageTransformer[T],
	minSize int,
	maxSize int,
	logger zerolog.Logger,
) MessageTransformer[T] {
	return func(ctx context.Context, msg *Message) (*T, bool, error) {
		n := len(msg.Payload)
		if n < minSize || (maxSize > 0 && n > maxSize) {
			logger.Warn().Str("msg_id", msg.ID).Int("payload_size", n).Msg("Rejecting message due to invalid payload size.")
			return nil, true, nil
		}
		return inner(ctx, msg)
	}
}
