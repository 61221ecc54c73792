package messagepipeline

import (
	"errors"

	"github.com/rs/zerolog"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one that redelivery cannot fix. Services dead-letter
// messages that fail with a permanent error instead of nacking them.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Settle acks, nacks or dead-letters msg according to the processing result.
// A permanent error on a message without a dead-letter channel is acked so it
// is not redelivered forever.
func Settle(msg Message, err error, logger zerolog.Logger) {
	switch {
	case err == nil:
		msg.Ack()
	case IsPermanent(err) && msg.DeadLetter != nil:
		logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Permanent failure, dead-lettering message.")
		msg.DeadLetter(err.Error())
	case IsPermanent(err):
		logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Permanent failure and no dead-letter channel, dropping message.")
		msg.Ack()
	default:
		logger.Error().Err(err).Str("msg_id", msg.ID).Int("delivery_attempt", msg.DeliveryAttempt).Msg("Processing failed, Nacking.")
		msg.Nack()
	}
}
