package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/rs/zerolog"
)

// LogSink writes notifications to the log.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "LogSink").Logger()}
}

func (s *LogSink) Send(_ context.Context, recipient, subject, body string) error {
	s.logger.Info().Str("recipient", recipient).Str("subject", subject).Str("body", body).Msg("Notification.")
	return nil
}

// Mail is the payload published by PubsubSink for a downstream mailer.
type Mail struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// PubsubSink publishes each notification to a topic and waits for the
// publish result.
type PubsubSink struct {
	publisher messagepipeline.SimplePublisher
	logger    zerolog.Logger
}

// NewPubsubSink creates a sink on publisher.
func NewPubsubSink(publisher messagepipeline.SimplePublisher, logger zerolog.Logger) (*PubsubSink, error) {
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	return &PubsubSink{
		publisher: publisher,
		logger:    logger.With().Str("component", "PubsubSink").Logger(),
	}, nil
}

func (s *PubsubSink) Send(ctx context.Context, recipient, subject, body string) error {
	payload, err := json.Marshal(Mail{Recipient: recipient, Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("marshal mail: %w", err)
	}
	id, err := s.publisher.Publish(ctx, payload, map[string]string{"recipient": recipient})
	if err != nil {
		return fmt.Errorf("publish mail: %w", err)
	}
	s.logger.Debug().Str("msg_id", id).Str("recipient", recipient).Msg("Mail published.")
	return nil
}

// MultiSink sends to every sink and joins their failures.
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, recipient, subject, body string) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, recipient, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
