package messagepipeline

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// SimplePublisher publishes single messages and reports the broker's verdict.
type SimplePublisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error)
	// Stop flushes any pending messages.
	Stop(ctx context.Context) error
}

// GoogleSimplePublisherConfig holds settings for a GoogleSimplePublisher.
type GoogleSimplePublisherConfig struct {
	TopicID string
	// CountThreshold of zero keeps the client library default.
	CountThreshold int
}

// NewGoogleSimplePublisherDefaults returns a config that sends every message
// without waiting to fill a bundle.
func NewGoogleSimplePublisherDefaults(topicID string) *GoogleSimplePublisherConfig {
	return &GoogleSimplePublisherConfig{
		TopicID:        topicID,
		CountThreshold: 1,
	}
}

// GoogleSimplePublisher implements SimplePublisher on a Pub/Sub topic.
type GoogleSimplePublisher struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewGoogleSimplePublisher verifies the topic exists and returns a publisher for it.
func NewGoogleSimplePublisher(ctx context.Context, cfg *GoogleSimplePublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*GoogleSimplePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	topic := client.Topic(cfg.TopicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}
	if cfg.CountThreshold > 0 {
		topic.PublishSettings.CountThreshold = cfg.CountThreshold
	}

	return &GoogleSimplePublisher{
		topic:  topic,
		logger: logger.With().Str("component", "GoogleSimplePublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Publish sends one message and blocks until Pub/Sub accepts or rejects it.
func (p *GoogleSimplePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) (string, error) {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: attributes,
	})
	id, err := result.Get(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to publish message.")
		return "", fmt.Errorf("publish to %s: %w", p.topic.ID(), err)
	}
	p.logger.Debug().Str("published_msg_id", id).Msg("Message published.")
	return id, nil
}

// Stop flushes pending messages, bounded by ctx.
func (p *GoogleSimplePublisher) Stop(ctx context.Context) error {
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
