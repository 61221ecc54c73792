package messagepipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// StreamingServiceConfig holds configuration for a StreamingService.
type StreamingServiceConfig struct {
	// NumWorkers handle messages concurrently (default 5).
	NumWorkers int
}

// StreamingService hands each consumed message to a processor as soon as it is
// decoded, and settles it from the processor's result.
type StreamingService[T any] struct {
	cfg         StreamingServiceConfig
	consumer    MessageConsumer
	transformer MessageTransformer[T]
	processor   StreamProcessor[T]
	logger      zerolog.Logger
	workers     workerPool
}

// NewStreamingService creates a StreamingService.
func NewStreamingService[T any](
	cfg StreamingServiceConfig,
	consumer MessageConsumer,
	transformer MessageTransformer[T],
	processor StreamProcessor[T],
	logger zerolog.Logger,
) (*StreamingService[T], error) {
	if consumer == nil || transformer == nil || processor == nil {
		return nil, errors.New("consumer, transformer and processor are required")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	return &StreamingService[T]{
		cfg:         cfg,
		consumer:    consumer,
		transformer: transformer,
		processor:   processor,
		logger:      logger.With().Str("service", "StreamingService").Logger(),
	}, nil
}

// Start starts the consumer, then the workers.
func (s *StreamingService[T]) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}
	s.workers.spawn(s.cfg.NumWorkers, func(id int) { s.run(ctx, id) })
	s.logger.Info().Int("worker_count", s.cfg.NumWorkers).Msg("Streaming service started.")
	return nil
}

// Stop stops the consumer, then waits for in-flight messages until ctx ends.
func (s *StreamingService[T]) Stop(ctx context.Context) error {
	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}
	if err := s.workers.wait(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Timeout waiting for streaming workers.")
		return err
	}
	s.logger.Info().Msg("Streaming service stopped.")
	return nil
}

func (s *StreamingService[T]) run(ctx context.Context, id int) {
	logger := s.logger.With().Int("worker_id", id).Logger()
	for {
		msg, ok := next(ctx, s.consumer)
		if !ok {
			logger.Debug().Msg("Streaming worker exiting.")
			return
		}
		payload, ok := decode(ctx, s.transformer, &msg, logger)
		if !ok {
			continue
		}
		Settle(msg, s.processor(ctx, msg, payload), logger)
	}
}
