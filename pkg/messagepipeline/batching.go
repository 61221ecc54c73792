package messagepipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BatchingServiceConfig holds the configuration for a BatchingService.
type BatchingServiceConfig struct {
	// NumWorkers decode messages concurrently (default 1).
	NumWorkers int
	// BatchSize caps a batch (default 5).
	BatchSize int
	// FlushInterval is the longest a partial batch is held (default 10s).
	FlushInterval time.Duration
	// ProcessTimeout bounds one processor invocation, that is one whole
	// batch. Zero leaves the invocation unbounded.
	ProcessTimeout time.Duration
}

// BatchingService decodes consumed messages and groups them into batches for a
// BatchProcessor. A batch goes out when it holds BatchSize items or when
// FlushInterval has passed since the last flush, whichever is first.
type BatchingService[T any] struct {
	cfg         BatchingServiceConfig
	consumer    MessageConsumer
	transformer MessageTransformer[T]
	processor   BatchProcessor[T]
	logger      zerolog.Logger
	decoders    workerPool
	flusher     workerPool
	items       chan ProcessableItem[T]
}

// NewBatchingService creates a BatchingService.
func NewBatchingService[T any](
	cfg BatchingServiceConfig,
	consumer MessageConsumer,
	transformer MessageTransformer[T],
	processor BatchProcessor[T],
	logger zerolog.Logger,
) (*BatchingService[T], error) {
	if consumer == nil || transformer == nil || processor == nil {
		return nil, errors.New("consumer, transformer and processor are required")
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	return &BatchingService[T]{
		cfg:         cfg,
		consumer:    consumer,
		transformer: transformer,
		processor:   processor,
		logger:      logger.With().Str("service", "BatchingService").Logger(),
		items:       make(chan ProcessableItem[T], cfg.BatchSize*cfg.NumWorkers),
	}, nil
}

// Start starts the consumer, the decoders and the flusher.
func (s *BatchingService[T]) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	s.flusher.spawn(1, func(int) { s.collect(ctx) })
	s.decoders.spawn(s.cfg.NumWorkers, func(id int) { s.feed(ctx, id) })
	// items closes once no decoder can send on it.
	go func() {
		_ = s.decoders.wait(context.Background())
		close(s.items)
	}()

	s.logger.Info().
		Int("worker_count", s.cfg.NumWorkers).
		Int("batch_size", s.cfg.BatchSize).
		Dur("flush_interval", s.cfg.FlushInterval).
		Dur("process_timeout", s.cfg.ProcessTimeout).
		Msg("Batching service started.")
	return nil
}

// Stop stops the consumer, then waits for the final batch until ctx ends.
func (s *BatchingService[T]) Stop(ctx context.Context) error {
	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}
	if err := s.decoders.wait(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Timeout waiting for decoders.")
		return err
	}
	if err := s.flusher.wait(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Timeout waiting for final flush.")
		return err
	}
	s.logger.Info().Msg("Batching service stopped.")
	return nil
}

func (s *BatchingService[T]) feed(ctx context.Context, id int) {
	logger := s.logger.With().Int("worker_id", id).Logger()
	for {
		msg, ok := next(ctx, s.consumer)
		if !ok {
			return
		}
		payload, ok := decode(ctx, s.transformer, &msg, logger)
		if !ok {
			continue
		}
		s.items <- ProcessableItem[T]{Original: msg, Payload: payload}
	}
}

func (s *BatchingService[T]) collect(ctx context.Context) {
	batch := make([]ProcessableItem[T], 0, s.cfg.BatchSize)
	timer := time.NewTimer(s.cfg.FlushInterval)
	defer timer.Stop()

	flush := func() {
		if len(batch) > 0 {
			s.logger.Debug().Int("batch_size", len(batch)).Msg("Flushing batch.")
			s.process(ctx, batch)
			batch = make([]ProcessableItem[T], 0, s.cfg.BatchSize)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.cfg.FlushInterval)
	}

	for {
		select {
		case item, ok := <-s.items:
			if !ok {
				flush()
				return
			}
			batch = append(batch, item)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-timer.C:
			flush()
		}
	}
}

func (s *BatchingService[T]) process(ctx context.Context, batch []ProcessableItem[T]) {
	if s.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ProcessTimeout)
		defer cancel()
	}
	if err := s.processor(ctx, batch); err != nil {
		s.logger.Warn().Err(err).Msg("Batch processor reported failures.")
	}
}

// ProcessIndependently returns a BatchProcessor that applies handler to every
// item of a batch concurrently and settles each item on its own outcome. One
// failing item never affects the settlement of the others, and all of them
// share the deadline of ctx. The returned error lists the IDs of the items
// that did not succeed, in batch order.
func ProcessIndependently[T any](handler ItemHandler[T], logger zerolog.Logger) BatchProcessor[T] {
	return func(ctx context.Context, batch []ProcessableItem[T]) error {
		errs := make([]error, len(batch))
		var wg sync.WaitGroup
		for i, item := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = handler(ctx, item)
				Settle(item.Original, errs[i], logger)
			}()
		}
		wg.Wait()

		var failed []string
		for i, err := range errs {
			if err != nil {
				failed = append(failed, batch[i].Original.ID)
			}
		}
		if len(failed) > 0 {
			return &BatchItemFailures{MessageIDs: failed}
		}
		return nil
	}
}

// BatchItemFailures reports which messages of a batch failed.
type BatchItemFailures struct {
	MessageIDs []string
}

func (e *BatchItemFailures) Error() string {
	return fmt.Sprintf("%d message(s) in batch failed: %v", len(e.MessageIDs), e.MessageIDs)
}
