package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/rs/zerolog"
)

// ConsumerConfig controls how a Consumer polls its queue.
type ConsumerConfig struct {
	// BatchSize is the most messages requested per Receive.
	BatchSize int
	// WaitTime is the long-poll wait per Receive.
	WaitTime time.Duration
	// MaxOutstanding bounds the deliveries received but not yet settled.
	// Polling pauses while the limit is reached.
	MaxOutstanding int
	// MaxExtension bounds how long an unsettled delivery keeps having its
	// visibility extended. After that the visibility timeout is left to run.
	MaxExtension time.Duration
}

// Defaults for a ConsumerConfig field left at zero.
const (
	DefaultConsumerBatchSize = 5
	DefaultConsumerWaitTime  = 10 * time.Second
	DefaultMaxExtension      = 10 * time.Minute
)

// Consumer adapts a Queue to messagepipeline.MessageConsumer. Each delivery is
// emitted as a Message whose Ack, Nack and DeadLetter settle it on the queue.
//
// Until a delivery is settled the Consumer holds a lease on it, extending its
// visibility every third of the queue's visibility timeout, so a message that
// waits in a downstream buffer is not redelivered behind its own back.
type Consumer struct {
	queue  *Queue
	cfg    ConsumerConfig
	logger zerolog.Logger

	out      chan messagepipeline.Message
	done     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once

	mu     sync.Mutex
	leases map[string]time.Time // receipt -> received at
	freed  chan struct{}
}

// NewConsumer creates a Consumer for q. Defaults are a batch of 5, a 10s wait,
// twice the batch outstanding and a 10m extension limit.
func NewConsumer(q *Queue, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConsumerBatchSize
	}
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = DefaultConsumerWaitTime
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = 2 * cfg.BatchSize
	}
	if cfg.MaxExtension <= 0 {
		cfg.MaxExtension = DefaultMaxExtension
	}
	return &Consumer{
		queue:  q,
		cfg:    cfg,
		logger: logger.With().Str("component", "QueueConsumer").Str("queue", q.Name()).Logger(),
		out:    make(chan messagepipeline.Message),
		done:   make(chan struct{}),
		leases: make(map[string]time.Time),
		freed:  make(chan struct{}, 1),
	}
}

// Messages returns the channel deliveries are emitted on.
func (c *Consumer) Messages() <-chan messagepipeline.Message { return c.out }

// Done is closed when the polling loop has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Outstanding returns the number of deliveries received and not yet settled.
func (c *Consumer) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.leases)
}

// Start launches the polling loop and the lease keeper. Leases outlive Stop so
// that deliveries already handed out can still be settled; they end with ctx.
func (c *Consumer) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.poll(loopCtx)
	go c.keepLeases(ctx)
	return nil
}

// Stop ends polling. Deliveries received but not yet handed to a worker are nacked.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		if c.cancel == nil {
			close(c.out)
			close(c.done)
			return
		}
		c.cancel()
		select {
		case <-c.done:
		case <-ctx.Done():
			err = fmt.Errorf("waiting for queue consumer %s to stop: %w", c.queue.Name(), ctx.Err())
		}
	})
	return err
}

func (c *Consumer) poll(ctx context.Context) {
	defer close(c.done)
	defer close(c.out)

	for ctx.Err() == nil {
		room := c.room()
		if room == 0 {
			select {
			case <-c.freed:
			case <-ctx.Done():
			}
			continue
		}

		deliveries, err := c.queue.Receive(ctx, min(c.cfg.BatchSize, room), c.cfg.WaitTime)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("Receive failed.")
			}
			continue
		}
		c.hold(deliveries)

		for i, d := range deliveries {
			msg, err := c.toMessage(d)
			if err != nil {
				c.logger.Error().Err(err).Str("msg_id", d.MessageID).Msg("Cannot encode event, dead-lettering.")
				c.release(d.ReceiptHandle)
				_ = c.queue.DeadLetter(d.ReceiptHandle, err.Error())
				continue
			}
			select {
			case c.out <- msg:
			case <-ctx.Done():
				c.nackAll(deliveries[i:])
				return
			}
		}
	}
}

func (c *Consumer) room() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return max(c.cfg.MaxOutstanding-len(c.leases), 0)
}

func (c *Consumer) hold(deliveries []Delivery) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range deliveries {
		c.leases[d.ReceiptHandle] = now
	}
}

func (c *Consumer) release(receipt string) {
	c.mu.Lock()
	_, ok := c.leases[receipt]
	delete(c.leases, receipt)
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case c.freed <- struct{}{}:
	default:
	}
}

// keepLeases extends the visibility of every held delivery until it is
// settled or has been held for MaxExtension. It returns once polling has
// stopped and nothing is held, or when ctx ends.
func (c *Consumer) keepLeases(ctx context.Context) {
	visibility := c.queue.VisibilityTimeout()
	ticker := time.NewTicker(max(visibility/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		var extend []string
		c.mu.Lock()
		for receipt, received := range c.leases {
			if now.Sub(received) >= c.cfg.MaxExtension {
				delete(c.leases, receipt)
				c.logger.Warn().Dur("held_for", now.Sub(received)).Msg("Maximum lease extension reached, letting visibility timeout run.")
				continue
			}
			extend = append(extend, receipt)
		}
		idle := len(c.leases) == 0
		c.mu.Unlock()

		for _, receipt := range extend {
			err := c.queue.ChangeVisibility(receipt, visibility)
			if errors.Is(err, ErrStaleReceipt) {
				c.release(receipt)
			}
		}

		if idle {
			select {
			case <-c.done:
				return
			default:
			}
		}
	}
}

func (c *Consumer) nackAll(deliveries []Delivery) {
	for _, d := range deliveries {
		c.release(d.ReceiptHandle)
		if err := c.queue.Nack(d.ReceiptHandle); err != nil {
			c.logger.Warn().Err(err).Str("msg_id", d.MessageID).Msg("Failed to nack buffered delivery on shutdown.")
		}
	}
	c.logger.Info().Int("count", len(deliveries)).Msg("Nacked buffered deliveries on shutdown.")
}

func (c *Consumer) toMessage(d Delivery) (messagepipeline.Message, error) {
	body, attrs, err := objectevent.Encode(d.Event)
	if err != nil {
		return messagepipeline.Message{}, err
	}

	receipt := d.ReceiptHandle
	settle := func(op string, f func() error) {
		c.release(receipt)
		if err := f(); err != nil {
			c.logger.Warn().Err(err).Str("msg_id", d.MessageID).Str("op", op).Msg("Could not settle delivery.")
		}
	}

	return messagepipeline.Message{
		MessageData: messagepipeline.MessageData{
			ID:              d.MessageID,
			Payload:         body,
			PublishTime:     d.EnqueuedAt,
			DeliveryAttempt: d.Event.ReceivedAttemptCount,
		},
		Attributes: attrs,
		Ack:        func() { settle("ack", func() error { return c.queue.Ack(receipt) }) },
		Nack:       func() { settle("nack", func() error { return c.queue.Nack(receipt) }) },
		DeadLetter: func(reason string) {
			settle("dead_letter", func() error { return c.queue.DeadLetter(receipt, reason) })
		},
	}, nil
}
