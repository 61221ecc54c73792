// Package queue implements an at-least-once, visibility-timeout queue of
// object events with a bounded receive count and an optional dead-letter queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackjduggan/ds-eda-ca/pkg/metrics"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
	"github.com/rs/zerolog"
)

// ErrStaleReceipt is returned when settling a delivery whose receipt is no
// longer valid: it was already settled, or its visibility timeout expired.
var ErrStaleReceipt = errors.New("stale or unknown receipt handle")

// Config holds the settings of a Queue.
type Config struct {
	Name string
	// VisibilityTimeout hides a received message until it is settled or the
	// timeout passes, after which the delivery counts as failed.
	VisibilityTimeout time.Duration
	// MaxReceiveCount bounds how many times a message is handed out. A failure
	// of the delivery that reached it moves the message to DeadLetter.
	MaxReceiveCount int
	// RetryDelay keeps a failed message invisible before it is redelivered.
	RetryDelay time.Duration
	// Retention discards messages this long after they entered the queue.
	// Zero keeps them until settled.
	Retention time.Duration
	// DeadLetter receives exhausted messages. When nil they are dropped.
	DeadLetter *Queue
	// PollInterval bounds how long Receive sleeps between visibility checks.
	PollInterval time.Duration
	Metrics      *metrics.Metrics
}

// Defaults for a Config field left at zero.
const (
	DefaultVisibilityTimeout = 30 * time.Second
	DefaultMaxReceiveCount   = 3
	DefaultPollInterval      = 50 * time.Millisecond
	DeadLetterRetention      = 30 * time.Minute
)

// Delivery is one hand-out of a message. ReceiptHandle settles exactly this
// hand-out; it is invalidated by a later redelivery.
type Delivery struct {
	MessageID     string
	ReceiptHandle string
	Event         objectevent.ObjectEvent
	EnqueuedAt    time.Time
}

// Stats is a snapshot of a queue's backlog.
type Stats struct {
	Visible  int
	Delayed  int
	InFlight int
}

// Total returns the number of messages the queue holds.
func (s Stats) Total() int { return s.Visible + s.Delayed + s.InFlight }

type message struct {
	id           string
	evt          objectevent.ObjectEvent
	enqueuedAt   time.Time
	visibleAt    time.Time
	receiveCount int
	receipt      string // empty unless in flight
}

// Queue is an in-process durable queue. It is safe for concurrent use.
type Queue struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	order    []string // FIFO of message IDs
	messages map[string]*message
	receipts map[string]string // receipt handle -> message ID
	signal   chan struct{}
}

// New creates a Queue, applying defaults for zero-valued settings.
func New(cfg Config, logger zerolog.Logger) (*Queue, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = DefaultMaxReceiveCount
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryDelay < 0 || cfg.Retention < 0 {
		return nil, fmt.Errorf("queue %s: retry delay and retention cannot be negative", cfg.Name)
	}

	return &Queue{
		cfg:      cfg,
		logger:   logger.With().Str("component", "Queue").Str("queue", cfg.Name).Logger(),
		messages: make(map[string]*message),
		receipts: make(map[string]string),
		signal:   make(chan struct{}),
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// Enqueue appends evt and returns the new message ID.
func (q *Queue) Enqueue(ctx context.Context, evt objectevent.ObjectEvent) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	id := q.insertLocked(evt, time.Now())
	q.cfg.Metrics.RecordQueueOp(q.cfg.Name, "enqueue")
	q.logger.Debug().Str("msg_id", id).Str("event_id", evt.ID).Msg("Message enqueued.")
	return id, nil
}

func (q *Queue) insertLocked(evt objectevent.ObjectEvent, now time.Time) string {
	id := uuid.NewString()
	evt.ReceivedAttemptCount = 0
	q.messages[id] = &message{id: id, evt: evt, enqueuedAt: now, visibleAt: now}
	q.order = append(q.order, id)
	q.broadcastLocked()
	q.updateDepthLocked(now)
	return id
}

// broadcastLocked wakes every Receive currently waiting.
func (q *Queue) broadcastLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// Receive hands out up to max visible messages. If none is visible it waits
// up to wait for one, returning an empty slice when the wait elapses.
func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		q.mu.Lock()
		deliveries := q.takeLocked(max, time.Now())
		signal := q.signal
		q.mu.Unlock()

		if len(deliveries) > 0 {
			return deliveries, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		sleep := q.cfg.PollInterval
		if remaining < sleep {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) takeLocked(max int, now time.Time) []Delivery {
	q.sweepLocked(now)

	var out []Delivery
	for _, id := range q.order {
		if len(out) == max {
			break
		}
		m := q.messages[id]
		if m.receipt != "" || m.visibleAt.After(now) {
			continue
		}
		m.receiveCount++
		m.receipt = uuid.NewString()
		m.visibleAt = now.Add(q.cfg.VisibilityTimeout)
		q.receipts[m.receipt] = id

		evt := m.evt
		evt.ReceivedAttemptCount = m.receiveCount
		out = append(out, Delivery{
			MessageID:     id,
			ReceiptHandle: m.receipt,
			Event:         evt,
			EnqueuedAt:    m.enqueuedAt,
		})
		q.cfg.Metrics.RecordQueueOp(q.cfg.Name, "receive")
	}
	if len(out) > 0 {
		q.updateDepthLocked(now)
	}
	return out
}

// sweepLocked fails in-flight messages whose visibility timeout passed and
// discards messages older than the retention window.
func (q *Queue) sweepLocked(now time.Time) {
	var expired, timedOut []*message
	for _, id := range q.order {
		m := q.messages[id]
		switch {
		case q.cfg.Retention > 0 && !now.Before(m.enqueuedAt.Add(q.cfg.Retention)):
			expired = append(expired, m)
		case m.receipt != "" && !m.visibleAt.After(now):
			timedOut = append(timedOut, m)
		}
	}

	for _, m := range expired {
		q.logger.Warn().Str("msg_id", m.id).Str("object_key", m.evt.ObjectKey()).Msg("Retention window passed, discarding message.")
		q.removeLocked(m)
		q.cfg.Metrics.RecordQueueOp(q.cfg.Name, "expire")
	}
	for _, m := range timedOut {
		q.logger.Warn().Str("msg_id", m.id).Int("receive_count", m.receiveCount).Msg("Visibility timeout expired.")
		q.failLocked(m, now, "visibility timeout expired")
	}
}

// failLocked records a failed delivery: the message becomes visible again
// after RetryDelay, or is moved to the dead-letter queue once its receive
// count has reached MaxReceiveCount.
func (q *Queue) failLocked(m *message, now time.Time, reason string) {
	if m.receiveCount >= q.cfg.MaxReceiveCount {
		q.deadLetterLocked(m, now, fmt.Sprintf("max receive count %d reached: %s", q.cfg.MaxReceiveCount, reason))
		return
	}
	delete(q.receipts, m.receipt)
	m.receipt = ""
	m.visibleAt = now.Add(q.cfg.RetryDelay)
	q.cfg.Metrics.RecordQueueOp(q.cfg.Name, "nack")
	q.broadcastLocked()
}

// deadLetterLocked removes m and, when a dead-letter queue is configured,
// inserts it there before releasing the lock, so the move is never partial.
func (q *Queue) deadLetterLocked(m *message, now time.Time, reason string) {
	q.removeLocked(m)

	if q.cfg.DeadLetter == nil {
		q.logger.Error().Str("msg_id", m.id).Str("object_key", m.evt.ObjectKey()).Str("reason", reason).Msg("No dead-letter queue, dropping message.")
		q.cfg.Metrics.RecordQueueOp(q.cfg.Name, "drop")
		return
	}

	evt := m.evt.
		With(objectevent.AttrReason, reason).
		With(objectevent.AttrSourceQueue, q.cfg.Name).
		With(objectevent.AttrAttempts, strconv.Itoa(m.receiveCount))

	dlq := q.cfg.DeadLetter
	dlq.mu.Lock()
	id := dlq.insertLocked(evt, now)
	dlq.mu.Unlock()
	dlq.cfg.Metrics.RecordQueueOp(dlq.cfg.Name, "enqueue")

	q.cfg.Metrics.RecordQueueOp(q.cfg.Name, "dead_letter")
	q.logger.Warn().
		Str("msg_id", m.id).
		Str("dead_letter_msg_id", id).
		Str("object_key", m.evt.ObjectKey()).
		Str("reason", reason).
		Msg("Message moved to dead-letter queue.")
}

func (q *Queue) removeLocked(m *message) {
	if m.receipt != "" {
		delete(q.receipts, m.receipt)
	}
	delete(q.messages, m.id)
	for i, id := range q.order {
		if id == m.id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.updateDepthLocked(time.Now())
}

func (q *Queue) lookupLocked(receipt string) (*message, error) {
	id, ok := q.receipts[receipt]
	if !ok {
		return nil, ErrStaleReceipt
	}
	return q.messages[id], nil
}

// Ack removes the message delivered under receipt.
func (q *Queue) Ack(receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.lookupLocked(receipt)
	if err != nil {
		return err
	}
	q.removeLocked(m)
	q.cfg.Metrics.RecordQueueOp(q.cfg.Name, "ack")
	return nil
}

// Nack reports a failed delivery; see Config.MaxReceiveCount for what follows.
func (q *Queue) Nack(receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.lookupLocked(receipt)
	if err != nil {
		return err
	}
	q.failLocked(m, time.Now(), "nacked")
	return nil
}

// DeadLetter moves the delivered message to the dead-letter queue at once,
// whatever its receive count.
func (q *Queue) DeadLetter(receipt, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, err := q.lookupLocked(receipt)
	if err != nil {
		return err
	}
	q.deadLetterLocked(m, time.Now(), reason)
	return nil
}

// ChangeVisibility keeps the delivery under receipt hidden for timeout from
// now. It fails with ErrStaleReceipt once the delivery has been settled or its
// visibility timeout has already passed.
func (q *Queue) ChangeVisibility(receipt string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	m, err := q.lookupLocked(receipt)
	if err != nil {
		return err
	}
	if !m.visibleAt.After(now) {
		q.failLocked(m, now, "visibility timeout expired")
		return ErrStaleReceipt
	}
	m.visibleAt = now.Add(timeout)
	q.cfg.Metrics.RecordQueueOp(q.cfg.Name, "extend")
	return nil
}

// VisibilityTimeout returns how long a received message stays hidden.
func (q *Queue) VisibilityTimeout() time.Duration { return q.cfg.VisibilityTimeout }

// Stats returns a snapshot of the backlog after applying expiry rules.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	q.sweepLocked(now)
	return q.statsLocked(now)
}

func (q *Queue) statsLocked(now time.Time) Stats {
	var s Stats
	for _, m := range q.messages {
		switch {
		case m.receipt != "":
			s.InFlight++
		case m.visibleAt.After(now):
			s.Delayed++
		default:
			s.Visible++
		}
	}
	return s
}

func (q *Queue) updateDepthLocked(now time.Time) {
	if q.cfg.Metrics == nil {
		return
	}
	s := q.statsLocked(now)
	q.cfg.Metrics.SetQueueDepth(q.cfg.Name, s.Visible+s.Delayed, s.InFlight)
}
