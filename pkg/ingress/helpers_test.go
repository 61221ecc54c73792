package ingress_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/jackjduggan/ds-eda-ca/pkg/objectevent"
)

type chanConsumer struct {
	msgs     chan messagepipeline.Message
	done     chan struct{}
	stopOnce sync.Once
}

func newChanConsumer() *chanConsumer {
	return &chanConsumer{msgs: make(chan messagepipeline.Message, 10), done: make(chan struct{})}
}

func (c *chanConsumer) Messages() <-chan messagepipeline.Message { return c.msgs }
func (c *chanConsumer) Start(context.Context) error { return nil }
func (c *chanConsumer) Done() <-chan struct{} { return c.done }
func (c *chanConsumer) Stop(context.Context) error {
	c.stopOnce.Do(func() {
		close(c.msgs)
		close(c.done)
	})
	return nil
}

type settlement struct {
	acked, nacked, deadLettered atomic.Bool
}

func (s *settlement) settled() bool {
	return s.acked.Load() || s.nacked.Load() || s.deadLettered.Load()
}

func newMessage(id string, payload []byte, attrs map[string]string) (messagepipeline.Message, *settlement) {
	s := &settlement{}
	return messagepipeline.Message{
		MessageData: messagepipeline.MessageData{ID: id, Payload: payload},
		Attributes:  attrs,
		Ack:         func() { s.acked.Store(true) },
		Nack:        func() { s.nacked.Store(true) },
	}, s
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []objectevent.ObjectEvent
	fail   bool
	// failOnce fails the first dispatch of each listed key.
	failOnce map[string]bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, evt objectevent.ObjectEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("topic unavailable")
	}
	if d.failOnce[evt.ObjectKey()] {
		delete(d.failOnce, evt.ObjectKey())
		return errors.New("topic unavailable")
	}
	d.events = append(d.events, evt)
	return nil
}

func (d *recordingDispatcher) Events() []objectevent.ObjectEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]objectevent.ObjectEvent(nil), d.events...)
}
