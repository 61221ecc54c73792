package messagepipeline_test

import (
	"context"
	"sync"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
)

// fakeConsumer feeds pushed messages to a service and counts lifecycle calls.
type fakeConsumer struct {
	ch        chan messagepipeline.Message
	mu        sync.Mutex
	starts    int
	stops     int
	closeOnce sync.Once
}

func newFakeConsumer(buffer int) *fakeConsumer {
	return &fakeConsumer{ch: make(chan messagepipeline.Message, buffer)}
}

func (c *fakeConsumer) Push(msg messagepipeline.Message) { c.ch <- msg }
func (c *fakeConsumer) Messages() <-chan messagepipeline.Message { return c.ch }
func (c *fakeConsumer) close() { c.closeOnce.Do(func() { close(c.ch) }) }

func (c *fakeConsumer) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	return nil
}

func (c *fakeConsumer) Stop(context.Context) error {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
	c.close()
	return nil
}

func (c *fakeConsumer) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func (c *fakeConsumer) counts() (starts, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}
