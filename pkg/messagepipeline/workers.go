package messagepipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// workerPool runs goroutines that exit on their own and can be awaited with a deadline.
type workerPool struct {
	wg sync.WaitGroup
}

func (p *workerPool) spawn(n int, loop func(id int)) {
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func(id int) {
			defer p.wg.Done()
			loop(id)
		}(i)
	}
}

// wait blocks until every spawned loop has returned or ctx ends.
func (p *workerPool) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// next returns the next delivery, or false once ctx ends or the consumer closes its channel.
func next(ctx context.Context, consumer MessageConsumer) (Message, bool) {
	select {
	case <-ctx.Done():
		return Message{}, false
	case msg, ok := <-consumer.Messages():
		return msg, ok
	}
}

// decode runs transformer on msg. When the message should go no further it is
// settled here and ok is false.
func decode[T any](ctx context.Context, transformer MessageTransformer[T], msg *Message, logger zerolog.Logger) (payload *T, ok bool) {
	payload, skip, err := transformer(ctx, msg)
	switch {
	case err != nil:
		Settle(*msg, fmt.Errorf("transform: %w", err), logger)
		return nil, false
	case skip:
		logger.Debug().Str("msg_id", msg.ID).Msg("Transformer skipped message, Acking.")
		msg.Ack()
		return nil, false
	}
	return payload, true
}
