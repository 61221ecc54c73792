package messagepipeline_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackjduggan/ds-eda-ca/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyTransformer reads the payload as an object key. "skip:" keys are skipped,
// "bad:" keys fail to decode and "junk:" keys fail permanently.
func keyTransformer(_ context.Context, msg *messagepipeline.Message) (*string, bool, error) {
	key := string(msg.Payload)
	switch {
	case strings.HasPrefix(key, "skip:"):
		return nil, true, nil
	case strings.HasPrefix(key, "bad:"):
		return nil, false, errors.New("cannot decode")
	case strings.HasPrefix(key, "junk:"):
		return nil, false, messagepipeline.Permanent(errors.New("not an event"))
	}
	return &key, false, nil
}

func startStreaming(t *testing.T, workers int, processor messagepipeline.StreamProcessor[string]) *fakeConsumer {
	t.Helper()
	consumer := newFakeConsumer(16)
	service, err := messagepipeline.NewStreamingService[string](
		messagepipeline.StreamingServiceConfig{NumWorkers: workers}, consumer, keyTransformer, processor, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, service.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, service.Stop(ctx))
	})
	return consumer
}

func TestStreamingService_Settlement(t *testing.T) {
	processor := func(_ context.Context, _ messagepipeline.Message, key *string) error {
		switch {
		case strings.HasPrefix(*key, "flaky:"):
			return errors.New("store unavailable")
		case strings.HasPrefix(*key, "ghost:"):
			return messagepipeline.Permanent(fmt.Errorf("update %q: not found", *key))
		}
		return nil
	}

	testCases := []struct {
		key  string
		want string
	}{
		{"cat.png", "ack"},
		{"skip:heartbeat", "ack"},
		{"bad:truncated", "nack"},
		{"junk:html", "dead-letter"},
		{"flaky:beach.jpeg", "nack"},
		{"ghost:never-ingested.png", "dead-letter"},
	}

	// Arrange
	s := newSettlement()
	consumer := startStreaming(t, 3, processor)

	// Act
	for _, tc := range testCases {
		consumer.Push(s.message(tc.key))
	}

	// Assert
	require.Eventually(t, func() bool { return s.count() == len(testCases) }, 2*time.Second, 10*time.Millisecond)
	for _, tc := range testCases {
		assert.Equal(t, tc.want, s.get(tc.key), tc.key)
	}
}

func TestStreamingService_PermanentWithoutDeadLetterIsAcked(t *testing.T) {
	// Arrange
	s := newSettlement()
	consumer := startStreaming(t, 1, func(context.Context, messagepipeline.Message, *string) error { return nil })
	msg := s.message("junk:from-pubsub")
	msg.DeadLetter = nil

	// Act
	consumer.Push(msg)

	// Assert
	require.Eventually(t, func() bool { return s.get("junk:from-pubsub") == "ack" }, time.Second, 10*time.Millisecond)
}

func TestStreamingService_ProcessorSeesOriginalMessage(t *testing.T) {
	// Arrange
	var mu sync.Mutex
	seen := map[string]string{}
	consumer := startStreaming(t, 2, func(_ context.Context, original messagepipeline.Message, key *string) error {
		mu.Lock()
		defer mu.Unlock()
		seen[*key] = original.Attributes["eventName"]
		return nil
	})
	s := newSettlement()
	msg := s.message("holidays/beach holiday.jpg")
	msg.Attributes = map[string]string{"eventName": "ObjectCreated:Put"}

	// Act
	consumer.Push(msg)

	// Assert
	require.Eventually(t, func() bool { return s.get("holidays/beach holiday.jpg") == "ack" }, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ObjectCreated:Put", seen["holidays/beach holiday.jpg"])
}

func TestStreamingService_StopDrainsBufferedMessages(t *testing.T) {
	// Arrange
	consumer := newFakeConsumer(16)
	release := make(chan struct{})
	processor := func(context.Context, messagepipeline.Message, *string) error {
		<-release
		return nil
	}
	service, err := messagepipeline.NewStreamingService[string](
		messagepipeline.StreamingServiceConfig{NumWorkers: 1}, consumer, keyTransformer, processor, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, service.Start(context.Background()))

	s := newSettlement()
	for _, key := range []string{"a.png", "b.png", "c.png"} {
		consumer.Push(s.message(key))
	}

	// Act
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = service.Stop(ctx)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, s.count())
	starts, stops := consumer.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestStreamingService_StopTimesOutOnStuckWorker(t *testing.T) {
	// Arrange
	consumer := newFakeConsumer(1)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	entered := make(chan struct{})
	processor := func(context.Context, messagepipeline.Message, *string) error {
		close(entered)
		<-release
		return nil
	}
	service, err := messagepipeline.NewStreamingService[string](
		messagepipeline.StreamingServiceConfig{NumWorkers: 1}, consumer, keyTransformer, processor, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, service.Start(context.Background()))
	consumer.Push(newSettlement().message("slow.png"))
	<-entered

	// Act
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = service.Stop(ctx)

	// Assert
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewStreamingService_Validation(t *testing.T) {
	noop := func(context.Context, messagepipeline.Message, *string) error { return nil }

	_, err := messagepipeline.NewStreamingService[string](messagepipeline.StreamingServiceConfig{}, nil, keyTransformer, noop, zerolog.Nop())
	assert.Error(t, err)

	_, err = messagepipeline.NewStreamingService[string](messagepipeline.StreamingServiceConfig{}, newFakeConsumer(1), nil, noop, zerolog.Nop())
	assert.Error(t, err)

	_, err = messagepipeline.NewStreamingService[string](messagepipeline.StreamingServiceConfig{}, newFakeConsumer(1), keyTransformer, nil, zerolog.Nop())
	assert.Error(t, err)
}
