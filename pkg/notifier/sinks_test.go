package notifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackjduggan/ds-eda-ca/pkg/notifier"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	attrs    []map[string]string
	err      error
}

func (p *mockPublisher) Publish(_ context.Context, payload []byte, attributes map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.payloads = append(p.payloads, payload)
	p.attrs = append(p.attrs, attributes)
	return "msg-1", nil
}

func (p *mockPublisher) Stop(context.Context) error { return nil }

type mockInserter struct {
	rows []*notifier.AuditRow
	err  error
}

func (i *mockInserter) InsertBatch(_ context.Context, rows []*notifier.AuditRow) error {
	if i.err != nil {
		return i.err
	}
	i.rows = append(i.rows, rows...)
	return nil
}

func TestPubsubSink_Send(t *testing.T) {
	// Arrange
	pub := &mockPublisher{}
	sink, err := notifier.NewPubsubSink(pub, zerolog.Nop())
	require.NoError(t, err)

	// Act
	err = sink.Send(context.Background(), "ops@example.com", "Object rejected: a.jpg", "body")

	// Assert
	require.NoError(t, err)
	require.Len(t, pub.payloads, 1)
	var mail notifier.Mail
	require.NoError(t, json.Unmarshal(pub.payloads[0], &mail))
	assert.Equal(t, notifier.Mail{Recipient: "ops@example.com", Subject: "Object rejected: a.jpg", Body: "body"}, mail)
	assert.Equal(t, "ops@example.com", pub.attrs[0]["recipient"])
}

func TestPubsubSink_PublishFailure(t *testing.T) {
	pubErr := errors.New("topic gone")
	sink, err := notifier.NewPubsubSink(&mockPublisher{err: pubErr}, zerolog.Nop())
	require.NoError(t, err)

	err = sink.Send(context.Background(), "r", "s", "b")

	assert.ErrorIs(t, err, pubErr)
}

func TestBigQuerySink_Send(t *testing.T) {
	inserter := &mockInserter{}
	sink := notifier.NewBigQuerySink(inserter)
	before := time.Now().UTC()

	require.NoError(t, sink.Send(context.Background(), "ops@example.com", "subject", "body"))

	require.Len(t, inserter.rows, 1)
	row := inserter.rows[0]
	assert.Equal(t, "ops@example.com", row.Recipient)
	assert.Equal(t, "subject", row.Subject)
	assert.Equal(t, "body", row.Body)
	assert.False(t, row.SentAt.Before(before))
}

func TestBigQuerySink_InsertFailure(t *testing.T) {
	insertErr := errors.New("quota")
	sink := notifier.NewBigQuerySink(&mockInserter{err: insertErr})

	err := sink.Send(context.Background(), "r", "s", "b")

	assert.ErrorIs(t, err, insertErr)
}

func TestMultiSink(t *testing.T) {
	// Arrange
	okSink := &recordingSink{}
	failErr := errors.New("down")
	multi := notifier.MultiSink{notifier.NewLogSink(zerolog.Nop()), &recordingSink{err: failErr}, okSink}

	// Act
	err := multi.Send(context.Background(), "r", "s", "b")

	// Assert
	assert.ErrorIs(t, err, failErr)
	assert.Len(t, okSink.Sent(), 1, "a failing sink must not stop the others")
}
