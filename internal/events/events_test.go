package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs     []kafka.Message
	err      error
	closed   bool
	deadline bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	_, f.deadline = ctx.Deadline()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, time.Second, discardLogger())

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := p.Publish(context.Background(), Event{
		Type:       SessionReuseDetected,
		UserID:     42,
		DeviceID:   "d-1",
		Revoked:    3,
		OccurredAt: at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.True(t, w.deadline)

	msg := w.msgs[0]
	assert.Equal(t, "42", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, SessionReuseDetected, string(msg.Headers[0].Value))

	var got Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, SessionReuseDetected, got.Type)
	assert.Equal(t, int64(42), got.UserID)
	assert.Equal(t, int64(3), got.Revoked)
	assert.True(t, at.Equal(got.OccurredAt))
}

func TestKafkaPublisher_StampsTimeAndIgnoresCancel(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, 0, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Publish(ctx, Event{Type: SessionCreated, UserID: 1}))
	require.Len(t, w.msgs, 1)
	assert.False(t, w.msgs[0].Time.IsZero())
	assert.Equal(t, 5*time.Second, p.timeout)
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := newKafkaPublisher(w, time.Second, discardLogger())

	err := p.Publish(context.Background(), Event{Type: UserRegistered, UserID: 7})
	assert.ErrorContains(t, err, "broker down")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestNewKafkaPublisher_RequiresBrokersAndTopic(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "t"}, discardLogger())
	assert.Error(t, err)

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}}, discardLogger())
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "auth.events"}, discardLogger())
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestNewKafkaPublisher_AsyncLogsDeliveryFailures(t *testing.T) {
	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "auth.events", Async: true}, discardLogger())
	require.NoError(t, err)
	defer p.Close()

	w, ok := p.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.True(t, w.Async)
	assert.NotNil(t, w.Completion)

	var buf bytes.Buffer
	done := completionLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	done([]kafka.Message{{Key: []byte("42")}}, nil)
	assert.Empty(t, buf.String())

	done([]kafka.Message{{Key: []byte("42")}}, errors.New("broker down"))
	assert.Contains(t, buf.String(), `"key":"42"`)
	assert.Contains(t, buf.String(), "broker down")
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	assert.NoError(t, p.Publish(context.Background(), Event{}))
	assert.NoError(t, p.Close())
}
