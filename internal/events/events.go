package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Security event types.
const (
	UserRegistered       = "user.registered"
	SessionCreated       = "session.created"
	SessionLoggedOut     = "session.logged_out"
	SessionReuseDetected = "session.reuse_detected"
)

type Event struct {
	Type       string    `json:"type"`
	UserID     int64     `json:"user_id"`
	DeviceID   string    `json:"device_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Revoked    int64     `json:"revoked,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers security events. Delivery is best effort: callers log
// a failure and carry on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON to a single topic, keyed by user id
// so that one user's events stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	log     *slog.Logger
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	Async        bool
	WriteTimeout time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig, log *slog.Logger) (*KafkaPublisher, error) {
	const op = "events.NewKafkaPublisher"

	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("%s: brokers and topic are required", op)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Async:        cfg.Async,
	}
	if cfg.Async {
		w.Completion = completionLogger(log)
	}

	return newKafkaPublisher(w, cfg.WriteTimeout, log), nil
}

// completionLogger reports delivery failures of async writes, which
// WriteMessages no longer returns.
func completionLogger(log *slog.Logger) func([]kafka.Message, error) {
	return func(messages []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, m := range messages {
			log.Error("failed to deliver event",
				slog.String("op", "events.Completion"),
				slog.String("key", string(m.Key)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func newKafkaPublisher(w messageWriter, timeout time.Duration, log *slog.Logger) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaPublisher{writer: w, timeout: timeout, log: log}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	const op = "events.Publish"

	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	// Detached from request cancellation: the client going away must not
	// drop a security event.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	err = p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(strconv.FormatInt(e.UserID, 10)),
		Value: payload,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		p.log.Error("failed to publish event",
			slog.String("op", op),
			slog.String("type", e.Type),
			slog.Int64("user_id", e.UserID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
