// Package trace ships request lifecycle records to Kafka for offline
// analysis. Publishing is best-effort and never blocks request handling.
package trace

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Record is one lifecycle trace entry.
type Record struct {
	RequestID      string    `json:"request_id"`
	BotID          string    `json:"bot_id"`
	ConversationID string    `json:"conversation_id"`
	Stage          string    `json:"stage"`
	Outcome        string    `json:"outcome,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher emits trace records. A nil *Publisher is a valid no-op.
type Publisher struct {
	writer *kafka.Writer
	topic  string
}

// NewPublisher builds a Kafka-backed publisher, or nil when no brokers
// are configured (tracing disabled).
func NewPublisher(brokers []string, topic string) *Publisher {
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		return nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	return &Publisher{writer: w, topic: topic}
}

// Active reports whether records will actually be shipped.
func (p *Publisher) Active() bool {
	return p != nil && p.writer != nil
}

// Publish emits one record. Failures are logged and swallowed.
func (p *Publisher) Publish(rec Record) {
	if !p.Active() {
		return
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("trace encode failed", "request_id", rec.RequestID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.RequestID),
		Value: payload,
	})
	if err != nil {
		slog.Warn("trace publish failed", "topic", p.topic, "request_id", rec.RequestID, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (p *Publisher) Close() error {
	if !p.Active() {
		return nil
	}
	return p.writer.Close()
}
