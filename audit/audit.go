// Package audit delivers caseflow audit entries to external sinks.
//
// The engine hands every committed transition and delete to one
// caseflow.AuditSink after the unit of work commits. Sinks here log the
// entry, publish it to Kafka, or fan it out to several sinks.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/warp/pncase-engine/caseflow"
)

// =============================================================================
// LOG SINK
// =============================================================================

// LogSink writes each entry as one structured log line.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Record(_ context.Context, e caseflow.AuditEntry) error {
	ev := s.log.Info().
		Str("audit_id", e.ID).
		Time("at", e.Timestamp).
		Str("actor_id", e.ActorID).
		Str("action", string(e.Action)).
		Str("entity_type", e.EntityType).
		Str("entity_id", e.EntityID)
	if e.OldValue != nil {
		ev = ev.Interface("old", e.OldValue)
	}
	if e.NewValue != nil {
		ev = ev.Interface("new", e.NewValue)
	}
	ev.Msg("audit")
	return nil
}

// =============================================================================
// KAFKA SINK
// =============================================================================

// MessageWriter is the subset of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes entries as JSON. The message key is the entity id so
// all events of one case land on the same partition in order.
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return NewKafkaSinkWithWriter(kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}))
}

func NewKafkaSinkWithWriter(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

type message struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	OldValue   map[string]any `json:"old_value,omitempty"`
	NewValue   map[string]any `json:"new_value,omitempty"`
}

func (s *KafkaSink) Record(ctx context.Context, e caseflow.AuditEntry) error {
	payload, err := json.Marshal(message{
		ID:         e.ID,
		Timestamp:  e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		ActorID:    e.ActorID,
		Action:     string(e.Action),
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		OldValue:   e.OldValue,
		NewValue:   e.NewValue,
	})
	if err != nil {
		return fmt.Errorf("marshal audit entry %s: %w", e.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(e.EntityID),
		Value: payload,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(e.Action)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish audit entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi records to every sink and joins their errors.
type Multi []caseflow.AuditSink

func (m Multi) Record(ctx context.Context, e caseflow.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
