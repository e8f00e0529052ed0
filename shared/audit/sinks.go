package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// LogSink writes events to a zerolog logger.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit_log").Logger()}
}

func (s *LogSink) Emit(_ context.Context, e Event) error {
	s.logger.Info().
		Str("event_id", e.ID.String()).
		Str("action", e.Action).
		Str("actor_role", e.Actor.Role).
		Int64("actor_id", e.Actor.ID).
		Str("entity_type", e.EntityType).
		Int64("entity_id", e.EntityID).
		Bool("outside_window", e.OutsideWindow).
		Interface("before", e.Before).
		Interface("after", e.After).
		Time("at", e.At).
		Msg("audit")
	return nil
}

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NatsSink publishes events as JSON on "<subject>.<action>".
type NatsSink struct {
	pub     Publisher
	subject string
}

func NewNatsSink(pub Publisher, subject string) *NatsSink {
	return &NatsSink{pub: pub, subject: subject}
}

// ConnectNats dials the server and returns a sink plus the connection to close.
func ConnectNats(url, subject string) (*NatsSink, *nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name("ptschedule-audit"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNatsSink(nc, subject), nc, nil
}

func (s *NatsSink) Emit(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	subject := s.subject + "." + e.Action
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
