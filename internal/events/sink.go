// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package events

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog"

	"github.com/tomtom215/watchsync/internal/logging"
)

// LogSink subscribes to the event topic and writes every event to the log.
// It gives in-process events a consumer when no broker is configured.
type LogSink struct {
	sub    message.Subscriber
	topic  string
	logger zerolog.Logger
}

// NewLogSink builds a LogSink reading topic from sub.
func NewLogSink(sub message.Subscriber, topic string) *LogSink {
	return &LogSink{sub: sub, topic: topic, logger: logging.WithComponent("events")}
}

// Serve implements suture.Service.
func (s *LogSink) Serve(ctx context.Context) error {
	msgs, err := s.sub.Subscribe(ctx, s.topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.topic, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			s.log(msg)
			msg.Ack()
		}
	}
}

func (s *LogSink) log(msg *message.Message) {
	switch msg.Metadata.Get(MetaEventType) {
	case TypePassCompleted:
		e, err := DecodePassEvent(msg.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("message_id", msg.UUID).Msg("Malformed pass event")
			return
		}
		s.logger.Info().
			Str("pass_id", e.PassID).
			Str("status", e.Status).
			Int64("duration_ms", e.DurationMS).
			Int("applied", e.ActionsApplied).
			Int("failed", e.ActionsFailed).
			Msg("Event: pass completed")
	case TypeActionFailed:
		e, err := DecodeActionFailedEvent(msg.Payload)
		if err != nil {
			s.logger.Warn().Err(err).Str("message_id", msg.UUID).Msg("Malformed action event")
			return
		}
		s.logger.Warn().
			Str("pass_id", e.PassID).
			Str("server", e.Server).
			Str("item", e.Item).
			Str("user", e.CanonicalUser).
			Str("kind", e.Kind).
			Msg("Event: action failed")
	default:
		s.logger.Debug().Str("message_id", msg.UUID).Msg("Ignoring event of unknown type")
	}
}

// String names the service in supervisor logs.
func (s *LogSink) String() string { return "event-log-sink" }
