// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/metrics"
	"github.com/tomtom215/watchsync/internal/models"
)

// ErrClosed is returned by PublishPass after Close.
var ErrClosed = errors.New("publisher is closed")

// Publisher sends pass events to a Watermill publisher, guarded by a
// circuit breaker so an unavailable broker does not slow every pass down.
// It implements reconcile.Publisher.
type Publisher struct {
	pub    message.Publisher
	topic  string
	cb     *gobreaker.CircuitBreaker[struct{}]
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPublisher wraps pub. The Publisher owns pub and closes it on Close.
func NewPublisher(pub message.Publisher, topic string) *Publisher {
	logger := logging.WithComponent("events")
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "events-" + topic,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("[CIRCUIT BREAKER] State transition")
		},
	})
	return &Publisher{pub: pub, topic: topic, cb: cb, logger: logger}
}

// NewInProcessPublisher publishes to an in-process GoChannel. The returned
// GoChannel can be used to subscribe to the topic; it is closed by the
// Publisher's Close.
func NewInProcessPublisher(topic string) (*Publisher, *gochannel.GoChannel) {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 64,
	}, WatermillLogger())
	return NewPublisher(ch, topic), ch
}

// WatermillLogger adapts the global zerolog logger for Watermill.
func WatermillLogger() watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logging.NewSlogLogger())
}

// Topic returns the topic every event is published to.
func (p *Publisher) Topic() string { return p.topic }

// PublishPass publishes pass.completed for report and one action.failed per
// failed action. Every message is attempted; the first error is returned.
func (p *Publisher) PublishPass(ctx context.Context, report *models.PassReport) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	msgs := make([]*message.Message, 0, 1+len(report.FailedActions))
	msg, err := newMessage(report.ID, TypePassCompleted, NewPassEvent(report))
	if err != nil {
		return err
	}
	msg.Metadata.Set(MetaPassID, report.ID)
	msg.Metadata.Set(MetaStatus, string(report.Status))
	msgs = append(msgs, msg)

	for _, fa := range report.FailedActions {
		m, err := newMessage(uuid.NewString(), TypeActionFailed, NewActionFailedEvent(fa))
		if err != nil {
			return err
		}
		m.Metadata.Set(MetaPassID, report.ID)
		m.Metadata.Set(MetaServer, fa.Action.TargetServer)
		msgs = append(msgs, m)
	}

	var firstErr error
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.SetContext(ctx)
		eventType := m.Metadata.Get(MetaEventType)
		_, err := p.cb.Execute(func() (struct{}, error) {
			return struct{}{}, p.pub.Publish(p.topic, m)
		})
		if err != nil {
			metrics.EventsPublished.WithLabelValues(eventType, "error").Inc()
			logging.Ctx(ctx).Warn().Err(err).
				Str("event_type", eventType).
				Str("message_id", m.UUID).
				Msg("Failed to publish event")
			if firstErr == nil {
				firstErr = fmt.Errorf("publish %s: %w", eventType, err)
			}
			continue
		}
		metrics.EventsPublished.WithLabelValues(eventType, "ok").Inc()
	}
	return firstErr
}

func newMessage(id, eventType string, payload interface{}) (*message.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	msg := message.NewMessage(id, data)
	msg.Metadata.Set(MetaEventType, eventType)
	return msg, nil
}

// Close closes the underlying publisher. It is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.pub.Close()
}
