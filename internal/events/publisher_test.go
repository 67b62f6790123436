// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/watchsync/internal/models"
)

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		msg.Ack()
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishPass(t *testing.T) {
	pub, bus := NewInProcessPublisher("watchsync.passes")
	defer pub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := bus.Subscribe(ctx, "watchsync.passes")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	report := &models.PassReport{
		ID:              "0b6f3c2e-1111-4c1a-9d2e-5a7b8c9d0e1f",
		Trigger:         "manual",
		Status:          models.PassDegraded,
		StartedAt:       start,
		FinishedAt:      start.Add(1500 * time.Millisecond),
		DegradedServers: map[string]string{"emby": "unreachable"},
		MatchedGroups:   12,
		ActionsApplied:  3,
		ActionsFailed:   1,
		FailedActions: []models.FailedAction{{
			PassID:   "0b6f3c2e-1111-4c1a-9d2e-5a7b8c9d0e1f",
			Action:   models.SyncAction{TargetServer: "plex", TargetItem: "42", CanonicalUser: "alice", Desired: models.WatchState{Watched: true}},
			Attempts: 3,
			Kind:     "timeout",
			Error:    "context deadline exceeded",
		}},
	}

	if err := pub.PublishPass(ctx, report); err != nil {
		t.Fatalf("PublishPass: %v", err)
	}

	first := receive(t, sub)
	if first.UUID != report.ID {
		t.Errorf("message id = %q, want pass id", first.UUID)
	}
	if got := first.Metadata.Get(MetaEventType); got != TypePassCompleted {
		t.Errorf("event_type = %q, want %q", got, TypePassCompleted)
	}
	pass, err := DecodePassEvent(first.Payload)
	if err != nil {
		t.Fatalf("DecodePassEvent: %v", err)
	}
	if pass.Status != "degraded" || pass.DurationMS != 1500 || pass.DegradedServers["emby"] != "unreachable" {
		t.Errorf("pass event = %+v", pass)
	}

	second := receive(t, sub)
	if got := second.Metadata.Get(MetaEventType); got != TypeActionFailed {
		t.Errorf("event_type = %q, want %q", got, TypeActionFailed)
	}
	if got := second.Metadata.Get(MetaServer); got != "plex" {
		t.Errorf("server metadata = %q", got)
	}
	failed, err := DecodeActionFailedEvent(second.Payload)
	if err != nil {
		t.Fatalf("DecodeActionFailedEvent: %v", err)
	}
	if failed.Item != "42" || failed.Desired != "watched" || failed.Kind != "timeout" {
		t.Errorf("action event = %+v", failed)
	}
}

func TestPublishAfterClose(t *testing.T) {
	pub, _ := NewInProcessPublisher("t")
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	err := pub.PublishPass(context.Background(), &models.PassReport{ID: "x"})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("PublishPass after Close = %v, want ErrClosed", err)
	}
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(string, ...*message.Message) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failingPublisher) Close() error { return nil }

func TestBreakerOpensOnBrokerFailure(t *testing.T) {
	broker := &failingPublisher{}
	pub := NewPublisher(broker, "t")

	for i := 0; i < 8; i++ {
		if err := pub.PublishPass(context.Background(), &models.PassReport{ID: "p"}); err == nil {
			t.Fatal("expected publish error")
		}
	}
	if broker.calls != 5 {
		t.Errorf("broker called %d times, want 5 before the breaker opens", broker.calls)
	}
}

func TestLogSinkConsumesEvents(t *testing.T) {
	pub, bus := NewInProcessPublisher("sink")
	defer pub.Close()

	sink := NewLogSink(bus, "sink")
	if sink.String() != "event-log-sink" {
		t.Errorf("String = %q", sink.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Serve(ctx) }()

	// Wait for the subscription before publishing; GoChannel drops messages
	// published to a topic without subscribers.
	time.Sleep(50 * time.Millisecond)
	if err := pub.PublishPass(ctx, &models.PassReport{ID: "p1", Status: models.PassCompleted}); err != nil {
		t.Fatalf("PublishPass: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not stop")
	}
}
