// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package events announces finished passes over Watermill.
//
// Every message goes to one topic (events.topic) and carries its kind in
// the "event_type" metadata key:
//
//	pass.completed  one per pass, payload PassEvent
//	action.failed   one per action that exhausted its retries, payload ActionFailedEvent
//
// The default transport is an in-process GoChannel. Binaries built with the
// nats tag can publish to NATS JetStream instead (see NewNATSPublisher).
package events

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/watchsync/internal/models"
)

// Event types carried in the "event_type" metadata key.
const (
	TypePassCompleted = "pass.completed"
	TypeActionFailed  = "action.failed"
)

// Metadata keys.
const (
	MetaEventType = "event_type"
	MetaPassID    = "pass_id"
	MetaStatus    = "status"
	MetaServer    = "server"
)

// PassEvent is the pass.completed payload.
type PassEvent struct {
	PassID          string            `json:"pass_id"`
	Trigger         string            `json:"trigger,omitempty"`
	Status          string            `json:"status"`
	DryRun          bool              `json:"dry_run"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	DurationMS      int64             `json:"duration_ms"`
	DegradedServers map[string]string `json:"degraded_servers,omitempty"`
	MatchedGroups   int               `json:"matched_groups"`
	Conflicts       int               `json:"conflicts"`
	ActionsApplied  int               `json:"actions_applied"`
	ActionsFailed   int               `json:"actions_failed"`
	Error           string            `json:"error,omitempty"`
}

// ActionFailedEvent is the action.failed payload.
type ActionFailedEvent struct {
	PassID        string    `json:"pass_id"`
	Server        string    `json:"server"`
	Item          string    `json:"item"`
	Title         string    `json:"title,omitempty"`
	CanonicalUser string    `json:"canonical_user"`
	Desired       string    `json:"desired"`
	Attempts      int       `json:"attempts"`
	Kind          string    `json:"kind,omitempty"`
	Error         string    `json:"error"`
	FailedAt      time.Time `json:"failed_at"`
}

// NewPassEvent builds the pass.completed payload for report.
func NewPassEvent(report *models.PassReport) PassEvent {
	return PassEvent{
		PassID:          report.ID,
		Trigger:         report.Trigger,
		Status:          string(report.Status),
		DryRun:          report.DryRun,
		StartedAt:       report.StartedAt,
		FinishedAt:      report.FinishedAt,
		DurationMS:      report.Duration().Milliseconds(),
		DegradedServers: report.DegradedServers,
		MatchedGroups:   report.MatchedGroups,
		Conflicts:       report.Conflicts,
		ActionsApplied:  report.ActionsApplied,
		ActionsFailed:   report.ActionsFailed,
		Error:           report.Error,
	}
}

// NewActionFailedEvent builds the action.failed payload for fa.
func NewActionFailedEvent(fa models.FailedAction) ActionFailedEvent {
	return ActionFailedEvent{
		PassID:        fa.PassID,
		Server:        fa.Action.TargetServer,
		Item:          fa.Action.TargetItem,
		Title:         fa.Action.Title,
		CanonicalUser: fa.Action.CanonicalUser,
		Desired:       fa.Action.Desired.String(),
		Attempts:      fa.Attempts,
		Kind:          fa.Kind,
		Error:         fa.Error,
		FailedAt:      fa.FailedAt,
	}
}

// DecodePassEvent parses a pass.completed payload.
func DecodePassEvent(payload []byte) (PassEvent, error) {
	var e PassEvent
	err := json.Unmarshal(payload, &e)
	return e, err
}

// DecodeActionFailedEvent parses an action.failed payload.
func DecodeActionFailedEvent(payload []byte) (ActionFailedEvent, error) {
	var e ActionFailedEvent
	err := json.Unmarshal(payload, &e)
	return e, err
}
