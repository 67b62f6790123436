// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package models

import "time"

// PassStatus is the final outcome of one reconciliation pass.
type PassStatus string

const (
	// PassCompleted means every server listed and no action failed.
	PassCompleted PassStatus = "completed"
	// PassDegraded means the pass finished but some servers, accounts or
	// actions failed.
	PassDegraded PassStatus = "degraded"
	// PassAborted means no server could be listed; nothing was applied.
	PassAborted PassStatus = "aborted"
	// PassFailed means the pass stopped on a configuration error before listing.
	PassFailed PassStatus = "failed"
	// PassCancelled means the context was cancelled between stages.
	PassCancelled PassStatus = "cancelled"
)

// RunMark is the persisted checkpoint of the last successfully completed pass.
type RunMark struct {
	PassID      string    `json:"pass_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// IsZero reports whether no pass has completed yet.
func (m RunMark) IsZero() bool {
	return m.CompletedAt.IsZero()
}

// FailedAction records an action that exhausted its retries.
type FailedAction struct {
	PassID   string     `json:"pass_id"`
	Action   SyncAction `json:"action"`
	Attempts int        `json:"attempts"`
	Kind     string     `json:"kind,omitempty"`
	Error    string     `json:"error"`
	FailedAt time.Time  `json:"failed_at"`
}

// PassReport summarizes one pass.
type PassReport struct {
	ID              string            `json:"id"`
	Trigger         string            `json:"trigger,omitempty"`
	Status          PassStatus        `json:"status"`
	DryRun          bool              `json:"dry_run"`
	StartedAt       time.Time         `json:"started_at"`
	FinishedAt      time.Time         `json:"finished_at"`
	Servers         int               `json:"servers"`
	DegradedServers map[string]string `json:"degraded_servers,omitempty"`
	// DegradedAccounts is keyed by "server/account" and holds accounts whose
	// state could not be read; only those accounts sit out the pass.
	DegradedAccounts map[string]string `json:"degraded_accounts,omitempty"`
	Items           int               `json:"items"`
	Groups          int               `json:"groups"`
	MatchedGroups   int               `json:"matched_groups"`
	Unmatchable     int               `json:"unmatchable"`
	Conflicts       int               `json:"conflicts"`
	ActionsPlanned  int               `json:"actions_planned"`
	ActionsFiltered int               `json:"actions_filtered"`
	ActionsApplied  int               `json:"actions_applied"`
	ActionsFailed   int               `json:"actions_failed"`
	FailedActions   []FailedAction    `json:"failed_actions,omitempty"`

	PlaylistActionsPlanned int `json:"playlist_actions_planned"`
	PlaylistActionsApplied int `json:"playlist_actions_applied"`
	PlaylistActionsFailed  int `json:"playlist_actions_failed"`

	Error           string            `json:"error,omitempty"`
}

// Duration returns the wall-clock duration of the pass.
func (r *PassReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ListingSucceeded reports whether at least one server listed successfully.
func (r *PassReport) ListingSucceeded() bool {
	return r.Servers > len(r.DegradedServers)
}
