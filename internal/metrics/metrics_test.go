// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPass(t *testing.T) {
	before := testutil.ToFloat64(PassesTotal.WithLabelValues("degraded"))
	conflictsBefore := testutil.ToFloat64(MatchConflicts)

	RecordPass("degraded", 3*time.Second, 1, 42, 2, true)

	if got := testutil.ToFloat64(PassesTotal.WithLabelValues("degraded")); got != before+1 {
		t.Errorf("passes_total{degraded} = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(DegradedServers); got != 1 {
		t.Errorf("degraded_servers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(MatchedGroups); got != 42 {
		t.Errorf("matched_groups = %v, want 42", got)
	}
	if got := testutil.ToFloat64(MatchConflicts); got != conflictsBefore+2 {
		t.Errorf("match_conflicts = %v, want %v", got, conflictsBefore+2)
	}
	if got := testutil.ToFloat64(PassLastSuccess); got == 0 {
		t.Error("last success timestamp should be set")
	}
}

func TestRecordServerCall(t *testing.T) {
	before := testutil.ToFloat64(ServerRequestErrors.WithLabelValues("srv-metrics", "list_items", "timeout"))

	RecordServerCall("srv-metrics", "list_items", 10*time.Millisecond, "")
	RecordServerCall("srv-metrics", "list_items", 10*time.Millisecond, "timeout")

	if got := testutil.ToFloat64(ServerRequestErrors.WithLabelValues("srv-metrics", "list_items", "timeout")); got != before+1 {
		t.Errorf("errors = %v, want %v", got, before+1)
	}
}

func TestRecordActionAndTrigger(t *testing.T) {
	tests := []struct {
		server, result string
	}{
		{"a", "applied"},
		{"b", "failed"},
		{"c", "dry_run"},
	}
	for _, tt := range tests {
		t.Run(tt.result, func(t *testing.T) {
			before := testutil.ToFloat64(ActionsTotal.WithLabelValues(tt.server, tt.result))
			RecordAction(tt.server, tt.result)
			if got := testutil.ToFloat64(ActionsTotal.WithLabelValues(tt.server, tt.result)); got != before+1 {
				t.Errorf("actions_total = %v, want %v", got, before+1)
			}
		})
	}

	before := testutil.ToFloat64(PlaylistActionsTotal.WithLabelValues("a", "add", "applied"))
	RecordPlaylistAction("a", "add", "applied")
	if got := testutil.ToFloat64(PlaylistActionsTotal.WithLabelValues("a", "add", "applied")); got != before+1 {
		t.Errorf("playlist_actions_total = %v, want %v", got, before+1)
	}

	SetDegradedAccounts(2)
	if got := testutil.ToFloat64(DegradedAccounts); got != 2 {
		t.Errorf("degraded_accounts = %v, want 2", got)
	}

	SetSchedulerBusy(true)
	if got := testutil.ToFloat64(SchedulerBusy); got != 1 {
		t.Errorf("busy = %v, want 1", got)
	}
	SetSchedulerBusy(false)
	if got := testutil.ToFloat64(SchedulerBusy); got != 0 {
		t.Errorf("busy = %v, want 0", got)
	}
}
