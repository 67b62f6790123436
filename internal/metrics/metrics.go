// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package metrics holds the Prometheus collectors for Watchsync.
// Collectors are registered on the default registry and exposed by the
// admin API at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pass Metrics
	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "watchsync_pass_duration_seconds",
			Help:    "Duration of reconciliation passes in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	PassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_passes_total",
			Help: "Total number of reconciliation passes by final status",
		},
		[]string{"status"}, // completed, degraded, aborted, failed, cancelled
	)

	PassLastSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchsync_pass_last_success_timestamp",
			Help: "Unix timestamp of the last pass that updated the run mark",
		},
	)

	DegradedServers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchsync_degraded_servers",
			Help: "Number of servers excluded from the last pass",
		},
	)

	MatchedGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchsync_matched_groups",
			Help: "Number of cross-server item groups in the last pass",
		},
	)

	MatchConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watchsync_match_conflicts_total",
			Help: "Total number of ambiguous same-server matches excluded",
		},
	)

	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_actions_total",
			Help: "Total number of sync actions by target server and result",
		},
		[]string{"server", "result"}, // applied, failed, dry_run
	)

	PlaylistActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_playlist_actions_total",
			Help: "Total number of playlist writes by target server, kind and result",
		},
		[]string{"server", "kind", "result"},
	)

	DegradedAccounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchsync_degraded_accounts",
			Help: "Number of accounts skipped in the last pass",
		},
	)

	// Media Server Metrics
	ServerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchsync_server_request_duration_seconds",
			Help:    "Duration of media server calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"server", "op"},
	)

	ServerRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_server_request_errors_total",
			Help: "Total number of failed media server calls by error kind",
		},
		[]string{"server", "op", "kind"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchsync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "watchsync_circuit_breaker_consecutive_failures",
			Help: "Current number of consecutive failures",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Scheduler Metrics
	SchedulerTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_scheduler_triggers_total",
			Help: "Total number of pass triggers by source and outcome",
		},
		[]string{"source", "outcome"}, // source: schedule, manual, startup
	)

	SchedulerBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "watchsync_scheduler_busy",
			Help: "1 while a pass is executing",
		},
	)

	// Event Metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_events_published_total",
			Help: "Total number of events published by event type and result",
		},
		[]string{"event_type", "result"},
	)

	// Admin API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "watchsync_api_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "watchsync_api_request_duration_seconds",
			Help:    "Admin API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// RecordPass records the outcome of a reconciliation pass. markUpdated is
// true when the pass advanced the run mark.
func RecordPass(status string, duration time.Duration, degraded, groups, conflicts int, markUpdated bool) {
	PassesTotal.WithLabelValues(status).Inc()
	PassDuration.Observe(duration.Seconds())
	DegradedServers.Set(float64(degraded))
	MatchedGroups.Set(float64(groups))
	MatchConflicts.Add(float64(conflicts))
	if markUpdated {
		PassLastSuccess.Set(float64(time.Now().Unix()))
	}
}

// RecordServerCall records one media server call. kind is empty on success.
func RecordServerCall(server, op string, duration time.Duration, kind string) {
	ServerRequestDuration.WithLabelValues(server, op).Observe(duration.Seconds())
	if kind != "" {
		ServerRequestErrors.WithLabelValues(server, op, kind).Inc()
	}
}

// RecordAction counts one action result against its target server.
func RecordAction(server, result string) {
	ActionsTotal.WithLabelValues(server, result).Inc()
}

// RecordPlaylistAction counts one playlist write result.
func RecordPlaylistAction(server, kind, result string) {
	PlaylistActionsTotal.WithLabelValues(server, kind, result).Inc()
}

// SetDegradedAccounts records how many accounts sat out the last pass.
func SetDegradedAccounts(n int) {
	DegradedAccounts.Set(float64(n))
}

// RecordTrigger counts a scheduler trigger.
func RecordTrigger(source, outcome string) {
	SchedulerTriggers.WithLabelValues(source, outcome).Inc()
}

// SetSchedulerBusy flips the busy gauge.
func SetSchedulerBusy(busy bool) {
	if busy {
		SchedulerBusy.Set(1)
		return
	}
	SchedulerBusy.Set(0)
}

// RecordAPIRequest records an admin API request.
func RecordAPIRequest(method, route, status string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, status).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
