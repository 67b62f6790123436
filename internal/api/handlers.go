// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/watchsync/internal/logging"
	"github.com/tomtom215/watchsync/internal/models"
	"github.com/tomtom215/watchsync/internal/scheduler"
	"github.com/tomtom215/watchsync/internal/store"
)

const (
	defaultReportLimit = 20
	maxReportLimit     = 500
)

// Handler serves the admin endpoints.
type Handler struct {
	scheduler Scheduler
	runner    Runner
	store     ReportStore
	started   time.Time
}

// StatusResponse is the /api/v1/status payload.
type StatusResponse struct {
	State      string             `json:"state"`
	Busy       bool               `json:"busy"`
	NextRun    *time.Time         `json:"next_run,omitempty"`
	LastMark   *models.RunMark    `json:"last_mark,omitempty"`
	LastReport *models.PassReport `json:"last_report,omitempty"`
	Uptime     string             `json:"uptime"`
}

// SyncResponse is the POST /api/v1/sync payload.
type SyncResponse struct {
	Outcome string `json:"outcome"`
}

// Health answers liveness checks.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Status reports the runner state, the scheduler and the last pass.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		State:      h.runner.State().String(),
		Busy:       h.scheduler.Busy(),
		LastReport: h.runner.LastReport(),
		Uptime:     time.Since(h.started).Round(time.Second).String(),
	}
	if next := h.scheduler.NextRun(); !next.IsZero() {
		resp.NextRun = &next
	}

	mark, err := h.store.LoadMark(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to load run mark", err)
		return
	}
	if !mark.IsZero() {
		resp.LastMark = &mark
	}
	respondOK(w, http.StatusOK, resp)
}

// Reports lists recent pass reports, newest first.
func (h *Handler) Reports(w http.ResponseWriter, r *http.Request) {
	limit := getIntParam(r, "limit", defaultReportLimit)
	if limit < 1 || limit > maxReportLimit {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 500", nil)
		return
	}

	reports, err := h.store.ListReports(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to list reports", err)
		return
	}
	if reports == nil {
		reports = []*models.PassReport{}
	}
	respondOK(w, http.StatusOK, reports)
}

// Report returns one pass report.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := h.store.GetReport(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no report for pass "+id, nil)
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to load report", err)
		return
	}
	respondOK(w, http.StatusOK, report)
}

// FailedActions lists the actions of one pass that exhausted their retries.
func (h *Handler) FailedActions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	failed, err := h.store.ListFailedActions(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to list failed actions", err)
		return
	}
	if failed == nil {
		failed = []models.FailedAction{}
	}
	respondOK(w, http.StatusOK, failed)
}

// Sync requests a pass. It never waits for the pass; the outcome says
// whether it started or was folded into a pending re-run.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	outcome := h.scheduler.Trigger(scheduler.SourceManual)
	logging.Ctx(r.Context()).Info().
		Str("outcome", string(outcome)).
		Str("remote_addr", sanitizeLogValue(r.RemoteAddr)).
		Msg("Manual sync requested")
	respondOK(w, http.StatusAccepted, SyncResponse{Outcome: string(outcome)})
}
