// Watchsync - Cross-Server Watch State Reconciliation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchsync

// Package api serves the optional admin HTTP surface: health, Prometheus
// metrics, pass status and history, and a manual sync trigger.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/watchsync/internal/models"
	"github.com/tomtom215/watchsync/internal/reconcile"
	"github.com/tomtom215/watchsync/internal/scheduler"
)

// Scheduler is the part of the scheduler the API drives.
type Scheduler interface {
	Trigger(source string) scheduler.TriggerOutcome
	Busy() bool
	NextRun() time.Time
}

// Runner exposes the runner's live state.
type Runner interface {
	State() reconcile.State
	LastReport() *models.PassReport
}

// ReportStore reads persisted pass history.
type ReportStore interface {
	LoadMark(ctx context.Context) (models.RunMark, error)
	ListReports(ctx context.Context, limit int) ([]*models.PassReport, error)
	GetReport(ctx context.Context, id string) (*models.PassReport, error)
	ListFailedActions(ctx context.Context, passID string) ([]models.FailedAction, error)
}

// Config configures the router.
type Config struct {
	// Token, when set, is required as a bearer token on /api/v1.
	Token string
	// RequestsPerMinute limits /api/v1 per client IP; zero disables it.
	RequestsPerMinute int
}

// Router wires handlers to their dependencies.
type Router struct {
	cfg     Config
	handler *Handler
}

// NewRouter builds a Router.
func NewRouter(cfg Config, sched Scheduler, runner Runner, store ReportStore) *Router {
	return &Router{
		cfg: cfg,
		handler: &Handler{
			scheduler: sched,
			runner:    runner,
			store:     store,
			started:   time.Now(),
		},
	}
}

// SetupChi builds the HTTP handler.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", router.handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimitByIP(router.cfg.RequestsPerMinute))
		r.Use(APISecurityHeaders())
		r.Use(PrometheusMetrics())
		r.Use(BearerToken(router.cfg.Token))

		r.Get("/status", router.handler.Status)
		r.Get("/reports", router.handler.Reports)
		r.Get("/reports/{id}", router.handler.Report)
		r.Get("/reports/{id}/failed", router.handler.FailedActions)
		r.Post("/sync", router.handler.Sync)
	})

	return r
}
