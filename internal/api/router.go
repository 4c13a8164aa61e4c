// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package api exposes the Tidewatch HTTP surface: event ingestion, range
// queries, rule management, a server-sent event stream of live results,
// and the operational endpoints (health, metrics, stats).
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the shared middleware stack.
type RouterConfig struct {
	// CORSAllowedOrigins is empty by default, which disables cross-origin
	// access until explicitly configured.
	CORSAllowedOrigins []string

	// RateLimitRequests caps requests per client IP per RateLimitWindow.
	// Zero disables HTTP rate limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// DefaultRouterConfig returns the production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CORSAllowedOrigins: nil,
		RateLimitRequests:  600,
		RateLimitWindow:    time.Minute,
	}
}

// NewRouter assembles the chi router over the given handlers.
func NewRouter(cfg RouterConfig, h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.Health)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if cfg.RateLimitRequests > 0 {
				r.Use(httprate.LimitByIP(cfg.RateLimitRequests, cfg.RateLimitWindow))
			}

			r.Post("/events", h.IngestEvents)
			r.Get("/query", h.QueryRange)
			r.Get("/stats", h.Stats)

			r.Route("/rules", func(r chi.Router) {
				r.Get("/aggregations", h.ListAggregationRules)
				r.Put("/aggregations/{id}", h.PutAggregationRule)
				r.Delete("/aggregations/{id}", h.DeleteAggregationRule)
				r.Get("/alerts", h.ListAlertRules)
				r.Put("/alerts/{id}", h.PutAlertRule)
				r.Delete("/alerts/{id}", h.DeleteAlertRule)
			})
		})

		// The SSE stream holds its connection open past the rate-limit
		// window, so it sits outside the limiter.
		r.Get("/stream", h.Stream)
	})

	return r
}
