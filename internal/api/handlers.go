// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/models"
	"github.com/tidewatch/tidewatch/internal/publish"
	"github.com/tidewatch/tidewatch/internal/query"
	"github.com/tidewatch/tidewatch/internal/rules"
)

// maxIngestBody bounds a single ingest request body.
const maxIngestBody = 8 << 20 // 8MB

// Gateway admits event batches into the pipeline.
type Gateway interface {
	Ingest(ctx context.Context, batch []*event.Event) []models.Outcome
}

// Querier serves merged range reads.
type Querier interface {
	Query(ctx context.Context, req query.Request) (query.Response, error)
}

// Subscriber attaches live-result subscriptions.
type Subscriber interface {
	Subscribe(filter publish.Filter) *publish.Subscription
}

// Handlers holds the HTTP handler set and its collaborators.
type Handlers struct {
	gateway   Gateway
	engine    Querier
	registry  *rules.Registry
	hub       Subscriber
	statsFunc func() map[string]any
}

// NewHandlers wires the handler set. statsFunc supplies the component
// snapshots served by GET /api/v1/stats and may be nil.
func NewHandlers(gateway Gateway, engine Querier, registry *rules.Registry, hub Subscriber, statsFunc func() map[string]any) *Handlers {
	return &Handlers{
		gateway:   gateway,
		engine:    engine,
		registry:  registry,
		hub:       hub,
		statsFunc: statsFunc,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ingestRequest is the POST /api/v1/events body.
type ingestRequest struct {
	Events []*event.Event `json:"events"`
}

// ingestResponse reports one outcome per submitted event, in order.
type ingestResponse struct {
	Outcomes []models.Outcome `json:"outcomes"`
	Accepted int              `json:"accepted"`
}

// IngestEvents handles POST /api/v1/events. The whole batch is answered
// with 202 even when some items were rejected or shed; callers inspect
// the per-item outcomes.
func (h *Handlers) IngestEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestBody)

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events must not be empty")
		return
	}

	outcomes := h.gateway.Ingest(r.Context(), req.Events)
	accepted := 0
	for _, o := range outcomes {
		if o.Status == models.OutcomeAccepted || o.Status == models.OutcomeDuplicate {
			accepted++
		}
	}
	writeJSON(w, http.StatusAccepted, ingestResponse{Outcomes: outcomes, Accepted: accepted})
}

// QueryRange handles GET /api/v1/query.
//
// Parameters: rule_id (required), start and end (RFC 3339, required),
// prefix (comma-separated leading group-key components), deadline_ms.
func (h *Handlers) QueryRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	ruleID := q.Get("rule_id")
	if ruleID == "" {
		writeError(w, http.StatusBadRequest, "rule_id is required")
		return
	}
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be RFC 3339: "+err.Error())
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be RFC 3339: "+err.Error())
		return
	}
	if !end.After(start) {
		writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	req := query.Request{RuleID: ruleID, Start: start, End: end}
	if prefix := q.Get("prefix"); prefix != "" {
		req.GroupPrefix = strings.Split(prefix, ",")
	}
	if ms := q.Get("deadline_ms"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "deadline_ms must be a positive integer")
			return
		}
		req.Deadline = time.Duration(n) * time.Millisecond
	}

	resp, err := h.engine.Query(r.Context(), req)
	if err != nil {
		logging.Error().Err(err).Str("rule_id", ruleID).Msg("Range query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stats handles GET /api/v1/stats.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	if h.statsFunc == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, h.statsFunc())
}
