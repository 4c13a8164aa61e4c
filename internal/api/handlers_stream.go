// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package api

import (
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/publish"
)

// Stream handles GET /api/v1/stream, pushing finalized aggregates and
// alert transitions as server-sent events.
//
// Parameters: rule_id and alert_rule_id (comma-separated, optional
// filters), kind ("aggregate", "transition", or both when absent).
//
// The subscription queue is bounded; a client that cannot keep up loses
// the oldest pending messages (or the connection, under the disconnect
// overflow policy) rather than slowing other subscribers down.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := publish.Filter{}
	q := r.URL.Query()
	if v := q.Get("rule_id"); v != "" {
		filter.RuleIDs = strings.Split(v, ",")
	}
	if v := q.Get("alert_rule_id"); v != "" {
		filter.AlertRuleIDs = strings.Split(v, ",")
	}
	for _, kind := range strings.Split(q.Get("kind"), ",") {
		switch kind {
		case string(publish.KindAggregate):
			filter.Kinds = append(filter.Kinds, publish.KindAggregate)
		case string(publish.KindTransition):
			filter.Kinds = append(filter.Kinds, publish.KindTransition)
		case "":
		default:
			writeError(w, http.StatusBadRequest, "unknown kind "+kind)
			return
		}
	}

	sub := h.hub.Subscribe(filter)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logging.Debug().Str("subscription", sub.ID()).Msg("Stream subscriber connected")

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				// Disconnected by the hub's overflow policy.
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				logging.Error().Err(err).Msg("Failed to encode stream message")
				continue
			}
			if _, err := w.Write([]byte("event: " + string(msg.Kind) + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
