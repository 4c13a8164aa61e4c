// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package alerting

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/models"
)

// Notifier delivers fired and resolved transitions to an external
// channel.
type Notifier interface {
	// Send delivers one transition. Errors are retried by the engine.
	Send(ctx context.Context, tr models.AlertTransition) error

	// Name returns the channel name rules reference (e.g. "webhook").
	Name() string

	// Enabled reports whether the notifier is active.
	Enabled() bool
}

// LogNotifier writes transitions to the process log. It backs rules with
// no configured channels.
type LogNotifier struct{}

func (LogNotifier) Name() string  { return "log" }
func (LogNotifier) Enabled() bool { return true }

func (LogNotifier) Send(_ context.Context, tr models.AlertTransition) error {
	kind := "fired"
	if tr.Resolved() {
		kind = "resolved"
	}
	logging.Info().
		Str("alert_rule_id", tr.AlertRuleID).
		Str("rule_name", tr.RuleName).
		Str("group_key", string(tr.GroupKey)).
		Str("kind", kind).
		Float64("value", tr.Value).
		Msg("Alert notification")
	return nil
}

// WebhookConfig configures the webhook notifier.
type WebhookConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Enabled bool              `json:"enabled"`
	Timeout time.Duration     `json:"timeout"`
}

// WebhookNotifier posts transitions as JSON to an HTTP endpoint.
type WebhookNotifier struct {
	mu      sync.RWMutex
	url     string
	headers map[string]string
	enabled bool
	client  *http.Client
}

// webhookPayload is the wire form of one notification.
type webhookPayload struct {
	Kind       string                 `json:"kind"` // fired | resolved
	Transition models.AlertTransition `json:"transition"`
	Source     string                 `json:"source"`
	SentAt     time.Time              `json:"sent_at"`
}

// NewWebhookNotifier builds a webhook notifier.
func NewWebhookNotifier(cfg WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		headers: headers,
		enabled: cfg.Enabled,
		client:  &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

func (n *WebhookNotifier) Enabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled && n.url != ""
}

// SetURL updates the endpoint.
func (n *WebhookNotifier) SetURL(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.url = url
}

// Send posts the transition. Non-2xx responses are errors so the engine
// retries them.
func (n *WebhookNotifier) Send(ctx context.Context, tr models.AlertTransition) error {
	n.mu.RLock()
	url := n.url
	headers := make(map[string]string, len(n.headers))
	for k, v := range n.headers {
		headers[k] = v
	}
	n.mu.RUnlock()

	kind := "fired"
	if tr.Resolved() {
		kind = "resolved"
	}
	body, err := json.Marshal(webhookPayload{
		Kind:       kind,
		Transition: tr,
		Source:     "tidewatch",
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
