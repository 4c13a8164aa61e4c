// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

// Package alerting evaluates finalized aggregates against alert rules,
// driving one hysteresis state machine per (alert rule, group key) and
// emitting edge-triggered fired and resolved notifications.
package alerting

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/tidewatch/tidewatch/internal/logging"
	"github.com/tidewatch/tidewatch/internal/metrics"
	"github.com/tidewatch/tidewatch/internal/models"
	"github.com/tidewatch/tidewatch/internal/rules"
)

// TransitionEmitter receives every state-machine transition.
type TransitionEmitter interface {
	EmitTransition(tr models.AlertTransition)
}

// Config tunes notification delivery retries.
type Config struct {
	// NotifyRetries is how many delivery attempts each notifier gets.
	NotifyRetries int

	// NotifyBackoff is the base delay between attempts, doubled each
	// retry and capped at NotifyBackoffMax.
	NotifyBackoff    time.Duration
	NotifyBackoffMax time.Duration
}

// DefaultConfig returns alerting defaults.
func DefaultConfig() Config {
	return Config{
		NotifyRetries:    3,
		NotifyBackoff:    200 * time.Millisecond,
		NotifyBackoffMax: 5 * time.Second,
	}
}

type stateKey struct {
	alertRuleID string
	groupKey    models.GroupKey
}

// alertState is one state machine instance, created lazily on the first
// finalized window for its group key.
type alertState struct {
	status       models.AlertStatus
	breaches     int
	lastWindow   time.Time
	lastChangeAt time.Time
}

// Engine owns every alert state machine. All evaluation goes through a
// single lock, matching the single-loop ownership the state machines
// assume; callers may still invoke Evaluate from bus handler goroutines.
type Engine struct {
	cfg       Config
	registry  *rules.Registry
	emitter   TransitionEmitter
	notifiers []Notifier

	mu     sync.Mutex
	states map[stateKey]*alertState
}

// NewEngine builds an alert engine over the rule registry.
func NewEngine(cfg Config, registry *rules.Registry, emitter TransitionEmitter, notifiers ...Notifier) *Engine {
	d := DefaultConfig()
	if cfg.NotifyRetries <= 0 {
		cfg.NotifyRetries = d.NotifyRetries
	}
	if cfg.NotifyBackoff <= 0 {
		cfg.NotifyBackoff = d.NotifyBackoff
	}
	if cfg.NotifyBackoffMax <= 0 {
		cfg.NotifyBackoffMax = d.NotifyBackoffMax
	}
	return &Engine{
		cfg:       cfg,
		registry:  registry,
		emitter:   emitter,
		notifiers: notifiers,
		states:    make(map[stateKey]*alertState),
	}
}

// HandleAggregate is the bus consumer entry point. Notification delivery
// failures are retried and logged but never propagated, so a dead webhook
// cannot poison the aggregate stream.
func (e *Engine) HandleAggregate(ctx context.Context, res models.AggregateResult) error {
	for _, tr := range e.Evaluate(res) {
		e.emitter.EmitTransition(tr)
		if tr.Fired() || tr.Resolved() {
			e.notify(ctx, tr)
		}
	}
	return nil
}

// Evaluate runs one finalized aggregate through every alert rule bound to
// its aggregation rule and returns the resulting transitions in order.
func (e *Engine) Evaluate(res models.AggregateResult) []models.AlertTransition {
	alertRules := e.registry.AlertsFor(res.RuleID)
	if len(alertRules) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.AlertTransition
	for _, rule := range alertRules {
		out = append(out, e.evaluateRule(rule, res)...)
	}
	return out
}

func (e *Engine) evaluateRule(rule *rules.AlertRule, res models.AggregateResult) []models.AlertTransition {
	key := stateKey{alertRuleID: rule.ID, groupKey: res.GroupKey}
	st, ok := e.states[key]
	if !ok {
		st = &alertState{status: models.AlertOK}
		e.states[key] = st
	}

	// The same window can arrive twice when a parked aggregate is
	// replayed; evaluating it again would double-count a breach.
	if !st.lastWindow.IsZero() && !res.WindowStart.After(st.lastWindow) {
		return nil
	}
	st.lastWindow = res.WindowStart

	transition := func(to models.AlertStatus) models.AlertTransition {
		tr := models.AlertTransition{
			AlertRuleID: rule.ID,
			RuleName:    rule.Name,
			GroupKey:    res.GroupKey,
			From:        st.status,
			To:          to,
			Value:       res.Value,
			WindowStart: res.WindowStart,
			WindowEnd:   res.WindowEnd,
			OccurredAt:  time.Now().UTC(),
		}
		st.status = to
		st.lastChangeAt = tr.OccurredAt
		metrics.AlertTransitions.WithLabelValues(string(to)).Inc()
		return tr
	}

	var out []models.AlertTransition
	if rule.Breached(res.Value) {
		st.breaches++
		if st.status == models.AlertOK {
			out = append(out, transition(models.AlertPending))
		}
		if st.breaches >= rule.ConsecutiveBreaches && st.status == models.AlertPending {
			out = append(out, transition(models.AlertFiring))
			logging.Warn().
				Str("alert_rule_id", rule.ID).
				Str("group_key", string(res.GroupKey)).
				Float64("value", res.Value).
				Int("breaches", st.breaches).
				Msg("Alert firing")
		}
		return out
	}

	st.breaches = 0
	switch st.status {
	case models.AlertFiring:
		out = append(out, transition(models.AlertOK))
		logging.Info().
			Str("alert_rule_id", rule.ID).
			Str("group_key", string(res.GroupKey)).
			Float64("value", res.Value).
			Msg("Alert resolved")
	case models.AlertPending:
		out = append(out, transition(models.AlertOK))
	}
	return out
}

// notify fans a fired or resolved transition out to the notifiers bound
// to the rule's channels, retrying each with exponential backoff.
func (e *Engine) notify(ctx context.Context, tr models.AlertTransition) {
	rule, ok := e.registry.Alert(tr.AlertRuleID)
	if !ok {
		return
	}
	for _, n := range e.notifiers {
		if !n.Enabled() || !channelSelected(rule.Channels, n.Name()) {
			continue
		}
		e.deliver(ctx, n, tr)
	}
}

func (e *Engine) deliver(ctx context.Context, n Notifier, tr models.AlertTransition) {
	var err error
	for attempt := 0; attempt < e.cfg.NotifyRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.backoff(attempt - 1)):
			}
		}
		if err = n.Send(ctx, tr); err == nil {
			return
		}
	}
	metrics.NotificationFailures.WithLabelValues(n.Name()).Inc()
	logging.Error().Err(err).
		Str("notifier", n.Name()).
		Str("alert_rule_id", tr.AlertRuleID).
		Msg("Notification delivery failed after retries")
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := time.Duration(float64(e.cfg.NotifyBackoff) * math.Pow(2, float64(attempt)))
	if d < 0 || d > e.cfg.NotifyBackoffMax {
		return e.cfg.NotifyBackoffMax
	}
	return d
}

// channelSelected reports whether a notifier serves the rule. Rules with
// no channels go to the log notifier only.
func channelSelected(channels []string, name string) bool {
	if len(channels) == 0 {
		return name == "log"
	}
	for _, c := range channels {
		if c == name {
			return true
		}
	}
	return false
}

// StateCount reports live state machines, for the stats surface.
func (e *Engine) StateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}
