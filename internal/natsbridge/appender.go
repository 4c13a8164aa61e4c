// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package natsbridge

import (
	"context"

	"github.com/tidewatch/tidewatch/internal/event"
	"github.com/tidewatch/tidewatch/internal/logging"
)

// RawAppender matches the gateway's raw-log contract.
type RawAppender interface {
	AppendRaw(ctx context.Context, e *event.Event) error
}

// TeeAppender appends to the primary raw log and mirrors to JetStream as
// a best effort. A broker failure never fails the append; the store
// remains the source of truth.
type TeeAppender struct {
	primary RawAppender
	mirror  *Publisher
}

// NewTeeAppender wraps a raw log with JetStream mirroring.
func NewTeeAppender(primary RawAppender, mirror *Publisher) *TeeAppender {
	return &TeeAppender{primary: primary, mirror: mirror}
}

// AppendRaw writes through to the primary log, then mirrors.
func (t *TeeAppender) AppendRaw(ctx context.Context, e *event.Event) error {
	if err := t.primary.AppendRaw(ctx, e); err != nil {
		return err
	}
	if err := t.mirror.PublishEvent(ctx, e); err != nil {
		logging.Debug().Err(err).Str("event_id", e.ID).Msg("Event mirror publish failed")
	}
	return nil
}
