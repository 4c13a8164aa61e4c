// Tidewatch - Real-Time Event Analytics Engine
// Copyright 2026 Tidewatch Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tidewatch/tidewatch

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tidewatch/tidewatch/internal/logging"
)

// HTTPService adapts an *http.Server to the suture service contract.
// Serve blocks until the listener fails or the context is canceled, then
// drains in-flight requests within the shutdown timeout.
type HTTPService struct {
	Name            string
	Server          *http.Server
	ShutdownTimeout time.Duration
}

// Serve implements suture.Service.
func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Str("service", s.Name).Msg("HTTP server shutdown incomplete")
	}
	<-errCh
	return ctx.Err()
}

func (s *HTTPService) String() string {
	if s.Name != "" {
		return s.Name
	}
	return "http-server"
}

// Func adapts a plain serve function to the suture service contract.
type Func struct {
	Name string
	Run  func(ctx context.Context) error
}

// Serve implements suture.Service.
func (f Func) Serve(ctx context.Context) error {
	return f.Run(ctx)
}

func (f Func) String() string {
	return f.Name
}
