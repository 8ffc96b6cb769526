package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rcourtman/pulse-fleet-agent/internal/metrics"
	"github.com/rs/zerolog"
)

var healthShutdownTimeout = 5 * time.Second

// serveHealth serves the health and metrics endpoints until ctx is done.
// An empty or "off" address disables the server.
func serveHealth(ctx context.Context, addr string, ready *atomic.Bool, logger zerolog.Logger) error {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.EqualFold(addr, "off") {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Warn().Err(err).Str("addr", addr).Msg("Health server disabled")
		return nil
	}
	return serveHealthOn(ctx, ln, ready, logger)
}

func serveHealthOn(ctx context.Context, ln net.Listener, ready *atomic.Bool, logger zerolog.Logger) error {
	srv := &http.Server{
		Handler:      metrics.HealthHandler(ready),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), healthShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to shut down health server cleanly")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Msg("Health endpoint listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn().Err(err).Msg("Health server stopped unexpectedly")
	}
	return nil
}
