package main

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rcourtman/pulse-fleet-agent/internal/config"
	"github.com/rcourtman/pulse-fleet-agent/internal/fleetagent"
	"github.com/rcourtman/pulse-fleet-agent/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func defaultConfigPath() string {
	return config.DefaultPath
}

func newRunCmd(getenv func(string) string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the control plane and execute assigned commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, cfg, logger, err := loadConfig(cmd, getenv)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("health-addr"); addr != "" {
				cfg.Agent.HealthAddr = addr
			}
			return runAgent(cmd.Context(), path, cfg, getenv, logger)
		},
	}
	cmd.Flags().String("health-addr", "", "listen address for /healthz, /readyz and /metrics (\"off\" disables)")
	return cmd
}

// loadConfig reads the config named by the persistent flags and initialises
// logging from it.
func loadConfig(cmd *cobra.Command, getenv func(string) string) (string, *config.AgentConfig, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = defaultConfigPath()
	}

	cfg, err := config.Load(path, getenv)
	if err != nil {
		return "", nil, zerolog.Nop(), err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Agent.LogLevel = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Agent.LogFormat = format
	}
	logger := logging.Init(logging.Config{
		Format:    cfg.Agent.LogFormat,
		Level:     cfg.Agent.LogLevel,
		Component: "pulse-fleet-agent",
		Output:    cmd.ErrOrStderr(),
	})
	return path, cfg, logger, nil
}

func runAgent(ctx context.Context, path string, cfg *config.AgentConfig, getenv func(string) string, logger zerolog.Logger) error {
	logger.Info().
		Str("version", Version).
		Str("config", path).
		Bool("paired", cfg.Identity.Complete()).
		Bool("proxmox_configured", cfg.ProxmoxConfigured()).
		Msg("Starting Pulse fleet agent")

	var ready atomic.Bool
	changes := make(chan *config.AgentConfig, 1)
	watcher := config.NewWatcher(path, cfg, getenv, func(next *config.AgentConfig) {
		// Only the newest config matters.
		select {
		case <-changes:
		default:
		}
		changes <- next
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(ctx) })
	g.Go(func() error { return serveHealth(ctx, cfg.Agent.HealthAddr, &ready, logger) })
	g.Go(func() error { return supervise(ctx, cfg, changes, &ready, logger) })

	err := g.Wait()
	logger.Info().Msg("Pulse fleet agent stopped")
	return err
}

// supervise runs one agent per config and rebuilds it whenever the config
// changes. Unpaired, invalid and revoked states wait for the next change.
func supervise(ctx context.Context, cfg *config.AgentConfig, changes <-chan *config.AgentConfig, ready *atomic.Bool, logger zerolog.Logger) error {
	for {
		ready.Store(false)

		if !cfg.Identity.Complete() {
			logger.Warn().Msg("Agent is not paired, waiting for configuration")
			next, ok := waitForChange(ctx, changes)
			if !ok {
				return nil
			}
			cfg = next
			continue
		}

		rt, err := newRuntime(cfg, ready, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to build agent from configuration, waiting for a change")
			next, ok := waitForChange(ctx, changes)
			if !ok {
				return nil
			}
			cfg = next
			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- rt.agent.Run(runCtx) }()

		select {
		case <-ctx.Done():
			cancel()
			<-done
			rt.Close()
			return nil

		case next := <-changes:
			logger.Info().Msg("Configuration changed, rebuilding agent")
			cancel()
			rt.agent.Stop()
			<-done
			rt.Close()
			cfg = next

		case err := <-done:
			cancel()
			rt.Close()
			if errors.Is(err, fleetagent.ErrRevoked) {
				logger.Error().Msg("Agent was revoked, pair the agent again to resume")
			} else if err != nil {
				logger.Error().Err(err).Msg("Agent stopped unexpectedly, waiting for a configuration change")
			} else {
				return nil
			}
			next, ok := waitForChange(ctx, changes)
			if !ok {
				return nil
			}
			cfg = next
		}
	}
}

func waitForChange(ctx context.Context, changes <-chan *config.AgentConfig) (*config.AgentConfig, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case next := <-changes:
		return next, true
	}
}
