package main

import (
	"sync/atomic"

	"github.com/rcourtman/pulse-fleet-agent/internal/apiclient"
	"github.com/rcourtman/pulse-fleet-agent/internal/commands"
	"github.com/rcourtman/pulse-fleet-agent/internal/config"
	"github.com/rcourtman/pulse-fleet-agent/internal/fleetagent"
	"github.com/rcourtman/pulse-fleet-agent/internal/ledger"
	"github.com/rcourtman/pulse-fleet-agent/internal/metrics"
	"github.com/rcourtman/pulse-fleet-agent/internal/proxmoxops"
	"github.com/rcourtman/pulse-fleet-agent/internal/sshexec"
	"github.com/rcourtman/pulse-fleet-agent/internal/wstransport"
	"github.com/rcourtman/pulse-fleet-agent/pkg/proxmox"
	"github.com/rs/zerolog"
)

const memoryLedgerSize = 4096

// agentRuntime is everything built from one config.
type agentRuntime struct {
	agent    *fleetagent.Agent
	sessions *proxmox.SessionCache
	ledger   ledger.Ledger
	logger   zerolog.Logger
}

func newRuntime(cfg *config.AgentConfig, ready *atomic.Bool, logger zerolog.Logger) (*agentRuntime, error) {
	api, err := apiclient.New(apiclient.Config{
		ServerURL:          cfg.ServerURL,
		APIToken:           cfg.APIToken,
		AgentID:            cfg.AgentID,
		UserAgent:          "pulse-fleet-agent/" + Version,
		InsecureSkipVerify: cfg.Agent.InsecureSkipVerify,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	var proxmoxCfg proxmox.Config
	if cfg.Proxmox != nil {
		proxmoxCfg = *cfg.Proxmox
	}
	sessions := proxmox.NewSessionCache(proxmox.WithLoginObserver(metrics.RecordProxmoxLogin))
	dispatcher := proxmoxops.New(proxmoxops.Config{
		Proxmox:  proxmoxCfg,
		Sessions: sessions,
		SSH:      sshexec.New(cfg.SSH, nil, logger),
		Logger:   logger,
	})

	led := openLedger(cfg, logger)

	processorCfg := commands.Config{
		AgentID: cfg.AgentID,
		Status:  api,
		Routes:  []commands.Route{{Prefix: proxmoxops.CommandPrefix, Executor: dispatcher}},
		Ledger:  led,
		Logger:  logger,
	}
	agentCfg := fleetagent.Config{
		AgentID:           cfg.AgentID,
		Version:           Version,
		API:               api,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval(),
		CommandWait:       cfg.Agent.CommandWait(),
		RateLimitCooldown: cfg.Agent.RateLimitCooldown(),
		OnStatus: func(status fleetagent.Status, message string) {
			ready.Store(status == fleetagent.StatusOnline)
			logger.Info().Str("status", string(status)).Msg(message)
		},
		Logger: logger,
	}

	if !cfg.Agent.DisableWebSocket {
		transport, err := wstransport.New(wstransport.Config{
			ServerURL:          cfg.ServerURL,
			AgentID:            cfg.AgentID,
			APIToken:           cfg.APIToken,
			InsecureSkipVerify: cfg.Agent.InsecureSkipVerify,
			Logger:             logger,
		})
		if err != nil {
			led.Close()
			return nil, err
		}
		processorCfg.Events = transport
		agentCfg.Transport = transport
	}

	agentCfg.Processor = commands.New(processorCfg)
	agent, err := fleetagent.New(agentCfg)
	if err != nil {
		led.Close()
		return nil, err
	}

	return &agentRuntime{agent: agent, sessions: sessions, ledger: led, logger: logger}, nil
}

// openLedger prefers the sqlite ledger so that reported commands survive a
// restart, and falls back to memory.
func openLedger(cfg *config.AgentConfig, logger zerolog.Logger) ledger.Ledger {
	if cfg.Agent.LedgerDir == "" {
		return ledger.NewMemory(memoryLedgerSize)
	}
	led, err := ledger.OpenSQLite(cfg.Agent.LedgerDir, cfg.Agent.LedgerRetention())
	if err != nil {
		logger.Warn().Err(err).Str("dir", cfg.Agent.LedgerDir).Msg("Failed to open command ledger, using memory")
		return ledger.NewMemory(memoryLedgerSize)
	}
	return led
}

func (r *agentRuntime) Close() {
	r.sessions.Close()
	if err := r.ledger.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to close command ledger")
	}
}
