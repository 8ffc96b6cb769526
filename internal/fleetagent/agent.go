// Package fleetagent runs the agent's heartbeat and command loops against the
// control plane, preferring the WebSocket transport and falling back to HTTP.
package fleetagent

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/pulse-fleet-agent/internal/apiclient"
	"github.com/rcourtman/pulse-fleet-agent/internal/commands"
	"github.com/rcourtman/pulse-fleet-agent/internal/metrics"
	"github.com/rcourtman/pulse-fleet-agent/pkg/agents/fleet"
	"github.com/rs/zerolog"
	gohost "github.com/shirou/gopsutil/v4/host"
	"golang.org/x/sync/errgroup"
)

// Status is the agent's connection state as surfaced to the user.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusOnline     Status = "online"
	StatusError      Status = "error"
	StatusRevoked    Status = "revoked"
)

var (
	// ErrRevoked is returned by Run once the control plane revoked the agent.
	ErrRevoked = errors.New("agent credentials were revoked")
	// ErrAlreadyRunning is returned when Run is called twice concurrently.
	ErrAlreadyRunning = errors.New("agent is already running")
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 15 * time.Second
	defaultCommandWait       = 25 * time.Second
	defaultIdleDelay         = time.Second
	defaultErrorDelay        = 5 * time.Second
	defaultRateLimitCooldown = 60 * time.Second
	hostInfoTimeout          = 5 * time.Second
)

// Transport is the WebSocket side of the agent.
type Transport interface {
	FetchNextCommand(ctx context.Context, wait time.Duration) (*fleet.QueuedCommand, error)
	SendHeartbeat(ctx context.Context, metadata fleet.HeartbeatMetadata) error
	RecordHTTPFallback(operation string)
	Stats() fleet.TransportStats
	Close()
}

// API is the HTTP side of the agent.
type API interface {
	Heartbeat(ctx context.Context, metadata fleet.HeartbeatMetadata, timeout time.Duration) error
	NextCommand(ctx context.Context, wait time.Duration) (*fleet.QueuedCommand, error)
}

// Processor executes one fetched command.
type Processor interface {
	Process(ctx context.Context, cmd *fleet.QueuedCommand) commands.Outcome
}

// Config wires an Agent.
type Config struct {
	AgentID   string
	Version   string
	Transport Transport // optional; HTTP only when nil
	API       API
	Processor Processor

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	CommandWait       time.Duration
	IdleDelay         time.Duration
	ErrorDelay        time.Duration
	RateLimitCooldown time.Duration

	// OnStatus is invoked on every status transition.
	OnStatus func(status Status, message string)
	// HostInfo overrides gopsutil host discovery.
	HostInfo func(ctx context.Context) (*gohost.InfoStat, error)
	Logger   zerolog.Logger
}

// Agent owns the lifecycle of one paired identity. A revoked Agent cannot be
// restarted; re-pairing builds a new one.
type Agent struct {
	cfg    Config
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	status   Status
	running  bool
	cancel   context.CancelFunc
	hostInfo *gohost.InfoStat

	// healthMu serialises loop health updates so their status transitions
	// are applied in order.
	healthMu sync.Mutex
	faults   [loopCount]string
}

type loop int

const (
	heartbeatLoop loop = iota
	commandLoop
	loopCount
)

// New validates cfg and returns an idle Agent.
func New(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if cfg.API == nil {
		return nil, fmt.Errorf("api client is required")
	}
	if cfg.Processor == nil {
		return nil, fmt.Errorf("command processor is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.CommandWait <= 0 {
		cfg.CommandWait = defaultCommandWait
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = defaultIdleDelay
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = defaultErrorDelay
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = defaultRateLimitCooldown
	}
	if cfg.HostInfo == nil {
		cfg.HostInfo = gohost.InfoWithContext
	}

	return &Agent{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "fleet-agent").Str("agent_id", cfg.AgentID).Logger(),
		sleep:  sleepContext,
		status: StatusIdle,
	}, nil
}

// Status returns the current status.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Run drives both loops until ctx is cancelled, Stop is called or the agent
// is revoked. It returns nil on a requested stop and ErrRevoked on
// revocation.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.status == StatusRevoked {
		a.mu.Unlock()
		return ErrRevoked
	}
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.running = false
		a.cancel = nil
		a.mu.Unlock()
	}()

	a.healthMu.Lock()
	a.faults = [loopCount]string{}
	a.healthMu.Unlock()
	a.setStatus(StatusConnecting, "Connecting to control plane")
	a.logger.Info().Msg("Fleet agent starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.runHeartbeats(gctx) })
	g.Go(func() error { return a.runCommands(gctx) })
	err := g.Wait()

	if a.cfg.Transport != nil {
		a.cfg.Transport.Close()
	}

	if errors.Is(err, ErrRevoked) {
		a.logger.Warn().Msg("Agent credentials revoked, stopping")
		a.setStatus(StatusRevoked, "Agent was revoked by the control plane; pair again to reconnect")
		return ErrRevoked
	}

	a.setStatus(StatusIdle, "Stopped")
	a.logger.Info().Msg("Fleet agent stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stop cancels Run and closes the WebSocket connection.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if a.cfg.Transport != nil {
		a.cfg.Transport.Close()
	}
}

func (a *Agent) setStatus(status Status, message string) {
	a.mu.Lock()
	if a.status == status || (a.status == StatusRevoked && status != StatusRevoked) {
		a.mu.Unlock()
		return
	}
	a.status = status
	a.mu.Unlock()

	metrics.SetAgentStatus(string(status))
	a.logger.Debug().Str("status", string(status)).Msg(message)
	if a.cfg.OnStatus != nil {
		a.cfg.OnStatus(status, message)
	}
}

// reportLoop records the last result of one loop. The agent is online only
// while neither loop has an outstanding failure; otherwise it shows the
// first failure.
func (a *Agent) reportLoop(l loop, failure string) {
	a.healthMu.Lock()
	defer a.healthMu.Unlock()

	a.faults[l] = failure
	for _, f := range a.faults {
		if f != "" {
			a.setStatus(StatusError, f)
			return
		}
	}
	a.setStatus(StatusOnline, "Connected")
}

func (a *Agent) runHeartbeats(ctx context.Context) error {
	for {
		wait := a.cfg.HeartbeatInterval
		if err := a.heartbeat(ctx); err != nil {
			switch {
			case errors.Is(err, ErrRevoked):
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			case commands.IsRateLimited(err):
				a.logger.Warn().Dur("retry_in", a.cfg.RateLimitCooldown).Msg("Heartbeat rate limited, cooling down")
				wait = a.cfg.RateLimitCooldown
			default:
				a.logger.Warn().Err(err).Msg("Heartbeat failed")
				a.reportLoop(heartbeatLoop, "Heartbeat failed: "+err.Error())
			}
		}
		if !a.sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

// heartbeat sends one heartbeat, over the socket when possible and
// otherwise over HTTP.
func (a *Agent) heartbeat(ctx context.Context) error {
	metadata := a.metadata(ctx)

	if t := a.cfg.Transport; t != nil {
		err := t.SendHeartbeat(ctx, metadata)
		metrics.RecordHeartbeat("ws", err)
		if err == nil {
			a.reportLoop(heartbeatLoop, "")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Debug().Err(err).Msg("WebSocket heartbeat failed, falling back to HTTP")
		t.RecordHTTPFallback("heartbeat")
	}

	err := a.cfg.API.Heartbeat(ctx, metadata, a.cfg.HeartbeatTimeout)
	metrics.RecordHeartbeat("http", err)
	if err != nil {
		if apiclient.IsRevoked(err) {
			return ErrRevoked
		}
		return err
	}
	a.reportLoop(heartbeatLoop, "")
	return nil
}

func (a *Agent) runCommands(ctx context.Context) error {
	for ctx.Err() == nil {
		cmd, err := a.fetch(ctx)
		if err != nil {
			switch {
			case apiclient.IsRevoked(err):
				return ErrRevoked
			case ctx.Err() != nil:
				return ctx.Err()
			case commands.IsRateLimited(err):
				a.logger.Warn().Dur("retry_in", a.cfg.RateLimitCooldown).Msg("Command fetch rate limited, cooling down")
				if !a.sleep(ctx, a.cfg.RateLimitCooldown) {
					return ctx.Err()
				}
			case apiclient.IsTimeout(err):
				// Long-poll expired without a reply; ask again.
			default:
				a.logger.Warn().Err(err).Dur("retry_in", a.cfg.ErrorDelay).Msg("Failed to fetch next command")
				a.reportLoop(commandLoop, "Failed to fetch commands: "+err.Error())
				if !a.sleep(ctx, a.cfg.ErrorDelay) {
					return ctx.Err()
				}
			}
			continue
		}

		a.reportLoop(commandLoop, "")
		if cmd == nil {
			if !a.sleep(ctx, a.cfg.IdleDelay) {
				return ctx.Err()
			}
			continue
		}

		a.logger.Info().
			Str("command_id", cmd.ID).
			Str("command_type", cmd.CommandType).
			Msg("Received command")
		if a.cfg.Processor.Process(ctx, cmd) == commands.OutcomeRateLimited {
			a.logger.Warn().Dur("retry_in", a.cfg.RateLimitCooldown).Msg("Command processing rate limited, cooling down")
			if !a.sleep(ctx, a.cfg.RateLimitCooldown) {
				return ctx.Err()
			}
		}
	}
	return ctx.Err()
}

// fetch asks the socket for the next command and falls back to the HTTP
// long-poll when the socket is unavailable.
func (a *Agent) fetch(ctx context.Context) (*fleet.QueuedCommand, error) {
	if t := a.cfg.Transport; t != nil {
		cmd, err := t.FetchNextCommand(ctx, a.cfg.CommandWait)
		if err == nil {
			return cmd, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Debug().Err(err).Msg("WebSocket fetch unavailable, falling back to HTTP")
		t.RecordHTTPFallback("next_command")
	}
	return a.cfg.API.NextCommand(ctx, a.cfg.CommandWait)
}

func (a *Agent) metadata(ctx context.Context) fleet.HeartbeatMetadata {
	metadata := fleet.HeartbeatMetadata{
		Version:      a.cfg.Version,
		Architecture: runtime.GOARCH,
		Status:       string(a.Status()),
		Timestamp:    time.Now().UTC(),
	}

	if info := a.host(ctx); info != nil {
		metadata.Hostname = strings.TrimSpace(info.Hostname)
		metadata.Platform = strings.TrimSpace(info.Platform)
		metadata.KernelVersion = strings.TrimSpace(info.KernelVersion)
		if arch := strings.TrimSpace(info.KernelArch); arch != "" {
			metadata.Architecture = arch
		}
		metadata.UptimeSeconds = info.Uptime
	}

	if a.cfg.Transport != nil {
		stats := a.cfg.Transport.Stats()
		metadata.Transport = &stats
	}
	return metadata
}

// host returns the host description, refreshing uptime on every call.
func (a *Agent) host(ctx context.Context) *gohost.InfoStat {
	infoCtx, cancel := context.WithTimeout(ctx, hostInfoTimeout)
	defer cancel()

	info, err := a.cfg.HostInfo(infoCtx)
	if err != nil || info == nil {
		a.mu.Lock()
		cached := a.hostInfo
		a.mu.Unlock()
		if err != nil {
			a.logger.Debug().Err(err).Msg("Host info unavailable")
		}
		return cached
	}

	a.mu.Lock()
	a.hostInfo = info
	a.mu.Unlock()
	return info
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
