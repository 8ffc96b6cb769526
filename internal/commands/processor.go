// Package commands runs one fetched fleet command through its lifecycle:
// expiry check, acknowledgement, execution and a single result report.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/pulse-fleet-agent/internal/apiclient"
	"github.com/rcourtman/pulse-fleet-agent/internal/ledger"
	"github.com/rcourtman/pulse-fleet-agent/internal/metrics"
	"github.com/rcourtman/pulse-fleet-agent/pkg/agents/fleet"
	"github.com/rs/zerolog"
)

// Outcome is the terminal state of Process.
type Outcome string

const (
	OutcomeSkipped     Outcome = "skipped"
	OutcomeDone        Outcome = "done"
	OutcomeRateLimited Outcome = "rate_limited"
)

const (
	defaultAckTimeout    = 10 * time.Second
	defaultReportTimeout = 15 * time.Second

	expiredMessage = "Command expired before execution"
)

// Executor runs a command and returns its JSON-serialisable result.
type Executor interface {
	Execute(ctx context.Context, cmd *fleet.QueuedCommand) (any, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd *fleet.QueuedCommand) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd *fleet.QueuedCommand) (any, error) {
	return f(ctx, cmd)
}

// EventReporter sends lifecycle events over the WebSocket and reports
// whether the control plane acknowledged them.
type EventReporter interface {
	ReportEvent(ctx context.Context, event fleet.Event, expectedType string, timeout time.Duration) bool
}

// StatusUpdater is the HTTP fallback for lifecycle events.
type StatusUpdater interface {
	UpdateCommandStatus(ctx context.Context, commandID string, update fleet.StatusUpdate) error
}

// Route binds a command type prefix to an executor.
type Route struct {
	Prefix   string
	Executor Executor
}

// Config wires a Processor.
type Config struct {
	AgentID       string
	Events        EventReporter // optional
	Status        StatusUpdater
	Routes        []Route
	Ledger        ledger.Ledger // optional
	AckTimeout    time.Duration
	ReportTimeout time.Duration
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Processor executes fetched commands.
type Processor struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New returns a Processor.
func New(cfg Config) *Processor {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = defaultReportTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "commands").Logger(),
		now:    now,
	}
}

// Process drives cmd to a terminal outcome. Reporting failures are logged
// and never returned.
func (p *Processor) Process(ctx context.Context, cmd *fleet.QueuedCommand) Outcome {
	if cmd == nil {
		return OutcomeSkipped
	}
	correlation := ulid.Make().String()
	ctx = apiclient.WithCorrelationID(ctx, correlation)
	log := p.logger.With().
		Str("command_id", cmd.ID).
		Str("command_type", cmd.CommandType).
		Str("correlation_id", correlation).
		Logger()
	started := p.now()

	if prior := p.lookup(ctx, cmd, log); prior != nil {
		return p.redeliver(ctx, cmd, prior, started, log)
	}

	if cmd.Expired(p.now()) {
		log.Warn().Time("expires_at", *cmd.ExpiresAt).Msg("Command expired before execution")
		p.complete(ctx, cmd, OutcomeSkipped, fleet.StatusFailed, nil, expiredMessage, log)
		p.finish(cmd, "expired", started)
		return OutcomeSkipped
	}

	if outcome, ok := p.acknowledge(ctx, cmd, log); !ok {
		p.finish(cmd, "ack_"+string(outcome), started)
		return outcome
	}

	result, execErr := p.execute(ctx, cmd)
	if execErr == nil {
		log.Info().Dur("duration", p.now().Sub(started)).Msg("Command succeeded")
		p.complete(ctx, cmd, OutcomeDone, fleet.StatusSucceeded, result, "", log)
		p.finish(cmd, "succeeded", started)
		return OutcomeDone
	}

	log.Warn().Err(execErr).Dur("duration", p.now().Sub(started)).Msg("Command failed")
	message := strings.TrimSpace(execErr.Error())
	if message == "" {
		message = "command failed"
	}
	outcome := OutcomeDone
	if IsRateLimited(execErr) {
		outcome = OutcomeRateLimited
	}
	p.complete(ctx, cmd, outcome, fleet.StatusFailed, nil, message, log)
	if outcome == OutcomeRateLimited {
		p.finish(cmd, "rate_limited", started)
	} else {
		p.finish(cmd, "failed", started)
	}
	return outcome
}

func (p *Processor) lookup(ctx context.Context, cmd *fleet.QueuedCommand, log zerolog.Logger) *ledger.Entry {
	if p.cfg.Ledger == nil {
		return nil
	}
	entry, err := p.cfg.Ledger.Lookup(ctx, cmd.ID)
	if err != nil {
		log.Warn().Err(err).Msg("Command ledger lookup failed")
		return nil
	}
	return entry
}

// redeliver handles a command this agent already executed. Nothing is run
// again; a result that never reached the control plane is sent once more.
func (p *Processor) redeliver(ctx context.Context, cmd *fleet.QueuedCommand, prior *ledger.Entry, started time.Time, log zerolog.Logger) Outcome {
	if prior.Reported || prior.Status == "" {
		log.Info().Msg("Skipping command that was already reported")
		p.finish(cmd, "duplicate", started)
		return OutcomeSkipped
	}

	log.Info().Str("status", prior.Status).Msg("Resending result of an already executed command")
	var result any
	if len(prior.Result) > 0 {
		result = prior.Result
	}
	if !p.reportResult(ctx, cmd, fleet.CommandStatus(prior.Status), result, prior.ErrorMessage, log) {
		p.finish(cmd, "resend_failed", started)
		return OutcomeSkipped
	}

	prior.Reported = true
	prior.RecordedAt = p.now()
	p.record(ctx, *prior, log)
	p.finish(cmd, "resent", started)
	return OutcomeDone
}

// acknowledge marks the command running. WS first; an unacknowledged WS
// event falls back to HTTP PATCH running.
func (p *Processor) acknowledge(ctx context.Context, cmd *fleet.QueuedCommand, log zerolog.Logger) (Outcome, bool) {
	if p.cfg.Events != nil {
		ack := fleet.Event{
			Type:      fleet.MsgTypeCommandAck,
			AgentID:   p.cfg.AgentID,
			CommandID: cmd.ID,
			Status:    fleet.StatusRunning,
		}
		if p.cfg.Events.ReportEvent(ctx, ack, fleet.MsgTypeCommandAck, p.cfg.AckTimeout) {
			return "", true
		}
		log.Debug().Msg("WebSocket ack not acknowledged, falling back to HTTP")
	}

	err := p.cfg.Status.UpdateCommandStatus(ctx, cmd.ID, fleet.StatusUpdate{Status: fleet.StatusRunning})
	if err == nil {
		return "", true
	}
	if IsRateLimited(err) {
		log.Warn().Err(err).Msg("Rate limited while acknowledging command")
		return OutcomeRateLimited, false
	}
	log.Warn().Err(err).Msg("Failed to acknowledge command")
	return OutcomeSkipped, false
}

func (p *Processor) executorFor(commandType string) Executor {
	for _, r := range p.cfg.Routes {
		if strings.HasPrefix(commandType, r.Prefix) {
			return r.Executor
		}
	}
	return nil
}

func (p *Processor) execute(ctx context.Context, cmd *fleet.QueuedCommand) (result any, err error) {
	exec := p.executorFor(cmd.CommandType)
	if exec == nil {
		return nil, fmt.Errorf("unsupported command type %q", cmd.CommandType)
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("command executor panicked: %v", r)
		}
	}()
	return exec.Execute(ctx, cmd)
}

// reportResult sends exactly one result, over WS if acknowledged there and
// otherwise over HTTP. It reports whether either transport delivered it.
func (p *Processor) reportResult(ctx context.Context, cmd *fleet.QueuedCommand, status fleet.CommandStatus, result any, errorMessage string, log zerolog.Logger) bool {
	if p.cfg.Events != nil {
		event := fleet.Event{
			Type:         fleet.MsgTypeCommandResult,
			AgentID:      p.cfg.AgentID,
			CommandID:    cmd.ID,
			Status:       status,
			Result:       result,
			ErrorMessage: errorMessage,
		}
		if p.cfg.Events.ReportEvent(ctx, event, fleet.MsgTypeCommandResult, p.cfg.ReportTimeout) {
			return true
		}
		log.Debug().Msg("WebSocket result not acknowledged, falling back to HTTP")
	}

	err := p.cfg.Status.UpdateCommandStatus(ctx, cmd.ID, fleet.StatusUpdate{
		Status:       status,
		Result:       result,
		ErrorMessage: errorMessage,
	})
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Failed to report command result")
		return false
	}
	return true
}

// complete records the result before sending it and marks the ledger entry
// reported once it was delivered. An undelivered result stays in the ledger
// for the next redelivery.
func (p *Processor) complete(ctx context.Context, cmd *fleet.QueuedCommand, outcome Outcome, status fleet.CommandStatus, result any, errorMessage string, log zerolog.Logger) {
	entry := ledger.Entry{
		CommandID:    cmd.ID,
		CommandType:  cmd.CommandType,
		Outcome:      string(outcome),
		Status:       string(status),
		ErrorMessage: errorMessage,
		RecordedAt:   p.now(),
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			log.Warn().Err(err).Msg("Command result is not JSON serialisable")
		} else {
			entry.Result = raw
		}
	}

	p.record(ctx, entry, log)
	if p.reportResult(ctx, cmd, status, result, errorMessage, log) {
		entry.Reported = true
		p.record(ctx, entry, log)
	}
}

func (p *Processor) record(ctx context.Context, entry ledger.Entry, log zerolog.Logger) {
	if p.cfg.Ledger == nil {
		return
	}
	if err := p.cfg.Ledger.Record(ctx, entry); err != nil {
		log.Warn().Err(err).Msg("Failed to record command in ledger")
	}
}

func (p *Processor) finish(cmd *fleet.QueuedCommand, result string, started time.Time) {
	metrics.RecordCommand(cmd.CommandType, result, p.now().Sub(started).Seconds())
}

// IsRateLimited reports whether any error in err's chain signals throttling.
func IsRateLimited(err error) bool {
	var rl interface{ RateLimited() bool }
	return errors.As(err, &rl) && rl.RateLimited()
}
