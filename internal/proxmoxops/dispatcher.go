// Package proxmoxops executes proxmox.* fleet commands against the local
// Proxmox VE host through its API and, where the API cannot help, over SSH.
package proxmoxops

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rcourtman/pulse-fleet-agent/internal/sshexec"
	"github.com/rcourtman/pulse-fleet-agent/pkg/agents/fleet"
	"github.com/rcourtman/pulse-fleet-agent/pkg/proxmox"
	"github.com/rs/zerolog"
)

// CommandPrefix marks command types handled by this package.
const CommandPrefix = "proxmox."

// SSHRunner executes commands on the host.
type SSHRunner interface {
	Run(ctx context.Context, cmd sshexec.Command) (sshexec.Result, error)
	Status(ctx context.Context) sshexec.Status
}

// UnknownActionError is returned when no handler group claims an action.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return "Unknown proxmox action: " + e.Action
}

type handlerFunc func(ctx context.Context, ac *ActionContext) (any, error)

type route struct {
	match  func(action string) bool
	handle handlerFunc
}

type handlerGroup struct {
	name   string
	routes []route
}

func exact(names ...string) func(string) bool {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return func(action string) bool {
		_, ok := set[action]
		return ok
	}
}

// Config wires a Dispatcher.
type Config struct {
	Proxmox  proxmox.Config
	Sessions *proxmox.SessionCache
	SSH      SSHRunner
	Logger   zerolog.Logger

	// Now drives the wait loops. Defaults to time.Now.
	Now func() time.Time
}

// Dispatcher routes actions through the ordered handler groups.
type Dispatcher struct {
	cfg      proxmox.Config
	sessions *proxmox.SessionCache
	ssh      SSHRunner
	logger   zerolog.Logger
	now      func() time.Time
	groups   []handlerGroup
}

// New builds a Dispatcher with the VM lifecycle, async-wait, SSH and ISO
// groups, consulted in that order.
func New(cfg Config) *Dispatcher {
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = proxmox.NewSessionCache()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	d := &Dispatcher{
		cfg:      cfg.Proxmox,
		sessions: sessions,
		ssh:      cfg.SSH,
		logger:   cfg.Logger.With().Str("component", "proxmoxops").Logger(),
		now:      now,
	}
	d.groups = []handlerGroup{
		{name: "vm", routes: d.vmRoutes()},
		{name: "wait", routes: d.waitRoutes()},
		{name: "ssh", routes: d.sshRoutes()},
		{name: "iso", routes: d.isoRoutes()},
	}
	return d
}

// NormalizeAction strips the proxmox. prefix and surrounding space.
func NormalizeAction(commandType string) string {
	return strings.TrimPrefix(strings.TrimSpace(commandType), CommandPrefix)
}

// Handles reports whether commandType belongs to this dispatcher.
func (d *Dispatcher) Handles(commandType string) bool {
	return strings.HasPrefix(strings.TrimSpace(commandType), CommandPrefix)
}

// Execute runs a queued command.
func (d *Dispatcher) Execute(ctx context.Context, cmd *fleet.QueuedCommand) (any, error) {
	return d.Dispatch(ctx, cmd.CommandType, cmd.Payload)
}

// Dispatch runs the handler registered for commandType.
func (d *Dispatcher) Dispatch(ctx context.Context, commandType string, payload map[string]any) (any, error) {
	action := NormalizeAction(commandType)
	ac := newActionContext(action, payload, d.cfg, d.sessions, d.ssh)

	for _, group := range d.groups {
		for _, r := range group.routes {
			if !r.match(action) {
				continue
			}
			started := time.Now()
			result, err := r.handle(ctx, ac)
			event := d.logger.Debug()
			if err != nil {
				event = d.logger.Warn().Err(err)
			}
			event.
				Str("action", action).
				Str("group", group.name).
				Str("node", ac.Node).
				Int("vmid", ac.VMID).
				Dur("duration", time.Since(started)).
				Msg("Proxmox action finished")
			return result, err
		}
	}
	return nil, &UnknownActionError{Action: action}
}

// Actions lists every action name with a registered handler.
func (d *Dispatcher) Actions() []string {
	var names []string
	for _, name := range knownActions {
		for _, group := range d.groups {
			if matchesAny(group.routes, name) {
				names = append(names, name)
				break
			}
		}
	}
	sort.Strings(names)
	return names
}

func matchesAny(routes []route, action string) bool {
	for _, r := range routes {
		if r.match(action) {
			return true
		}
	}
	return false
}

var knownActions = []string{
	"start", "stop", "shutdown", "reset", "suspend", "resume", "reboot",
	"status", "list", "config.get", "clone", "create", "delete",
	"resize-disk", "config.update", "sendkey",
	"wait-task", "wait-vm-status", "wait-vm-presence",
	"ssh-status", "ssh-test", "ssh-read-config", "ssh-write-config", "ssh-exec",
	"create-provision-iso", "attach-cdrom", "detach-cdrom",
}

func (d *Dispatcher) sshRunner() (SSHRunner, error) {
	if d.ssh == nil {
		return nil, sshexec.ErrNotConfigured
	}
	return d.ssh, nil
}

// runSSH runs command and turns transport failures and non-zero exits into
// "CODE: message" errors.
func (d *Dispatcher) runSSH(ctx context.Context, cmd sshexec.Command, failureCode string) (sshexec.Result, error) {
	runner, err := d.sshRunner()
	if err != nil {
		return sshexec.Result{}, err
	}
	res, err := runner.Run(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if code, rest, ok := sshexec.ParseCode(msg); ok {
			return res, &sshexec.Error{Code: code, Message: rest}
		}
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		return res, &sshexec.Error{Code: failureCode, Message: msg}
	}
	return res, nil
}
