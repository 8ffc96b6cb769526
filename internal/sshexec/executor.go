// Package sshexec runs shell commands on the Proxmox host over SSH.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/pulse-fleet-agent/pkg/tlsutil"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultPort           = 22
	defaultConnectTimeout = 10 * time.Second
	defaultCommandTimeout = 60 * time.Second
	maxCommandTimeout     = 30 * time.Minute
	maxOutputBytes        = 4 << 20
)

// Config describes how to reach the host.
type Config struct {
	Host                  string        `json:"host,omitempty"`
	Port                  int           `json:"port,omitempty"`
	User                  string        `json:"user,omitempty"`
	PrivateKeyPath        string        `json:"private_key_path,omitempty"`
	PrivateKeyPassphrase  string        `json:"private_key_passphrase,omitempty"`
	Password              string        `json:"password,omitempty"`
	KnownHostsPath        string        `json:"known_hosts_path,omitempty"`
	InsecureIgnoreHostKey bool          `json:"insecure_ignore_host_key,omitempty"`
	AllowCommands         []string      `json:"allow_commands,omitempty"`
	ConnectTimeout        time.Duration `json:"-"`
}

// Configured reports whether enough is set to attempt a connection.
func (c Config) Configured() bool {
	return strings.TrimSpace(c.Host) != "" &&
		strings.TrimSpace(c.User) != "" &&
		(c.PrivateKeyPath != "" || c.Password != "")
}

func (c Config) authMethod() string {
	switch {
	case c.PrivateKeyPath != "":
		return "publickey"
	case c.Password != "":
		return "password"
	default:
		return "none"
	}
}

func (c Config) address() string {
	port := c.Port
	if port <= 0 {
		port = defaultPort
	}
	return net.JoinHostPort(strings.TrimSpace(c.Host), strconv.Itoa(port))
}

// Command is one remote invocation.
type Command struct {
	Command          string
	Timeout          time.Duration
	EnforceAllowlist bool
	AllowUnsafe      bool
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Status summarises the SSH capability without connecting.
type Status struct {
	Configured   bool   `json:"configured"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	User         string `json:"user,omitempty"`
	AuthMethod   string `json:"auth_method"`
	HostKeyCheck bool   `json:"host_key_check"`
}

// Executor runs commands against one configured host.
type Executor struct {
	cfg    Config
	policy *Policy
	logger zerolog.Logger
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New returns an Executor. A nil policy means DefaultPolicy. Globs in
// cfg.AllowCommands extend the allowlist.
func New(cfg Config, policy *Policy, logger zerolog.Logger) *Executor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if len(cfg.AllowCommands) > 0 {
		policy = policy.WithAllowedGlobs(cfg.AllowCommands...)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	return &Executor{
		cfg:    cfg,
		policy: policy,
		logger: logger.With().Str("component", "sshexec").Logger(),
		dial:   tlsutil.DialContextWithCache,
	}
}

// Status reports the configured target.
func (e *Executor) Status(context.Context) Status {
	port := e.cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	return Status{
		Configured:   e.cfg.Configured(),
		Host:         e.cfg.Host,
		Port:         port,
		User:         e.cfg.User,
		AuthMethod:   e.cfg.authMethod(),
		HostKeyCheck: !e.cfg.InsecureIgnoreHostKey,
	}
}

// Run executes cmd. A non-zero exit status is reported in the Result, not as
// an error; errors are always *Error.
func (e *Executor) Run(ctx context.Context, cmd Command) (Result, error) {
	if !e.cfg.Configured() {
		return Result{}, ErrNotConfigured
	}
	command := strings.TrimSpace(cmd.Command)
	if command == "" {
		return Result{}, newError(CodeCommandBlocked, nil, "empty command")
	}

	if cmd.EnforceAllowlist {
		switch e.policy.Evaluate(command) {
		case PolicyBlock:
			return Result{}, newError(CodeCommandBlocked, nil, "command is blocked by policy")
		case PolicyRequireApproval:
			if !cmd.AllowUnsafe {
				return Result{}, newError(CodeCommandBlocked, nil, "command is not on the allowlist")
			}
			e.logger.Warn().Msg("Running command outside the allowlist")
		}
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := e.connect(ctx)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, newError(CodeConnectFailed, err, "open session: %v", err)
	}
	defer session.Close()

	stdout := &limitedBuffer{limit: maxOutputBytes}
	stderr := &limitedBuffer{limit: maxOutputBytes}
	session.Stdout = stdout
	session.Stderr = stderr

	started := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case runErr := <-done:
		result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if runErr != nil {
			var exitErr *ssh.ExitError
			if !errors.As(runErr, &exitErr) {
				return result, newError(CodeCommandFailed, runErr, "%v", runErr)
			}
			result.ExitCode = exitErr.ExitStatus()
		}
		e.logger.Debug().
			Int("exit_code", result.ExitCode).
			Dur("duration", time.Since(started)).
			Msg("SSH command finished")
		return result, nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		client.Close()
		return Result{Stdout: stdout.String(), Stderr: stderr.String()},
			newError(CodeTimeout, ctx.Err(), "command did not finish within %s", timeout)
	}
}

func (e *Executor) connect(ctx context.Context) (*ssh.Client, error) {
	auth, err := e.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := e.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            e.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         e.cfg.ConnectTimeout,
	}

	addr := e.cfg.address()
	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	conn, err := e.dial(dialCtx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(CodeTimeout, err, "connect to %s timed out", addr)
		}
		return nil, newError(CodeConnectFailed, err, "connect to %s: %v", addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, classifyHandshake(addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyHandshake(addr string, err error) *Error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		if len(keyErr.Want) == 0 {
			return newError(CodeHostKey, err, "host key for %s is not in known_hosts", addr)
		}
		return newError(CodeHostKey, err, "host key for %s does not match known_hosts", addr)
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return newError(CodeAuthFailed, err, "authentication to %s failed", addr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(CodeTimeout, err, "handshake with %s timed out", addr)
	}
	return newError(CodeConnectFailed, err, "handshake with %s: %v", addr, err)
}

func (e *Executor) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if e.cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(expandHome(e.cfg.PrivateKeyPath))
		if err != nil {
			return nil, newError(CodeAuthFailed, err, "read private key: %v", err)
		}
		var signer ssh.Signer
		if e.cfg.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(e.cfg.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, newError(CodeAuthFailed, err, "parse private key: %v", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if e.cfg.Password != "" {
		methods = append(methods, ssh.Password(e.cfg.Password))
	}
	return methods, nil
}

func (e *Executor) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if e.cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := e.cfg.KnownHostsPath
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	callback, err := knownhosts.New(expandHome(path))
	if err != nil {
		return nil, newError(CodeHostKey, err, "load known_hosts %s: %v", path, err)
	}
	return callback, nil
}

func expandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~/")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, rest)
}

// limitedBuffer keeps the first limit bytes and discards the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated {
		return b.buf.String() + fmt.Sprintf("\n[output truncated at %d bytes]", b.limit)
	}
	return b.buf.String()
}
