// Package config loads and persists the fleet agent's configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/pulse-fleet-agent/internal/sshexec"
	"github.com/rcourtman/pulse-fleet-agent/pkg/proxmox"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPath is where the agent keeps its configuration.
	DefaultPath = "/etc/pulse-fleet-agent/agent.json"

	envPrefix = "PULSE_FLEET_"

	defaultHeartbeatSeconds     = 30
	defaultCommandWaitSeconds   = 25
	defaultRateLimitCooldownSec = 60
	defaultLedgerRetentionHours = 72
	defaultHealthAddr           = "127.0.0.1:9479"
)

// ErrNotPaired means the configuration carries no usable agent identity.
var ErrNotPaired = errors.New("agent is not paired with a control plane")

// Identity is the credential set issued when the agent is paired.
type Identity struct {
	AgentID   string `json:"agent_id"`
	APIToken  string `json:"api_token"`
	ServerURL string `json:"server_url"`
}

// Complete reports whether every identity field is set.
func (i Identity) Complete() bool {
	return strings.TrimSpace(i.AgentID) != "" &&
		strings.TrimSpace(i.APIToken) != "" &&
		strings.TrimSpace(i.ServerURL) != ""
}

// AgentSettings tunes the agent loops.
type AgentSettings struct {
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds,omitempty"`
	CommandWaitSeconds       int    `json:"command_wait_seconds,omitempty"`
	RateLimitCooldownSeconds int    `json:"rate_limit_cooldown_seconds,omitempty"`
	InsecureSkipVerify       bool   `json:"insecure_skip_verify,omitempty"`
	DisableWebSocket         bool   `json:"disable_websocket,omitempty"`
	LedgerDir                string `json:"ledger_dir,omitempty"`
	LedgerRetentionHours     int    `json:"ledger_retention_hours,omitempty"`
	HealthAddr               string `json:"health_addr,omitempty"`
	LogLevel                 string `json:"log_level,omitempty"`
	LogFormat                string `json:"log_format,omitempty"`
}

// HeartbeatInterval returns the configured heartbeat period.
func (s AgentSettings) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

// CommandWait returns the long-poll wait requested from the control plane.
func (s AgentSettings) CommandWait() time.Duration {
	return time.Duration(s.CommandWaitSeconds) * time.Second
}

// RateLimitCooldown returns how long a loop pauses after a rate-limit signal.
func (s AgentSettings) RateLimitCooldown() time.Duration {
	return time.Duration(s.RateLimitCooldownSeconds) * time.Second
}

// LedgerRetention returns how long reported command ids are remembered.
func (s AgentSettings) LedgerRetention() time.Duration {
	return time.Duration(s.LedgerRetentionHours) * time.Hour
}

// AgentConfig is the persisted agent configuration.
type AgentConfig struct {
	Identity
	Proxmox *proxmox.Config `json:"proxmox,omitempty"`
	SSH     sshexec.Config  `json:"ssh"`
	Agent   AgentSettings   `json:"agent"`
}

// ProxmoxConfigured reports whether Proxmox credentials are present.
func (c *AgentConfig) ProxmoxConfigured() bool {
	return c.Proxmox != nil && strings.TrimSpace(c.Proxmox.URL) != ""
}

// Load reads path, merges a sibling .env file and PULSE_FLEET_* overrides
// from getenv, and fills defaults. A missing file is not an error.
func Load(path string, getenv func(string) string) (*AgentConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := &AgentConfig{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		log.Debug().Str("path", path).Msg("Config file not found, using environment only")
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	lookup := getenv
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if values, err := godotenv.Read(envFile); err == nil {
		log.Debug().Str("file", envFile).Msg("Loaded .env overrides")
		lookup = func(key string) string {
			if v := getenv(key); v != "" {
				return v
			}
			return values[key]
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("file", envFile).Msg("Failed to read .env file")
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil && !errors.Is(err, ErrNotPaired) {
		return nil, err
	}
	return cfg, nil
}

func (c *AgentConfig) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(envPrefix + name)); v != "" {
			*dst = strings.Trim(v, "'\"")
		}
	}
	boolean := func(name string, dst *bool) error {
		v := strings.TrimSpace(getenv(envPrefix + name))
		if v == "" {
			return nil
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = parsed
		return nil
	}
	integer := func(name string, dst *int) error {
		v := strings.TrimSpace(getenv(envPrefix + name))
		if v == "" {
			return nil
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, name, err)
		}
		*dst = parsed
		return nil
	}

	str("AGENT_ID", &c.AgentID)
	str("API_TOKEN", &c.APIToken)
	str("SERVER_URL", &c.ServerURL)

	if getenv(envPrefix+"PROXMOX_URL") != "" && c.Proxmox == nil {
		c.Proxmox = &proxmox.Config{}
	}
	if c.Proxmox != nil {
		str("PROXMOX_URL", &c.Proxmox.URL)
		str("PROXMOX_USERNAME", &c.Proxmox.Username)
		str("PROXMOX_PASSWORD", &c.Proxmox.Password)
		str("PROXMOX_NODE", &c.Proxmox.Node)
		str("PROXMOX_FINGERPRINT", &c.Proxmox.Fingerprint)
		if err := boolean("PROXMOX_VERIFY_SSL", &c.Proxmox.VerifySSL); err != nil {
			return err
		}
	}

	str("SSH_HOST", &c.SSH.Host)
	str("SSH_USER", &c.SSH.User)
	str("SSH_KEY_PATH", &c.SSH.PrivateKeyPath)
	str("SSH_KNOWN_HOSTS", &c.SSH.KnownHostsPath)
	if err := integer("SSH_PORT", &c.SSH.Port); err != nil {
		return err
	}

	str("LOG_LEVEL", &c.Agent.LogLevel)
	str("LOG_FORMAT", &c.Agent.LogFormat)
	str("HEALTH_ADDR", &c.Agent.HealthAddr)
	str("LEDGER_DIR", &c.Agent.LedgerDir)
	if err := boolean("INSECURE_SKIP_VERIFY", &c.Agent.InsecureSkipVerify); err != nil {
		return err
	}
	if err := boolean("DISABLE_WEBSOCKET", &c.Agent.DisableWebSocket); err != nil {
		return err
	}
	return integer("HEARTBEAT_INTERVAL_SECONDS", &c.Agent.HeartbeatIntervalSeconds)
}

func (c *AgentConfig) applyDefaults() {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	if c.Agent.HeartbeatIntervalSeconds <= 0 {
		c.Agent.HeartbeatIntervalSeconds = defaultHeartbeatSeconds
	}
	if c.Agent.CommandWaitSeconds <= 0 {
		c.Agent.CommandWaitSeconds = defaultCommandWaitSeconds
	}
	if c.Agent.RateLimitCooldownSeconds <= 0 {
		c.Agent.RateLimitCooldownSeconds = defaultRateLimitCooldownSec
	}
	if c.Agent.LedgerRetentionHours <= 0 {
		c.Agent.LedgerRetentionHours = defaultLedgerRetentionHours
	}
	if c.Agent.HealthAddr == "" {
		c.Agent.HealthAddr = defaultHealthAddr
	}
	if c.Proxmox != nil && c.Proxmox.Node == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.Proxmox.Node = strings.SplitN(hostname, ".", 2)[0]
		}
	}
}

// Validate checks the configuration. It returns ErrNotPaired when the
// identity is incomplete and the rest of the file is otherwise valid.
func (c *AgentConfig) Validate() error {
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("server_url %q must be an http(s) URL", c.ServerURL)
		}
	}
	if c.Proxmox != nil && strings.TrimSpace(c.Proxmox.URL) != "" && strings.TrimSpace(c.Proxmox.Username) == "" {
		return fmt.Errorf("proxmox.username is required when proxmox.url is set")
	}
	if c.SSH.Port < 0 || c.SSH.Port > 65535 {
		return fmt.Errorf("ssh.port %d is out of range", c.SSH.Port)
	}
	if !c.Identity.Complete() {
		return ErrNotPaired
	}
	return nil
}

// Save writes cfg to path atomically with owner-only permissions.
func Save(path string, cfg *AgentConfig) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if path == "" {
		path = DefaultPath
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
