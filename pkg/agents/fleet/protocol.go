package fleet

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WebSocket message types exchanged with the control plane.
const (
	MsgTypeNextCommand     = "next_command"
	MsgTypeHeartbeat       = "heartbeat"
	MsgTypeCommandAssigned = "agent.command.assigned"
	MsgTypeCommandAck      = "agent.command.ack"
	MsgTypeCommandResult   = "agent.command.result"
)

// CommandStatus is the remote status of a queued command.
type CommandStatus string

const (
	StatusRunning   CommandStatus = "running"
	StatusSucceeded CommandStatus = "succeeded"
	StatusFailed    CommandStatus = "failed"
)

// Valid reports whether s is a status the agent may report.
func (s CommandStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// QueuedCommand is a work item assigned to this agent by the control plane.
type QueuedCommand struct {
	ID          string         `json:"id"`
	CommandType string         `json:"command_type"`
	Payload     map[string]any `json:"payload"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
}

// Validate checks the fields the agent needs to execute the command.
func (c *QueuedCommand) Validate() error {
	if c == nil {
		return fmt.Errorf("command is nil")
	}
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("command id is required")
	}
	if strings.TrimSpace(c.CommandType) == "" {
		return fmt.Errorf("command %s: command_type is required", c.ID)
	}
	return nil
}

// Expired reports whether the command expired before now.
func (c *QueuedCommand) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// StatusUpdate is the body of PATCH /api/v1/vm-ops/commands/:id.
type StatusUpdate struct {
	Status       CommandStatus `json:"status"`
	Result       any           `json:"result,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// HeartbeatRequest is the body of POST /api/v1/agents/heartbeat.
type HeartbeatRequest struct {
	AgentID  string            `json:"agent_id"`
	Metadata HeartbeatMetadata `json:"metadata"`
}

// HeartbeatMetadata describes the agent and its host.
type HeartbeatMetadata struct {
	Version       string          `json:"version,omitempty"`
	Hostname      string          `json:"hostname,omitempty"`
	Platform      string          `json:"platform,omitempty"`
	KernelVersion string          `json:"kernel_version,omitempty"`
	Architecture  string          `json:"architecture,omitempty"`
	UptimeSeconds uint64          `json:"uptime_seconds,omitempty"`
	Status        string          `json:"status,omitempty"`
	Transport     *TransportStats `json:"transport,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// TransportStats is a snapshot of WebSocket transport counters.
type TransportStats struct {
	Connected           bool       `json:"connected"`
	ReconnectAttempt    int        `json:"reconnect_attempt"`
	NextReconnectAt     *time.Time `json:"next_reconnect_at,omitempty"`
	FallbackToHTTPCount int64      `json:"fallback_to_http_count"`
	ConnectSuccessCount int64      `json:"connect_success_count"`
	ConnectFailureCount int64      `json:"connect_failure_count"`
	LastConnectedAt     *time.Time `json:"last_connected_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
}

// Message is a WebSocket frame. Fields beyond Type are message specific and
// kept raw until a consumer decodes them.
type Message struct {
	Type string
	Raw  json.RawMessage
}

// ParseMessage decodes the type tag of a frame.
func ParseMessage(data []byte) (Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if strings.TrimSpace(head.Type) == "" {
		return Message{}, fmt.Errorf("frame has no type")
	}
	return Message{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}, nil
}

// NextCommandRequest asks the control plane for the next command.
type NextCommandRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
	TimeoutMs int64  `json:"timeout_ms"`
}

// CommandAssigned is the reply to next_command.
type CommandAssigned struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Command   json.RawMessage `json:"command"`
}

// HeartbeatMessage is the WebSocket form of a heartbeat.
type HeartbeatMessage struct {
	Type     string            `json:"type"`
	AgentID  string            `json:"agent_id"`
	Metadata HeartbeatMetadata `json:"metadata"`
}

// Event is an outbound command lifecycle event (ack or result).
type Event struct {
	Type         string        `json:"type"`
	RequestID    string        `json:"request_id,omitempty"`
	AgentID      string        `json:"agent_id"`
	CommandID    string        `json:"command_id"`
	Status       CommandStatus `json:"status,omitempty"`
	Result       any           `json:"result,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// Validate checks an outbound event before it is sent.
func (e Event) Validate() error {
	if strings.TrimSpace(e.AgentID) == "" {
		return fmt.Errorf("agent_id is required")
	}
	if strings.TrimSpace(e.CommandID) == "" {
		return fmt.Errorf("command_id is required")
	}
	switch e.Type {
	case MsgTypeCommandAck:
		return nil
	case MsgTypeCommandResult:
		if e.Status != StatusSucceeded && e.Status != StatusFailed {
			return fmt.Errorf("result status %q is invalid", e.Status)
		}
		if e.Status == StatusFailed && strings.TrimSpace(e.ErrorMessage) == "" {
			return fmt.Errorf("error_message is required for failed results")
		}
		return nil
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
}
