// Package wstransport maintains the agent's WebSocket connection to the
// control plane and correlates requests with their replies.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rcourtman/pulse-fleet-agent/internal/backoff"
	"github.com/rcourtman/pulse-fleet-agent/internal/metrics"
	"github.com/rcourtman/pulse-fleet-agent/pkg/agents/fleet"
	"github.com/rcourtman/pulse-fleet-agent/pkg/tlsutil"
	"github.com/rs/zerolog"
)

var (
	// ErrBackingOff is returned while a reconnect is scheduled in the future.
	ErrBackingOff = errors.New("websocket reconnect backoff in progress")
	// ErrUnavailable is returned when no usable connection could be obtained.
	ErrUnavailable = errors.New("websocket transport unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("websocket transport closed")
)

const (
	defaultConnectTimeout = 10 * time.Second
	connectGrace          = 2 * time.Second
	defaultFetchGrace     = 5 * time.Second
	defaultReportTimeout  = 15 * time.Second

	defaultReconnectBase   = 2 * time.Second
	defaultReconnectMax    = 2 * time.Minute
	defaultReconnectJitter = 0.2

	wsPingInterval   = 25 * time.Second
	wsPongWait       = 70 * time.Second
	wsWriteWait      = 10 * time.Second
	wsMaxMessageSize = 4 << 20

	wsPath = "/api/v1/agents/ws"
)

// Config controls the WebSocket transport.
type Config struct {
	ServerURL          string
	AgentID            string
	APIToken           string
	ConnectTimeout     time.Duration
	FetchGrace         time.Duration // added to the server wait for the local fetch guard
	Reconnect          backoff.Policy
	InsecureSkipVerify bool
	Logger             zerolog.Logger

	// Now is used for reconnect scheduling. Defaults to time.Now.
	Now func() time.Time
	// Dialer overrides the default gorilla dialer.
	Dialer *websocket.Dialer
}

// Transport owns the connection and all reconnect bookkeeping.
type Transport struct {
	cfg      Config
	logger   zerolog.Logger
	endpoint *url.URL
	dialer   *websocket.Dialer
	now      func() time.Time

	// dialMu serialises EnsureClient so concurrent callers share one dial.
	dialMu sync.Mutex

	mu                  sync.Mutex
	conn                *Conn
	closed              bool
	reconnectAttempt    int
	nextReconnectAt     time.Time
	fallbackToHTTPCount int64
	connectSuccessCount int64
	connectFailureCount int64
	lastConnectedAt     time.Time
	lastFailureAt       time.Time
}

// New validates cfg and returns an unconnected Transport.
func New(cfg Config) (*Transport, error) {
	endpoint, err := websocketURL(cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, fmt.Errorf("api token is required")
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.FetchGrace <= 0 {
		cfg.FetchGrace = defaultFetchGrace
	}
	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect.Base = defaultReconnectBase
	}
	if cfg.Reconnect.Max <= 0 {
		cfg.Reconnect.Max = defaultReconnectMax
	}
	if cfg.Reconnect.JitterRatio == 0 {
		cfg.Reconnect.JitterRatio = defaultReconnectJitter
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:           http.ProxyFromEnvironment,
			NetDialContext:  tlsutil.DialContextWithCache,
			TLSClientConfig: tlsutil.TLSConfig(!cfg.InsecureSkipVerify, ""),
		}
	}
	dialer.HandshakeTimeout = cfg.ConnectTimeout

	return &Transport{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "ws-transport").Logger(),
		endpoint: endpoint,
		dialer:   dialer,
		now:      now,
	}, nil
}

func websocketURL(serverURL string) (*url.URL, error) {
	serverURL = strings.TrimSpace(serverURL)
	if serverURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + wsPath
	u.RawQuery = ""
	return u, nil
}

// EnsureClient returns the open connection, dialing a new one when none is
// open and no reconnect backoff is pending.
func (t *Transport) EnsureClient(ctx context.Context) (*Conn, error) {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.conn != nil && t.conn.alive() {
		conn := t.conn
		t.mu.Unlock()
		return conn, nil
	}
	if !t.nextReconnectAt.IsZero() && t.now().Before(t.nextReconnectAt) {
		t.mu.Unlock()
		return nil, ErrBackingOff
	}
	t.mu.Unlock()

	conn, err := t.dial(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		delay := t.recordFailureLocked()
		metrics.RecordWSConnect(false)
		t.logger.Warn().
			Err(err).
			Int("attempt", t.reconnectAttempt).
			Dur("retry_in", delay).
			Msg("WebSocket connect failed")
		return nil, err
	}

	if t.closed {
		conn.close(ErrClosed)
		return nil, ErrClosed
	}

	t.conn = conn
	t.reconnectAttempt = 0
	t.nextReconnectAt = time.Time{}
	t.connectSuccessCount++
	t.lastConnectedAt = t.now()
	metrics.RecordWSConnect(true)

	go t.readLoop(conn)
	go t.pingLoop(conn)

	t.logger.Info().Str("url", t.endpoint.Redacted()).Msg("WebSocket connected")
	return conn, nil
}

func (t *Transport) dial(ctx context.Context) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout+connectGrace)
	defer cancel()

	target := *t.endpoint
	query := url.Values{}
	query.Set("agent_id", t.cfg.AgentID)
	query.Set("request_id", uuid.NewString())
	query.Set("token", t.cfg.APIToken)
	target.RawQuery = query.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.cfg.APIToken)

	ws, resp, err := t.dialer.DialContext(dialCtx, target.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial control plane websocket (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial control plane websocket: %w", err)
	}

	ws.SetReadLimit(wsMaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	return newConn(ws), nil
}

// recordFailureLocked bumps the failure counters and schedules the next
// reconnect. t.mu must be held.
func (t *Transport) recordFailureLocked() time.Duration {
	now := t.now()
	t.connectFailureCount++
	t.lastFailureAt = now
	t.reconnectAttempt++
	delay := t.cfg.Reconnect.Delay(t.reconnectAttempt)
	t.nextReconnectAt = now.Add(delay)
	return delay
}

// handleDisconnect tears down conn and schedules a reconnect if conn was current.
func (t *Transport) handleDisconnect(conn *Conn, cause error) {
	conn.close(cause)

	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	if t.closed {
		t.mu.Unlock()
		return
	}
	delay := t.recordFailureLocked()
	attempt := t.reconnectAttempt
	t.mu.Unlock()

	t.logger.Warn().
		Err(cause).
		Int("attempt", attempt).
		Dur("retry_in", delay).
		Msg("WebSocket disconnected")
}

func (t *Transport) readLoop(conn *Conn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			t.handleDisconnect(conn, fmt.Errorf("read message: %w", err))
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(wsPongWait))

		msg, err := fleet.ParseMessage(data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("Dropping malformed WebSocket frame")
			continue
		}

		if !conn.dispatch(msg) {
			t.logger.Debug().Str("type", msg.Type).Msg("Ignoring unsolicited WebSocket frame")
		}
	}
}

func (t *Transport) pingLoop(conn *Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.writeControl(websocket.PingMessage); err != nil {
				t.handleDisconnect(conn, fmt.Errorf("ping: %w", err))
				return
			}
		}
	}
}

// FetchNextCommand asks the control plane for the next command over the
// socket. It returns (nil, nil) when no command is available, when the reply
// carried an invalid command, or when the local guard timer expires; the
// socket is left open in every one of those cases. An error wrapping
// ErrUnavailable means the caller should fall back to HTTP.
func (t *Transport) FetchNextCommand(ctx context.Context, wait time.Duration) (*fleet.QueuedCommand, error) {
	conn, err := t.EnsureClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	requestID := uuid.NewString()
	sub := conn.subscribe(isCommandAssigned)
	defer conn.unsubscribe(sub)

	if err := conn.writeJSON(fleet.NextCommandRequest{
		Type:      fleet.MsgTypeNextCommand,
		RequestID: requestID,
		AgentID:   t.cfg.AgentID,
		TimeoutMs: wait.Milliseconds(),
	}); err != nil {
		t.handleDisconnect(conn, fmt.Errorf("send next_command: %w", err))
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	guard := time.NewTimer(wait + t.cfg.FetchGrace)
	defer guard.Stop()

	select {
	case msg := <-sub.ch:
		return t.decodeAssigned(msg), nil
	case <-guard.C:
		t.logger.Debug().Str("request_id", requestID).Msg("No command assignment before local deadline")
		return nil, nil
	case <-conn.done:
		return nil, fmt.Errorf("%w: connection closed while waiting for command", ErrUnavailable)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func isCommandAssigned(msg fleet.Message) bool {
	if msg.Type != fleet.MsgTypeCommandAssigned {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg.Raw, &fields); err != nil {
		return false
	}
	_, ok := fields["command"]
	return ok
}

func (t *Transport) decodeAssigned(msg fleet.Message) *fleet.QueuedCommand {
	var assigned fleet.CommandAssigned
	if err := json.Unmarshal(msg.Raw, &assigned); err != nil {
		t.logger.Warn().Err(err).Msg("Invalid command assignment frame")
		return nil
	}
	raw := strings.TrimSpace(string(assigned.Command))
	if raw == "" || raw == "null" {
		return nil
	}

	var cmd fleet.QueuedCommand
	if err := json.Unmarshal(assigned.Command, &cmd); err != nil {
		t.logger.Warn().Err(err).Msg("Invalid command payload in assignment")
		return nil
	}
	if err := cmd.Validate(); err != nil {
		t.logger.Warn().Err(err).Msg("Invalid command payload in assignment")
		return nil
	}
	return &cmd
}

// ReportEvent sends event and waits for a frame of expectedType. It returns
// false without sending when the event is invalid, and false on timeout,
// disconnect or send failure.
//
// Replies are matched by type only; the request_id is sent but not checked.
func (t *Transport) ReportEvent(ctx context.Context, event fleet.Event, expectedType string, timeout time.Duration) bool {
	if err := event.Validate(); err != nil {
		t.logger.Warn().Err(err).Str("type", event.Type).Msg("Refusing to send invalid event")
		return false
	}
	if strings.TrimSpace(expectedType) == "" {
		return false
	}
	if timeout <= 0 {
		timeout = defaultReportTimeout
	}

	conn, err := t.EnsureClient(ctx)
	if err != nil {
		t.logger.Debug().Err(err).Str("type", event.Type).Msg("WebSocket unavailable for event")
		return false
	}

	if event.RequestID == "" {
		event.RequestID = uuid.NewString()
	}

	sub := conn.subscribe(func(msg fleet.Message) bool { return msg.Type == expectedType })
	defer conn.unsubscribe(sub)

	if err := conn.writeJSON(event); err != nil {
		t.handleDisconnect(conn, fmt.Errorf("send %s: %w", event.Type, err))
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sub.ch:
		return true
	case <-timer.C:
		t.logger.Debug().
			Str("type", event.Type).
			Str("command_id", event.CommandID).
			Msg("Timed out waiting for event acknowledgement")
		return false
	case <-conn.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// SendHeartbeat writes a heartbeat frame. No reply is expected.
func (t *Transport) SendHeartbeat(ctx context.Context, metadata fleet.HeartbeatMetadata) error {
	conn, err := t.EnsureClient(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if err := conn.writeJSON(fleet.HeartbeatMessage{
		Type:     fleet.MsgTypeHeartbeat,
		AgentID:  t.cfg.AgentID,
		Metadata: metadata,
	}); err != nil {
		t.handleDisconnect(conn, fmt.Errorf("send heartbeat: %w", err))
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// RecordHTTPFallback counts an operation that had to use HTTP instead.
func (t *Transport) RecordHTTPFallback(operation string) {
	t.mu.Lock()
	t.fallbackToHTTPCount++
	t.mu.Unlock()
	metrics.RecordHTTPFallback(operation)
}

// Stats returns a snapshot of the transport state.
func (t *Transport) Stats() fleet.TransportStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := fleet.TransportStats{
		Connected:           t.conn != nil && t.conn.alive(),
		ReconnectAttempt:    t.reconnectAttempt,
		FallbackToHTTPCount: t.fallbackToHTTPCount,
		ConnectSuccessCount: t.connectSuccessCount,
		ConnectFailureCount: t.connectFailureCount,
	}
	if !t.nextReconnectAt.IsZero() {
		ts := t.nextReconnectAt
		stats.NextReconnectAt = &ts
	}
	if !t.lastConnectedAt.IsZero() {
		ts := t.lastConnectedAt
		stats.LastConnectedAt = &ts
	}
	if !t.lastFailureAt.IsZero() {
		ts := t.lastFailureAt
		stats.LastFailureAt = &ts
	}
	return stats
}

// Close shuts the connection down. The transport cannot be reused.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.writeClose()
		conn.close(ErrClosed)
	}
}
