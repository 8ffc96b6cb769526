// Package apiclient talks JSON over HTTPS to the fleet control plane.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rcourtman/pulse-fleet-agent/pkg/agents/fleet"
	"github.com/rcourtman/pulse-fleet-agent/pkg/tlsutil"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds a request when the caller passes zero.
	DefaultTimeout = 60 * time.Second

	maxResponseBytes = 8 << 20
)

// Config controls the control-plane client.
type Config struct {
	ServerURL          string
	APIToken           string
	AgentID            string
	UserAgent          string
	InsecureSkipVerify bool
	HTTPClient         *http.Client
	Logger             zerolog.Logger
}

// Client issues single, non-retried requests against the control plane.
type Client struct {
	baseURL    string
	token      string
	agentID    string
	userAgent  string
	httpClient *http.Client
	logger     zerolog.Logger
}

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	serverURL := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if serverURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if _, err := url.Parse(serverURL); err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if strings.TrimSpace(cfg.APIToken) == "" {
		return nil, fmt.Errorf("api token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// The per-request context carries the deadline; the client itself is unbounded.
		httpClient = tlsutil.CreateHTTPClientWithTimeout(!cfg.InsecureSkipVerify, "", 0)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "pulse-fleet-agent"
	}

	return &Client{
		baseURL:    serverURL,
		token:      cfg.APIToken,
		agentID:    cfg.AgentID,
		userAgent:  userAgent,
		httpClient: httpClient,
		logger:     cfg.Logger.With().Str("component", "api-client").Logger(),
	}, nil
}

// Request performs one JSON request and unwraps the response envelope.
// A nil result with a nil error means the server reported success without data.
func (c *Client) Request(ctx context.Context, method, path string, body any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &Error{Code: CodeParseError, Message: fmt.Sprintf("encode request body: %v", err), Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &Error{Code: CodeNetworkError, Message: fmt.Sprintf("create request: %v", err), Err: err}
	}

	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	req.Header.Set("X-Correlation-ID", correlationID(ctx, requestID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &Error{Code: CodeTimeout, Message: fmt.Sprintf("%s %s timed out after %s", method, path, timeout), Err: err}
		}
		return nil, &Error{Code: CodeNetworkError, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &Error{Code: CodeTimeout, Message: fmt.Sprintf("%s %s timed out reading response", method, path), HTTPStatus: resp.StatusCode, Err: err}
		}
		return nil, &Error{Code: CodeNetworkError, Message: fmt.Sprintf("read response: %v", err), HTTPStatus: resp.StatusCode, Err: err}
	}

	data, err := decodeEnvelope(raw, resp.StatusCode)
	if err != nil {
		c.logger.Debug().
			Err(err).
			Str("method", method).
			Str("path", path).
			Str("request_id", requestID).
			Msg("Control plane request failed")
	}
	return data, err
}

func decodeEnvelope(raw []byte, status int) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &Error{Code: CodeParseError, Message: fmt.Sprintf("malformed response: %v", err), HTTPStatus: status, Err: err}
	}
	if env.Success == nil {
		return nil, &Error{Code: CodeParseError, Message: "response envelope has no success field", HTTPStatus: status}
	}

	if !*env.Success {
		apiErr := &Error{Code: "UNKNOWN_ERROR", Message: "request failed", HTTPStatus: status}
		if env.Error != nil {
			if env.Error.Code != "" {
				apiErr.Code = env.Error.Code
			}
			if env.Error.Message != "" {
				apiErr.Message = env.Error.Message
			}
		}
		return nil, apiErr
	}

	if status >= http.StatusBadRequest {
		return nil, &Error{Code: CodeParseError, Message: "success envelope with error status", HTTPStatus: status}
	}

	if len(env.Data) == 0 {
		return nil, nil
	}
	return env.Data, nil
}

// Heartbeat posts the agent's liveness report.
func (c *Client) Heartbeat(ctx context.Context, metadata fleet.HeartbeatMetadata, timeout time.Duration) error {
	_, err := c.Request(ctx, http.MethodPost, "/api/v1/agents/heartbeat", fleet.HeartbeatRequest{
		AgentID:  c.agentID,
		Metadata: metadata,
	}, timeout)
	return err
}

// NextCommand long-polls for the next command. A nil command means none is queued.
// The client-side timeout is the server wait plus a margin for the response.
func (c *Client) NextCommand(ctx context.Context, wait time.Duration) (*fleet.QueuedCommand, error) {
	query := url.Values{}
	query.Set("agent_id", c.agentID)
	query.Set("timeout_ms", strconv.FormatInt(wait.Milliseconds(), 10))

	data, err := c.Request(ctx, http.MethodGet, "/api/v1/vm-ops/commands/next?"+query.Encode(), nil, wait+longPollMargin)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var cmd fleet.QueuedCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, &Error{Code: CodeParseError, Message: fmt.Sprintf("decode command: %v", err), Err: err}
	}
	if err := cmd.Validate(); err != nil {
		return nil, &Error{Code: CodeParseError, Message: err.Error(), Err: err}
	}
	return &cmd, nil
}

// UpdateCommandStatus patches the remote status record of a command.
func (c *Client) UpdateCommandStatus(ctx context.Context, commandID string, update fleet.StatusUpdate) error {
	if !update.Status.Valid() {
		return fmt.Errorf("invalid command status %q", update.Status)
	}
	_, err := c.Request(ctx, http.MethodPatch, "/api/v1/vm-ops/commands/"+url.PathEscape(commandID), update, statusUpdateTimeout)
	return err
}

const (
	longPollMargin      = 10 * time.Second
	statusUpdateTimeout = 30 * time.Second
)

type correlationKey struct{}

// WithCorrelationID tags ctx so that every request made with it carries id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context, fallback string) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return fallback
}
