// Package proxmox talks to the Proxmox VE API on behalf of the fleet agent
// using ticket authentication.
package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/pulse-fleet-agent/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 8 << 20
	apiPrefix        = "/api2/json"
)

// Config identifies one Proxmox endpoint and credential set.
type Config struct {
	URL         string        `json:"url"`
	Username    string        `json:"username"`
	Password    string        `json:"password"`
	Node        string        `json:"node,omitempty"`
	VerifySSL   bool          `json:"verify_ssl"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Timeout     time.Duration `json:"-"`
}

func (c Config) normalize() (Config, error) {
	c.URL = strings.TrimSpace(c.URL)
	if c.URL == "" {
		return c, fmt.Errorf("proxmox url is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		c.URL = "https://" + c.URL
	}
	c.URL = strings.TrimSuffix(strings.TrimRight(c.URL, "/"), apiPrefix)

	c.Username = strings.TrimSpace(c.Username)
	if c.Username == "" {
		return c, fmt.Errorf("proxmox username is required")
	}
	if !strings.Contains(c.Username, "@") {
		c.Username += "@" + defaultRealm
	}
	if c.Password == "" {
		return c, fmt.Errorf("proxmox password is required")
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c, nil
}

func (c Config) baseURL() string {
	return c.URL
}

func (c Config) apiURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.URL + apiPrefix + path
}

type httpClientKey struct {
	verifySSL   bool
	fingerprint string
	timeout     time.Duration
}

var httpClients sync.Map // httpClientKey -> *http.Client

func httpClientFor(cfg Config) *http.Client {
	key := httpClientKey{verifySSL: cfg.VerifySSL, fingerprint: cfg.Fingerprint, timeout: cfg.Timeout}
	if client, ok := httpClients.Load(key); ok {
		return client.(*http.Client)
	}
	client, _ := httpClients.LoadOrStore(key, tlsutil.CreateHTTPClientWithTimeout(cfg.VerifySSL, cfg.Fingerprint, cfg.Timeout))
	return client.(*http.Client)
}

// APIError is a non-auth Proxmox API failure, or an auth failure that
// survived the forced re-login.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("proxmox API error: %s %s returned %d: %s", e.Method, e.Path, e.Status, strings.TrimSpace(e.Body))
}

// RateLimited reports whether Proxmox (or a proxy in front of it) throttled
// the request.
func (e *APIError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// Unauthorized reports whether the request was rejected for its credentials.
func (e *APIError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Client issues authenticated requests against one Proxmox endpoint.
type Client struct {
	cfg      Config
	sessions *SessionCache
	http     *http.Client
}

// NewClient validates cfg. Sessions are shared through the given cache.
func NewClient(cfg Config, sessions *SessionCache) (*Client, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	if sessions == nil {
		sessions = NewSessionCache()
	}
	if strings.HasPrefix(cfg.URL, "http://") {
		log.Warn().Str("url", cfg.URL).Msg("Using HTTP for Proxmox connection - consider enabling HTTPS")
	}
	return &Client{
		cfg:      cfg,
		sessions: sessions,
		http:     sessions.httpFor(cfg),
	}, nil
}

// Config returns the normalised configuration.
func (c *Client) Config() Config {
	return c.cfg
}

// Node returns the configured default node, if any.
func (c *Client) Node() string {
	return c.cfg.Node
}

// Request performs method on path (relative to /api2/json) and returns the
// unwrapped data field. data is form-encoded for POST and PUT and sent as a
// query string otherwise.
//
// A 401 or 403 triggers exactly one retry. The caller that still holds the
// cached session forces a re-login; concurrent callers rejected with the
// same session reuse that newer login. No retry happens when the cache
// already moved on to other credentials.
func (c *Client) Request(ctx context.Context, method, path string, data map[string]any) (json.RawMessage, error) {
	method = strings.ToUpper(method)

	session, err := c.sessions.Login(ctx, c.cfg, false)
	if err != nil {
		return nil, err
	}

	status, body, err := c.send(ctx, session, method, path, data)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		retry, err := c.reauthenticate(ctx, session, method, path, status)
		if err != nil {
			return nil, err
		}
		if retry == nil {
			return nil, &APIError{Method: method, Path: path, Status: status, Body: string(body)}
		}
		session = retry
		status, body, err = c.send(ctx, session, method, path, data)
		if err != nil {
			return nil, err
		}
	}

	if status >= 400 {
		return nil, &APIError{Method: method, Path: path, Status: status, Body: string(body)}
	}
	return unwrapData(body), nil
}

// reauthenticate returns the session to retry with after rejected was
// answered with 401/403, or nil when the request must not be retried.
func (c *Client) reauthenticate(ctx context.Context, rejected *Session, method, path string, status int) (*Session, error) {
	if c.sessions.Invalidate(rejected.AuthKey, rejected.Ticket) {
		log.Debug().Str("method", method).Str("path", path).Int("status", status).Msg("Proxmox session rejected, re-authenticating")
		return c.sessions.Login(ctx, c.cfg, true)
	}

	current := c.sessions.Current()
	switch {
	case current == nil:
		// Another caller dropped the session and is logging in.
		return c.sessions.Login(ctx, c.cfg, false)
	case current.AuthKey == rejected.AuthKey && current.Ticket != rejected.Ticket:
		log.Debug().Str("method", method).Str("path", path).Msg("Proxmox session already renewed, retrying")
		return current, nil
	}
	return nil, nil
}

// Get is Request with GET.
func (c *Client) Get(ctx context.Context, path string, query map[string]any) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodGet, path, query)
}

// Post is Request with POST.
func (c *Client) Post(ctx context.Context, path string, data map[string]any) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPost, path, data)
}

// Put is Request with PUT.
func (c *Client) Put(ctx context.Context, path string, data map[string]any) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodPut, path, data)
}

// Delete is Request with DELETE.
func (c *Client) Delete(ctx context.Context, path string, query map[string]any) (json.RawMessage, error) {
	return c.Request(ctx, http.MethodDelete, path, query)
}

func (c *Client) send(ctx context.Context, session *Session, method, path string, data map[string]any) (int, []byte, error) {
	values := encodeValues(data)

	var body io.Reader
	target := c.cfg.apiURL(path)
	formBody := method == http.MethodPost || method == http.MethodPut
	if formBody {
		body = strings.NewReader(values.Encode())
	} else if len(values) > 0 {
		target += "?" + values.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cookie", "PVEAuthCookie="+session.Ticket)
	if method != http.MethodGet && session.CSRFToken != "" {
		req.Header.Set("CSRFPreventionToken", session.CSRFToken)
	}
	if formBody {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("proxmox %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read proxmox response for %s %s: %w", method, path, err)
	}
	return resp.StatusCode, respBody, nil
}

func unwrapData(body []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return json.RawMessage("null")
	}
	if !json.Valid([]byte(trimmed)) {
		encoded, _ := json.Marshal(trimmed)
		return encoded
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil {
		if data, ok := envelope["data"]; ok {
			return data
		}
	}
	return json.RawMessage(trimmed)
}

// encodeValues flattens data into Proxmox form values. Booleans become 1/0,
// slices repeat the key and nil values are skipped.
func encodeValues(data map[string]any) url.Values {
	values := url.Values{}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := data[k].(type) {
		case nil:
		case []string:
			for _, item := range v {
				values.Add(k, item)
			}
		case []any:
			for _, item := range v {
				if s, ok := formatValue(item); ok {
					values.Add(k, s)
				}
			}
		default:
			if s, ok := formatValue(v); ok {
				values.Set(k, s)
			}
		}
	}
	return values
}

func formatValue(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		return val, true
	case bool:
		if val {
			return "1", true
		}
		return "0", true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case json.Number:
		return val.String(), true
	case map[string]any:
		encoded, err := json.Marshal(val)
		if err != nil {
			return "", false
		}
		return string(encoded), true
	default:
		return fmt.Sprint(val), true
	}
}
