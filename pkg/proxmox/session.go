package proxmox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// SessionTTL is how long a Proxmox ticket is trusted after issuance.
const SessionTTL = 90 * time.Minute

const defaultRealm = "pam"

// Session is an authenticated Proxmox ticket.
type Session struct {
	Ticket    string
	CSRFToken string
	ExpiresAt time.Time
	BaseURL   string
	AuthKey   string
}

// AuthError is returned when /access/ticket does not yield a ticket.
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return fmt.Sprintf("proxmox authentication failed (status %d): check credentials", e.Status)
	}
	if e.Status > 0 {
		return fmt.Sprintf("proxmox login failed (status %d): %s", e.Status, strings.TrimSpace(e.Body))
	}
	return fmt.Sprintf("proxmox login failed: %s", strings.TrimSpace(e.Body))
}

// IsAuthError reports whether err is a Proxmox login failure.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// AuthKey derives the cache key for a credential set.
func AuthKey(baseURL, username, password string) string {
	sum := sha256.Sum256([]byte(baseURL + "\x00" + username + "\x00" + password))
	return hex.EncodeToString(sum[:])
}

// SessionCache holds the single live session for the most recently used
// credential set.
type SessionCache struct {
	httpFor func(Config) *http.Client
	now     func() time.Time
	onLogin func(error)

	mu      sync.Mutex
	current *Session
	group   singleflight.Group
}

// SessionCacheOption customises a SessionCache.
type SessionCacheOption func(*SessionCache)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) SessionCacheOption {
	return func(c *SessionCache) { c.now = now }
}

// WithLoginObserver registers a callback invoked after every ticket request.
func WithLoginObserver(fn func(error)) SessionCacheOption {
	return func(c *SessionCache) { c.onLogin = fn }
}

// NewSessionCache returns an empty cache.
func NewSessionCache(opts ...SessionCacheOption) *SessionCache {
	c := &SessionCache{
		httpFor: httpClientFor,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login returns the cached session when it belongs to cfg's credentials and
// has not expired, unless forceFresh is set. Otherwise it requests a new
// ticket and caches it.
func (c *SessionCache) Login(ctx context.Context, cfg Config, forceFresh bool) (*Session, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	key := AuthKey(cfg.baseURL(), cfg.Username, cfg.Password)

	if !forceFresh {
		if s := c.cached(key); s != nil {
			return s, nil
		}
	}

	// Forced and cached logins for the same credentials share one flight so
	// a caller that finds the cache empty joins an in-progress re-login.
	v, err, _ := c.group.Do(key, func() (any, error) {
		s, err := c.requestTicket(ctx, cfg, key)
		if c.onLogin != nil {
			c.onLogin(err)
		}
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.current = s
		c.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	s := *v.(*Session)
	return &s, nil
}

func (c *SessionCache) cached(key string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.AuthKey != key {
		return nil
	}
	if !c.now().Before(c.current.ExpiresAt) {
		return nil
	}
	s := *c.current
	return &s
}

// Invalidate drops the cached session if it is still the one identified by
// authKey and ticket. It reports whether a session was dropped; a session
// already replaced by a newer login is left alone.
func (c *SessionCache) Invalidate(authKey, ticket string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.current.AuthKey != authKey || c.current.Ticket != ticket {
		return false
	}
	c.current = nil
	return true
}

// Current returns a copy of the cached session, if any.
func (c *SessionCache) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	s := *c.current
	return &s
}

// Close forgets the cached session.
func (c *SessionCache) Close() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

func (c *SessionCache) requestTicket(ctx context.Context, cfg Config, key string) (*Session, error) {
	form := url.Values{
		"username": {cfg.Username},
		"password": {cfg.Password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.apiURL("/access/ticket"), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpFor(cfg).Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxmox login request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read proxmox login response: %w", err)
	}

	var result struct {
		Data *struct {
			Ticket              string `json:"ticket"`
			CSRFPreventionToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	_ = json.Unmarshal(body, &result)

	if resp.StatusCode >= 400 || result.Data == nil || result.Data.Ticket == "" {
		return nil, &AuthError{Status: resp.StatusCode, Body: string(body)}
	}

	return &Session{
		Ticket:    result.Data.Ticket,
		CSRFToken: result.Data.CSRFPreventionToken,
		ExpiresAt: c.now().Add(SessionTTL),
		BaseURL:   cfg.baseURL(),
		AuthKey:   key,
	}, nil
}
