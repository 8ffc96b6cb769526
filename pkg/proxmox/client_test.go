package proxmox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(Config{URL: url, Username: "root", Password: "secret", Node: "h1"}, NewSessionCache())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestClientRequestPostFormAndHeaders(t *testing.T) {
	var authCalls int32
	server := ticketServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/api2/json/nodes/h1/qemu/101/status/start" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Cookie"); got != "PVEAuthCookie=ticket-1" {
			t.Errorf("unexpected cookie %q", got)
		}
		if got := r.Header.Get("CSRFPreventionToken"); got != "csrf-1" {
			t.Errorf("unexpected csrf %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
			t.Errorf("unexpected content type %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("skiplock") != "1" || r.PostForm.Get("timeout") != "30" || r.PostForm.Get("purge") != "0" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if _, ok := r.PostForm["ignored"]; ok {
			t.Errorf("nil values must be skipped: %v", r.PostForm)
		}
		fmt.Fprint(w, `{"data":"UPID:h1:0001:0002:0003:qmstart:101:root@pam:"}`)
	})

	client := newTestClient(t, server.URL)
	data, err := client.Request(context.Background(), "post", "/nodes/h1/qemu/101/status/start", map[string]any{
		"skiplock": true,
		"purge":    false,
		"timeout":  float64(30),
		"ignored":  nil,
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	var upid string
	if err := json.Unmarshal(data, &upid); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if upid != "UPID:h1:0001:0002:0003:qmstart:101:root@pam:" {
		t.Fatalf("unexpected data %q", upid)
	}
}

func TestClientRequestGetUsesQueryString(t *testing.T) {
	var authCalls int32
	server := ticketServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("full") != "1" {
			t.Errorf("expected query full=1, got %q", r.URL.RawQuery)
		}
		if r.Header.Get("CSRFPreventionToken") != "" {
			t.Errorf("GET must not carry a CSRF token")
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) != 0 {
			t.Errorf("GET must not carry a body, got %q", body)
		}
		fmt.Fprint(w, `{"data":[{"vmid":101}]}`)
	})

	client := newTestClient(t, server.URL)
	data, err := client.Get(context.Background(), "/nodes/h1/qemu", map[string]any{"full": true})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(data) != `[{"vmid":101}]` {
		t.Fatalf("unexpected data %s", data)
	}
}

func TestClientRequestReturnsRawBodyWithoutEnvelope(t *testing.T) {
	var authCalls int32
	server := ticketServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status":"ok"}`)
	})

	data, err := newTestClient(t, server.URL).Get(context.Background(), "/version", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(data) != `{"status":"ok"}` {
		t.Fatalf("unexpected data %s", data)
	}
}

func TestClientRequest401ReauthAndRetryOnce(t *testing.T) {
	var authCalls int32
	var nodeCalls int32

	server := ticketServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&nodeCalls, 1)
		cookie := r.Header.Get("Cookie")
		if call == 1 {
			if !strings.Contains(cookie, "ticket-1") {
				t.Errorf("first request missing initial ticket, got %q", cookie)
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.Contains(cookie, "ticket-2") {
			t.Errorf("retry missing refreshed ticket, got %q", cookie)
		}
		fmt.Fprint(w, `{"data":[]}`)
	})

	client := newTestClient(t, server.URL)
	if _, err := client.Get(context.Background(), "/nodes", nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := atomic.LoadInt32(&authCalls); got != 2 {
		t.Fatalf("expected 2 auth calls, got %d", got)
	}
	if got := atomic.LoadInt32(&nodeCalls); got != 2 {
		t.Fatalf("expected 2 node calls, got %d", got)
	}
}

func TestClientRequestConcurrent401sShareOneRelogin(t *testing.T) {
	var authCalls int32
	var valid atomic.Value
	valid.Store("ticket-1")
	rejected := make(chan struct{}, 4)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api2/json/access/ticket" {
			call := atomic.AddInt32(&authCalls, 1)
			if call > 1 {
				time.Sleep(300 * time.Millisecond)
			}
			ticket := fmt.Sprintf("ticket-%d", call)
			valid.Store(ticket)
			fmt.Fprintf(w, `{"data":{"ticket":%q,"CSRFPreventionToken":"csrf"}}`, ticket)
			return
		}
		if r.Header.Get("Cookie") != "PVEAuthCookie="+valid.Load().(string) {
			rejected <- struct{}{}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"data":"ok"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.Get(context.Background(), "/version", nil); err != nil {
		t.Fatalf("warm-up request: %v", err)
	}
	// The server drops the first ticket.
	valid.Store("expired")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Get(context.Background(), "/version", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&authCalls); got != 2 {
		t.Fatalf("expected one shared re-login (2 auth calls), got %d", got)
	}
	if got := len(rejected); got != 2 {
		t.Fatalf("expected both requests to be rejected once, got %d", got)
	}
}

func TestClientRequestRetriesWithAlreadyRenewedSession(t *testing.T) {
	var authCalls int32
	cache := NewSessionCache()

	var server *httptest.Server
	var nodeCalls int32
	server = ticketServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&nodeCalls, 1) == 1 {
			// Another caller renews the session while this request is in flight.
			if _, err := cache.Login(context.Background(), Config{URL: server.URL, Username: "root", Password: "secret"}, true); err != nil {
				t.Errorf("renew: %v", err)
			}
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.Header.Get("Cookie"); got != "PVEAuthCookie=ticket-2" {
			t.Errorf("retry must use the renewed ticket, got %q", got)
		}
		fmt.Fprint(w, `{"data":[]}`)
	})

	client, err := NewClient(Config{URL: server.URL, Username: "root", Password: "secret"}, cache)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := client.Get(context.Background(), "/nodes", nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := atomic.LoadInt32(&authCalls); got != 2 {
		t.Fatalf("renewed session must not be invalidated again, got %d auth calls", got)
	}
	if s := cache.Current(); s == nil || s.Ticket != "ticket-2" {
		t.Fatalf("expected ticket-2 to stay cached, got %+v", s)
	}
}

func TestClientRequestPersistent403ReturnsAPIError(t *testing.T) {
	var authCalls int32
	var nodeCalls int32
	server := ticketServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&nodeCalls, 1)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "permission denied")
	})

	_, err := newTestClient(t, server.URL).Post(context.Background(), "/nodes/h1/qemu/101/status/stop", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if !apiErr.Unauthorized() || apiErr.Method != http.MethodPost || apiErr.Path != "/nodes/h1/qemu/101/status/stop" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("expected body in error, got %q", err.Error())
	}
	if got := atomic.LoadInt32(&nodeCalls); got != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", got)
	}
}

func TestClientRequestSkipsRetryWhenCredentialsChanged(t *testing.T) {
	var authCalls int32
	var nodeCalls int32
	cache := NewSessionCache()

	var server *httptest.Server
	server = ticketServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&nodeCalls, 1)
		// Another caller logs in with different credentials mid-flight.
		if _, err := cache.Login(context.Background(), Config{URL: server.URL, Username: "other", Password: "secret"}, false); err != nil {
			t.Errorf("swap login: %v", err)
		}
		w.WriteHeader(http.StatusUnauthorized)
	})

	client, err := NewClient(Config{URL: server.URL, Username: "root", Password: "secret"}, cache)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.Get(context.Background(), "/nodes", nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	if got := atomic.LoadInt32(&nodeCalls); got != 1 {
		t.Fatalf("expected no retry, got %d calls", got)
	}
	if cache.Current() == nil {
		t.Fatal("the other credential set's session must survive")
	}
}

func TestClientRequestRateLimited(t *testing.T) {
	var authCalls int32
	server := ticketServer(t, &authCalls, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := newTestClient(t, server.URL).Get(context.Background(), "/nodes", nil)
	var rl interface{ RateLimited() bool }
	if !errors.As(err, &rl) || !rl.RateLimited() {
		t.Fatalf("expected rate limited error, got %v", err)
	}
}

func TestClientRequestLoginFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Get(context.Background(), "/nodes", nil)
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestEncodeValues(t *testing.T) {
	values := encodeValues(map[string]any{
		"net0":   "virtio,bridge=vmbr0",
		"onboot": true,
		"memory": float64(2048),
		"cores":  4,
		"tags":   []string{"a", "b"},
		"ratio":  0.5,
		"skip":   nil,
	})
	expected := "cores=4&memory=2048&net0=virtio%2Cbridge%3Dvmbr0&onboot=1&ratio=0.5&tags=a&tags=b"
	if got := values.Encode(); got != expected {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}
