package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcourtman/pulse-fleet-agent/internal/backoff"
	"github.com/rcourtman/pulse-fleet-agent/pkg/agents/fleet"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// controlPlane is a scripted WebSocket peer. handle is invoked for every
// frame the agent sends and may write replies.
type controlPlane struct {
	server   *httptest.Server
	connects atomic.Int32

	mu       sync.Mutex
	received []map[string]any
	lastReq  *http.Request
	handle   func(conn *websocket.Conn, frame map[string]any)
}

func newControlPlane(t *testing.T, handle func(conn *websocket.Conn, frame map[string]any)) *controlPlane {
	t.Helper()
	cp := &controlPlane{handle: handle}
	cp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cp.connects.Add(1)
		cp.mu.Lock()
		cp.lastReq = r
		cp.mu.Unlock()

		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			cp.mu.Lock()
			cp.received = append(cp.received, frame)
			cp.mu.Unlock()
			if cp.handle != nil {
				cp.handle(conn, frame)
			}
		}
	}))
	t.Cleanup(cp.server.Close)
	return cp
}

func (cp *controlPlane) frames() []map[string]any {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]map[string]any(nil), cp.received...)
}

func newTestTransport(t *testing.T, serverURL string, now func() time.Time) *Transport {
	t.Helper()
	tr, err := New(Config{
		ServerURL:      serverURL,
		AgentID:        "agent-1",
		APIToken:       "tok",
		ConnectTimeout: time.Second,
		FetchGrace:     50 * time.Millisecond,
		Reconnect:      backoff.Policy{Base: time.Second, Max: 8 * time.Second, JitterRatio: 0.0001, Rand: func() float64 { return 0.5 }},
		Logger:         zerolog.New(zerolog.NewTestWriter(t)),
		Now:            now,
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Logf("write frame: %v", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	u, err := websocketURL("https://cp.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "wss://cp.example.com/base/api/v1/agents/ws", u.String())

	u, err = websocketURL("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/v1/agents/ws", u.String())

	_, err = websocketURL("ftp://nope")
	assert.Error(t, err)
}

func TestEnsureClientReusesOpenConnection(t *testing.T) {
	cp := newControlPlane(t, nil)
	tr := newTestTransport(t, cp.server.URL, nil)

	first, err := tr.EnsureClient(context.Background())
	require.NoError(t, err)
	second, err := tr.EnsureClient(context.Background())
	require.NoError(t, err)
	third, err := tr.EnsureClient(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, first, third)
	assert.EqualValues(t, 1, cp.connects.Load())

	cp.mu.Lock()
	req := cp.lastReq
	cp.mu.Unlock()
	assert.Equal(t, "/api/v1/agents/ws", req.URL.Path)
	assert.Equal(t, "agent-1", req.URL.Query().Get("agent_id"))
	assert.Equal(t, "tok", req.URL.Query().Get("token"))
	assert.NotEmpty(t, req.URL.Query().Get("request_id"))
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"))

	stats := tr.Stats()
	assert.True(t, stats.Connected)
	assert.EqualValues(t, 1, stats.ConnectSuccessCount)
	assert.Equal(t, 0, stats.ReconnectAttempt)
	assert.NotNil(t, stats.LastConnectedAt)
}

func TestEnsureClientBacksOffAfterFailure(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	var mu sync.Mutex
	clock := time.Unix(1_700_000_000, 0)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}

	tr := newTestTransport(t, server.URL, now)

	_, err := tr.EnsureClient(context.Background())
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())

	stats := tr.Stats()
	assert.Equal(t, 1, stats.ReconnectAttempt)
	assert.EqualValues(t, 1, stats.ConnectFailureCount)
	require.NotNil(t, stats.NextReconnectAt)
	assert.Equal(t, clock.Add(time.Second), *stats.NextReconnectAt)

	_, err = tr.EnsureClient(context.Background())
	assert.ErrorIs(t, err, ErrBackingOff)
	assert.EqualValues(t, 1, hits.Load(), "no dial while backing off")

	advance(1500 * time.Millisecond)
	_, err = tr.EnsureClient(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBackingOff)
	assert.EqualValues(t, 2, hits.Load())

	stats = tr.Stats()
	assert.Equal(t, 2, stats.ReconnectAttempt)
	require.NotNil(t, stats.NextReconnectAt)
	assert.Equal(t, now().Add(2*time.Second), *stats.NextReconnectAt)
}

func TestSuccessfulConnectResetsAttempt(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	clock := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	tr := newTestTransport(t, server.URL, now)
	_, err := tr.EnsureClient(context.Background())
	require.Error(t, err)

	fail.Store(false)
	mu.Lock()
	clock = clock.Add(time.Minute)
	mu.Unlock()

	_, err = tr.EnsureClient(context.Background())
	require.NoError(t, err)

	stats := tr.Stats()
	assert.Equal(t, 0, stats.ReconnectAttempt)
	assert.Nil(t, stats.NextReconnectAt)
	assert.EqualValues(t, 1, stats.ConnectFailureCount)
	assert.EqualValues(t, 1, stats.ConnectSuccessCount)
}

func TestFetchNextCommandReturnsAssignedCommand(t *testing.T) {
	cp := newControlPlane(t, func(conn *websocket.Conn, frame map[string]any) {
		if frame["type"] != fleet.MsgTypeNextCommand {
			return
		}
		writeFrame(t, conn, map[string]any{"type": "agent.heartbeat.ack"})
		writeFrame(t, conn, map[string]any{
			"type":       fleet.MsgTypeCommandAssigned,
			"request_id": frame["request_id"],
			"command": map[string]any{
				"id":           "c1",
				"command_type": "proxmox.start",
				"payload":      map[string]any{"vmid": 101},
			},
		})
	})
	tr := newTestTransport(t, cp.server.URL, nil)

	cmd, err := tr.FetchNextCommand(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, "c1", cmd.ID)
	assert.Equal(t, "proxmox.start", cmd.CommandType)

	frames := cp.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "agent-1", frames[0]["agent_id"])
	assert.EqualValues(t, 1000, frames[0]["timeout_ms"])
	assert.NotEmpty(t, frames[0]["request_id"])
}

func TestFetchNextCommandNullAndInvalid(t *testing.T) {
	replies := []any{
		map[string]any{"type": fleet.MsgTypeCommandAssigned, "command": nil},
		map[string]any{"type": fleet.MsgTypeCommandAssigned, "command": map[string]any{"payload": "x"}},
	}
	var n atomic.Int32
	cp := newControlPlane(t, func(conn *websocket.Conn, frame map[string]any) {
		idx := int(n.Add(1)) - 1
		if idx < len(replies) {
			writeFrame(t, conn, replies[idx])
		}
	})
	tr := newTestTransport(t, cp.server.URL, nil)

	for range replies {
		cmd, err := tr.FetchNextCommand(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Nil(t, cmd)
	}
	assert.True(t, tr.Stats().Connected)
}

func TestFetchNextCommandTimeoutKeepsSocketOpen(t *testing.T) {
	cp := newControlPlane(t, nil)
	tr := newTestTransport(t, cp.server.URL, nil)

	conn, err := tr.EnsureClient(context.Background())
	require.NoError(t, err)

	start := time.Now()
	cmd, err := tr.FetchNextCommand(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, cmd)
	assert.Less(t, time.Since(start), 2*time.Second)

	again, err := tr.EnsureClient(context.Background())
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.EqualValues(t, 1, cp.connects.Load())
}

func TestFetchNextCommandUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tr := newTestTransport(t, server.URL, nil)
	_, err := tr.FetchNextCommand(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestReportEventAcknowledged(t *testing.T) {
	cp := newControlPlane(t, func(conn *websocket.Conn, frame map[string]any) {
		if frame["type"] == fleet.MsgTypeCommandAck {
			writeFrame(t, conn, map[string]any{"type": fleet.MsgTypeCommandAck, "command_id": frame["command_id"]})
		}
	})
	tr := newTestTransport(t, cp.server.URL, nil)

	ok := tr.ReportEvent(context.Background(), fleet.Event{
		Type:      fleet.MsgTypeCommandAck,
		AgentID:   "agent-1",
		CommandID: "c1",
	}, fleet.MsgTypeCommandAck, time.Second)
	assert.True(t, ok)
}

func TestReportEventTimesOut(t *testing.T) {
	cp := newControlPlane(t, nil)
	tr := newTestTransport(t, cp.server.URL, nil)

	ok := tr.ReportEvent(context.Background(), fleet.Event{
		Type:      fleet.MsgTypeCommandResult,
		AgentID:   "agent-1",
		CommandID: "c1",
		Status:    fleet.StatusSucceeded,
	}, fleet.MsgTypeCommandResult, 100*time.Millisecond)
	assert.False(t, ok)
}

func TestReportEventInvalidPayloadIsNotSent(t *testing.T) {
	cp := newControlPlane(t, nil)
	tr := newTestTransport(t, cp.server.URL, nil)

	ok := tr.ReportEvent(context.Background(), fleet.Event{
		Type:      fleet.MsgTypeCommandResult,
		AgentID:   "agent-1",
		CommandID: "c1",
		Status:    fleet.StatusFailed,
	}, fleet.MsgTypeCommandResult, time.Second)
	assert.False(t, ok)
	assert.EqualValues(t, 0, cp.connects.Load(), "no connection for an invalid event")
}

func TestServerCloseSchedulesReconnect(t *testing.T) {
	cp := newControlPlane(t, func(conn *websocket.Conn, frame map[string]any) {
		conn.Close()
	})
	tr := newTestTransport(t, cp.server.URL, nil)

	require.NoError(t, tr.SendHeartbeat(context.Background(), fleet.HeartbeatMetadata{Version: "test"}))

	require.Eventually(t, func() bool {
		return tr.Stats().ConnectFailureCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := tr.Stats()
	assert.False(t, stats.Connected)
	assert.Equal(t, 1, stats.ReconnectAttempt)

	_, err := tr.EnsureClient(context.Background())
	assert.True(t, errors.Is(err, ErrBackingOff))
}

func TestRecordHTTPFallbackAndClose(t *testing.T) {
	cp := newControlPlane(t, nil)
	tr := newTestTransport(t, cp.server.URL, nil)

	tr.RecordHTTPFallback("heartbeat")
	tr.RecordHTTPFallback("heartbeat")
	assert.EqualValues(t, 2, tr.Stats().FallbackToHTTPCount)

	_, err := tr.EnsureClient(context.Background())
	require.NoError(t, err)
	tr.Close()

	_, err = tr.EnsureClient(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, tr.Stats().Connected)
	assert.True(t, strings.Contains(ErrClosed.Error(), "closed"))
}
