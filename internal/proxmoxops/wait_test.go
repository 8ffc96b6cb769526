package proxmoxops

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitBoundsClamp(t *testing.T) {
	cases := []struct {
		name         string
		payload      map[string]any
		wantTimeout  time.Duration
		wantInterval time.Duration
	}{
		{"defaults", map[string]any{}, 120 * time.Second, 2 * time.Second},
		{"too small", map[string]any{"timeout_ms": 10, "interval_ms": 1}, time.Second, 250 * time.Millisecond},
		{"too large", map[string]any{"timeout_ms": float64(10 * time.Hour / time.Millisecond), "interval_ms": 600000}, time.Hour, 30 * time.Second},
		{"in range", map[string]any{"timeout_ms": 5000, "interval_ms": "500"}, 5 * time.Second, 500 * time.Millisecond},
		{"garbage", map[string]any{"timeout_ms": "soon", "interval_ms": -3}, 120 * time.Second, 2 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ac := newActionContext("wait-task", tc.payload, testProxmoxConfig(), nil, nil)
			timeout, interval := waitBounds(ac)
			assert.Equal(t, tc.wantTimeout, timeout)
			assert.Equal(t, tc.wantInterval, interval)
		})
	}
}

func TestWaitTaskPollsUntilStopped(t *testing.T) {
	f := newFakeProxmox(t)
	var calls atomic.Int32
	f.handle(http.MethodGet, "/nodes/h1/tasks/"+escapedUPID()+"/status", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Write([]byte(`{"data":{"status":"running"}}`))
			return
		}
		w.Write([]byte(`{"data":{"status":"stopped","exitstatus":"OK"}}`))
	})
	d := newTestDispatcher(t, f, nil)
	d.cfg.Node = ""

	result, err := d.Dispatch(context.Background(), "proxmox.wait-task", map[string]any{
		"upid": testUPID, "interval_ms": 250, "timeout_ms": 10000,
	})
	require.NoError(t, err)
	wait := result.(WaitResult)
	assert.Equal(t, "h1", wait.Node, "node comes from the UPID")
	assert.Equal(t, "stopped", wait.Status)
	assert.Equal(t, "OK", wait.ExitState)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWaitTaskUsesOnlyTheFinalStatus(t *testing.T) {
	f := newFakeProxmox(t)
	var calls atomic.Int32
	f.handle(http.MethodGet, "/nodes/h1/tasks/"+escapedUPID()+"/status", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte(`{"data":{"status":"running","exitstatus":"interrupted"}}`))
			return
		}
		w.Write([]byte(`{"data":{"status":"stopped"}}`))
	})
	d := newTestDispatcher(t, f, nil)

	result, err := d.Dispatch(context.Background(), "proxmox.wait-task", map[string]any{
		"upid": testUPID, "interval_ms": 250,
	})
	require.NoError(t, err)
	assert.Empty(t, result.(WaitResult).ExitState, "exitstatus from an earlier poll must not leak")
	assert.EqualValues(t, 2, calls.Load())
}

func TestWaitTaskFailedExitStatus(t *testing.T) {
	f := newFakeProxmox(t)
	f.on(http.MethodGet, "/nodes/h1/tasks/"+escapedUPID()+"/status", `{"data":{"status":"stopped","exitstatus":"clone failed: no space"}}`)
	d := newTestDispatcher(t, f, nil)

	_, err := d.Dispatch(context.Background(), "proxmox.wait-task", map[string]any{"upid": testUPID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no space")
}

func TestWaitTaskTimesOut(t *testing.T) {
	f := newFakeProxmox(t)
	var calls atomic.Int32
	f.handle(http.MethodGet, "/nodes/h1/tasks/"+escapedUPID()+"/status", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"data":{"status":"running"}}`))
	})
	d := newTestDispatcher(t, f, nil)

	start := time.Now()
	_, err := d.Dispatch(context.Background(), "proxmox.wait-task", map[string]any{
		"upid": testUPID, "timeout_ms": 1000, "interval_ms": 250,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errWaitTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestWaitTaskRequiresUPID(t *testing.T) {
	d := newTestDispatcher(t, newFakeProxmox(t), nil)
	_, err := d.Dispatch(context.Background(), "proxmox.wait-task", map[string]any{})
	require.Error(t, err)
}

func TestWaitRespectsContextCancel(t *testing.T) {
	f := newFakeProxmox(t)
	f.on(http.MethodGet, "/nodes/h1/qemu/101/status/current", `{"data":{"status":"stopped"}}`)
	d := newTestDispatcher(t, f, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Dispatch(ctx, "proxmox.wait-vm-status", map[string]any{
		"vmid": 101, "status": "running", "timeout_ms": 60000, "interval_ms": 5000,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestWaitVMStatusMatches(t *testing.T) {
	f := newFakeProxmox(t)
	var calls atomic.Int32
	f.handle(http.MethodGet, "/nodes/h1/qemu/101/status/current", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte(`{"data":{"status":"stopped"}}`))
			return
		}
		w.Write([]byte(`{"data":{"status":"running"}}`))
	})
	d := newTestDispatcher(t, f, nil)

	result, err := d.Dispatch(context.Background(), "proxmox.wait-vm-status", map[string]any{
		"vmid": 101, "status": "running", "interval_ms": 250,
	})
	require.NoError(t, err)
	assert.Equal(t, "running", result.(WaitResult).Status)
}

func TestWaitVMPresence(t *testing.T) {
	f := newFakeProxmox(t)
	var calls atomic.Int32
	f.handle(http.MethodGet, "/nodes/h1/qemu", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte(`{"data":[{"vmid":101},{"vmid":102}]}`))
			return
		}
		w.Write([]byte(`{"data":[{"vmid":102}]}`))
	})
	d := newTestDispatcher(t, f, nil)

	result, err := d.Dispatch(context.Background(), "proxmox.wait-vm-presence", map[string]any{
		"vmid": 101, "present": false, "interval_ms": 250,
	})
	require.NoError(t, err)
	wait := result.(WaitResult)
	require.NotNil(t, wait.Present)
	assert.False(t, *wait.Present)
	assert.EqualValues(t, 2, calls.Load())
}

func TestWaitKeepsPollingThroughTransientErrors(t *testing.T) {
	f := newFakeProxmox(t)
	var calls atomic.Int32
	f.handle(http.MethodGet, "/nodes/h1/qemu", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"data":[{"vmid":101}]}`))
	})
	d := newTestDispatcher(t, f, nil)

	_, err := d.Dispatch(context.Background(), "proxmox.wait-vm-presence", map[string]any{"vmid": 101, "interval_ms": 250})
	require.NoError(t, err)
}
