package proxmoxops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rcourtman/pulse-fleet-agent/pkg/proxmox"
)

const (
	defaultWaitTimeout  = 120 * time.Second
	minWaitTimeout      = time.Second
	maxWaitTimeout      = time.Hour
	defaultWaitInterval = 2 * time.Second
	minWaitInterval     = 250 * time.Millisecond
	maxWaitInterval     = 30 * time.Second
)

// errWaitTimeout marks a deadline reached before the condition held.
var errWaitTimeout = errors.New("timed out")

// WaitResult reports how a wait ended.
type WaitResult struct {
	Node      string `json:"node"`
	VMID      int    `json:"vmid,omitempty"`
	UPID      string `json:"upid,omitempty"`
	Status    string `json:"status,omitempty"`
	ExitState string `json:"exitstatus,omitempty"`
	Present   *bool  `json:"present,omitempty"`
	WaitedMs  int64  `json:"waited_ms"`
}

func (d *Dispatcher) waitRoutes() []route {
	return []route{
		{match: exact("wait-task"), handle: d.waitTask},
		{match: exact("wait-vm-status"), handle: d.waitVMStatus},
		{match: exact("wait-vm-presence"), handle: d.waitVMPresence},
	}
}

func clampMs(ac *ActionContext, key string, def, lo, hi time.Duration) time.Duration {
	ms, ok := ac.Int(key)
	if !ok || ms <= 0 {
		return def
	}
	d := time.Duration(ms) * time.Millisecond
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func waitBounds(ac *ActionContext) (timeout, interval time.Duration) {
	timeout = clampMs(ac, "timeout_ms", defaultWaitTimeout, minWaitTimeout, maxWaitTimeout)
	interval = clampMs(ac, "interval_ms", defaultWaitInterval, minWaitInterval, maxWaitInterval)
	return timeout, interval
}

// poll calls check until it reports done, the deadline passes or ctx ends.
// Transient check errors are retried; login failures end the wait at once.
func (d *Dispatcher) poll(ctx context.Context, timeout, interval time.Duration, check func(context.Context) (bool, error)) error {
	deadline := d.now().Add(timeout)
	var lastErr error

	for d.now().Before(deadline) {
		done, err := check(ctx)
		if err == nil && done {
			return nil
		}
		if err != nil {
			if proxmox.IsAuthError(err) || ctx.Err() != nil {
				return err
			}
			lastErr = err
		}

		wait := interval
		if remaining := deadline.Sub(d.now()); remaining < wait {
			wait = remaining
		}
		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %s (last error: %v)", errWaitTimeout, timeout, lastErr)
	}
	return fmt.Errorf("%w after %s", errWaitTimeout, timeout)
}

func (d *Dispatcher) waitTask(ctx context.Context, ac *ActionContext) (any, error) {
	upid := ac.String("upid")
	if upid == "" {
		return nil, fmt.Errorf("wait-task requires upid")
	}
	node := ac.String("node")
	if node == "" {
		node = proxmox.NodeFromUPID(upid)
	}
	if node == "" {
		node = ac.Node
	}
	if node == "" {
		return nil, fmt.Errorf("wait-task could not determine the node for %s", upid)
	}
	if err := validateNode(ac.Action, node); err != nil {
		return nil, err
	}
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}

	timeout, interval := waitBounds(ac)
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", node, url.PathEscape(upid))
	started := d.now()

	var status taskStatus
	err = d.poll(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		data, err := client.Request(ctx, http.MethodGet, path, nil)
		if err != nil {
			return false, err
		}
		var current taskStatus
		if err := json.Unmarshal(data, &current); err != nil {
			return false, fmt.Errorf("decode task status: %w", err)
		}
		status = current
		return status.Status == "stopped", nil
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for task %s: %w", upid, err)
	}

	result := WaitResult{
		Node:      node,
		VMID:      ac.VMID,
		UPID:      upid,
		Status:    status.Status,
		ExitState: status.ExitStatus,
		WaitedMs:  d.now().Sub(started).Milliseconds(),
	}
	if !taskSucceeded(status.ExitStatus) {
		return result, fmt.Errorf("task %s failed: %s", upid, status.ExitStatus)
	}
	return result, nil
}

type taskStatus struct {
	Status     string `json:"status"`
	ExitStatus string `json:"exitstatus"`
}

func taskSucceeded(exitStatus string) bool {
	return exitStatus == "" || exitStatus == "OK" || strings.HasPrefix(exitStatus, "WARNINGS")
}

func (d *Dispatcher) waitVMStatus(ctx context.Context, ac *ActionContext) (any, error) {
	desired := ac.String("status")
	if desired == "" {
		desired = ac.String("desired_status")
	}
	if desired == "" {
		return nil, fmt.Errorf("wait-vm-status requires status")
	}
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	path, err := ac.vmPath("/status/current")
	if err != nil {
		return nil, err
	}

	timeout, interval := waitBounds(ac)
	started := d.now()
	var current string
	err = d.poll(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		data, err := client.Request(ctx, http.MethodGet, path, nil)
		if err != nil {
			return false, err
		}
		var status struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(data, &status); err != nil {
			return false, fmt.Errorf("decode vm status: %w", err)
		}
		current = status.Status
		return strings.EqualFold(current, desired), nil
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for vm %d to become %s (last %q): %w", ac.VMID, desired, current, err)
	}
	return WaitResult{
		Node:     ac.Node,
		VMID:     ac.VMID,
		Status:   current,
		WaitedMs: d.now().Sub(started).Milliseconds(),
	}, nil
}

func (d *Dispatcher) waitVMPresence(ctx context.Context, ac *ActionContext) (any, error) {
	want, ok := ac.Bool("present")
	if !ok {
		want = true
	}
	vmid, err := ac.requireVMID()
	if err != nil {
		return nil, err
	}
	node, err := ac.requireNode()
	if err != nil {
		return nil, err
	}
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}

	timeout, interval := waitBounds(ac)
	started := d.now()
	path := fmt.Sprintf("/nodes/%s/qemu", node)
	err = d.poll(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		data, err := client.Request(ctx, http.MethodGet, path, nil)
		if err != nil {
			return false, err
		}
		var vms []map[string]any
		if err := json.Unmarshal(data, &vms); err != nil {
			return false, fmt.Errorf("decode vm list: %w", err)
		}
		found := false
		for _, vm := range vms {
			if id, ok := toInt(vm["vmid"]); ok && id == vmid {
				found = true
				break
			}
		}
		return found == want, nil
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for vm %d presence=%t: %w", vmid, want, err)
	}
	return WaitResult{
		Node:     node,
		VMID:     vmid,
		Present:  &want,
		WaitedMs: d.now().Sub(started).Milliseconds(),
	}, nil
}
