package proxmoxops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/rcourtman/pulse-fleet-agent/pkg/proxmox"
)

var lifecycleActions = []string{"start", "stop", "shutdown", "reset", "suspend", "resume", "reboot"}

// lifecycleParams are the optional payload fields forwarded per action.
var lifecycleParams = map[string][]string{
	"start":    {"timeout", "skiplock", "machine"},
	"stop":     {"timeout", "skiplock", "keepActive"},
	"shutdown": {"timeout", "forceStop", "keepActive", "skiplock"},
	"suspend":  {"todisk", "skiplock", "statestorage"},
	"resume":   {"skiplock", "nocheck"},
	"reboot":   {"timeout"},
	"reset":    {"skiplock"},
}

// routingFields never end up in a VM config update.
var routingFields = map[string]struct{}{
	"action":       {},
	"command_type": {},
	"config":       {},
	"node":         {},
	"type":         {},
	"vmid":         {},
}

// TaskResult is returned by actions that start a Proxmox task.
type TaskResult struct {
	UPID   string `json:"upid,omitempty"`
	Node   string `json:"node"`
	VMID   int    `json:"vmid"`
	Action string `json:"action"`
}

// CloneResult adds the id of the new VM.
type CloneResult struct {
	TaskResult
	NewID int `json:"newid"`
}

// ConfigUpdateResult lists the keys sent in the PUT.
type ConfigUpdateResult struct {
	TaskResult
	Keys []string `json:"keys"`
}

func (d *Dispatcher) vmRoutes() []route {
	return []route{
		{match: exact(lifecycleActions...), handle: d.vmLifecycle},
		{match: exact("status"), handle: d.vmStatus},
		{match: exact("list"), handle: d.vmList},
		{match: exact("config.get"), handle: d.vmConfigGet},
		{match: exact("clone"), handle: d.vmClone},
		{match: exact("create"), handle: d.vmCreate},
		{match: exact("delete"), handle: d.vmDelete},
		{match: exact("resize-disk"), handle: d.vmResizeDisk},
		{match: exact("config.update"), handle: d.vmConfigUpdate},
		{match: exact("sendkey"), handle: d.vmSendKey},
	}
}

func (d *Dispatcher) taskResult(ac *ActionContext, data json.RawMessage) TaskResult {
	return TaskResult{
		UPID:   proxmox.ExtractUPID(data),
		Node:   ac.Node,
		VMID:   ac.VMID,
		Action: ac.Action,
	}
}

func pick(ac *ActionContext, keys []string) map[string]any {
	out := map[string]any{}
	for _, k := range keys {
		if v, ok := ac.Payload[k]; ok && v != nil {
			out[k] = v
		}
	}
	return out
}

func (d *Dispatcher) vmLifecycle(ctx context.Context, ac *ActionContext) (any, error) {
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	path, err := ac.vmPath("/status/" + ac.Action)
	if err != nil {
		return nil, err
	}
	data, err := client.Request(ctx, http.MethodPost, path, pick(ac, lifecycleParams[ac.Action]))
	if err != nil {
		return nil, err
	}
	return d.taskResult(ac, data), nil
}

func decodeAny(data json.RawMessage) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode proxmox response: %w", err)
	}
	return out, nil
}

func (d *Dispatcher) vmStatus(ctx context.Context, ac *ActionContext) (any, error) {
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	path, err := ac.vmPath("/status/current")
	if err != nil {
		return nil, err
	}
	data, err := client.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeAny(data)
}

func (d *Dispatcher) vmList(ctx context.Context, ac *ActionContext) (any, error) {
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	node, err := ac.requireNode()
	if err != nil {
		return nil, err
	}
	data, err := client.Request(ctx, http.MethodGet, fmt.Sprintf("/nodes/%s/qemu", node), pick(ac, []string{"full"}))
	if err != nil {
		return nil, err
	}
	return decodeAny(data)
}

func (d *Dispatcher) vmConfigGet(ctx context.Context, ac *ActionContext) (any, error) {
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	path, err := ac.vmPath("/config")
	if err != nil {
		return nil, err
	}
	data, err := client.Request(ctx, http.MethodGet, path, pick(ac, []string{"current", "snapshot"}))
	if err != nil {
		return nil, err
	}
	return decodeAny(data)
}

// nextID asks the cluster for a free VM id.
func nextID(ctx context.Context, client *proxmox.Client) (int, error) {
	data, err := client.Request(ctx, http.MethodGet, "/cluster/nextid", nil)
	if err != nil {
		return 0, fmt.Errorf("allocate vm id: %w", err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return 0, fmt.Errorf("decode next vm id: %w", err)
	}
	id, ok := toInt(raw)
	if !ok || id <= 0 {
		return 0, fmt.Errorf("unexpected next vm id %s", string(data))
	}
	return id, nil
}

func (d *Dispatcher) vmClone(ctx context.Context, ac *ActionContext) (any, error) {
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	path, err := ac.vmPath("/clone")
	if err != nil {
		return nil, err
	}

	newID, ok := ac.Int("newid")
	if !ok || newID <= 0 {
		newID, err = nextID(ctx, client)
		if err != nil {
			return nil, err
		}
	}

	params := pick(ac, []string{"name", "storage", "format", "full", "target", "pool", "description", "snapname", "bwlimit"})
	params["newid"] = newID

	data, err := client.Request(ctx, http.MethodPost, path, params)
	if err != nil {
		return nil, err
	}
	return CloneResult{TaskResult: d.taskResult(ac, data), NewID: newID}, nil
}

func (d *Dispatcher) vmCreate(ctx context.Context, ac *ActionContext) (any, error) {
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	node, err := ac.requireNode()
	if err != nil {
		return nil, err
	}

	params := map[string]any{}
	for k, v := range ac.Map("config") {
		params[k] = v
	}
	vmid := ac.VMID
	if vmid <= 0 {
		vmid, err = nextID(ctx, client)
		if err != nil {
			return nil, err
		}
	}
	params["vmid"] = vmid

	data, err := client.Request(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu", node), params)
	if err != nil {
		return nil, err
	}
	result := d.taskResult(ac, data)
	result.VMID = vmid
	return result, nil
}

func (d *Dispatcher) vmDelete(ctx context.Context, ac *ActionContext) (any, error) {
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	path, err := ac.vmPath("")
	if err != nil {
		return nil, err
	}
	data, err := client.Request(ctx, http.MethodDelete, path, pick(ac, []string{"purge", "destroy-unreferenced-disks", "skiplock"}))
	if err != nil {
		return nil, err
	}
	return d.taskResult(ac, data), nil
}

func (d *Dispatcher) vmResizeDisk(ctx context.Context, ac *ActionContext) (any, error) {
	disk := ac.String("disk")
	size := ac.String("size")
	if disk == "" || size == "" {
		return nil, fmt.Errorf("resize-disk requires disk and size")
	}
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	path, err := ac.vmPath("/resize")
	if err != nil {
		return nil, err
	}
	params := pick(ac, []string{"skiplock"})
	params["disk"] = disk
	params["size"] = size

	data, err := client.Request(ctx, http.MethodPut, path, params)
	if err != nil {
		return nil, err
	}
	return d.taskResult(ac, data), nil
}

func (d *Dispatcher) vmConfigUpdate(ctx context.Context, ac *ActionContext) (any, error) {
	params := map[string]any{}
	for k, v := range ac.Map("config") {
		params[k] = v
	}
	for k, v := range ac.Payload {
		if _, skip := routingFields[k]; skip {
			continue
		}
		params[k] = v
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("config.update requires at least one config field")
	}

	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	path, err := ac.vmPath("/config")
	if err != nil {
		return nil, err
	}
	data, err := client.Request(ctx, http.MethodPut, path, params)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return ConfigUpdateResult{TaskResult: d.taskResult(ac, data), Keys: keys}, nil
}

func (d *Dispatcher) vmSendKey(ctx context.Context, ac *ActionContext) (any, error) {
	key := ac.String("key")
	if key == "" {
		return nil, fmt.Errorf("sendkey requires key")
	}
	client, err := ac.Client()
	if err != nil {
		return nil, err
	}
	path, err := ac.vmPath("/sendkey")
	if err != nil {
		return nil, err
	}
	if _, err := client.Request(ctx, http.MethodPut, path, map[string]any{"key": key}); err != nil {
		return nil, err
	}
	return map[string]any{"node": ac.Node, "vmid": ac.VMID, "key": key, "sent": true}, nil
}
