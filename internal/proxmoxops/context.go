package proxmoxops

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/rcourtman/pulse-fleet-agent/pkg/proxmox"
)

// nodeNamePattern matches Proxmox node names (DNS labels, optionally dotted).
var nodeNamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?)*$`)

func validateNode(action, node string) error {
	if len(node) > 253 || !nodeNamePattern.MatchString(node) {
		return fmt.Errorf("%s: invalid node name %q", action, node)
	}
	return nil
}

// ActionContext is built once per dispatched command and shared, read-only,
// by every handler the dispatcher consults.
type ActionContext struct {
	Action  string
	Payload map[string]any
	Config  proxmox.Config
	Node    string
	VMID    int // zero when the payload carries no vmid

	ssh       SSHRunner
	sessions  *proxmox.SessionCache
	clientErr error
	client    *proxmox.Client
	once      sync.Once
}

func newActionContext(action string, payload map[string]any, cfg proxmox.Config, sessions *proxmox.SessionCache, ssh SSHRunner) *ActionContext {
	if payload == nil {
		payload = map[string]any{}
	}
	ac := &ActionContext{
		Action:   action,
		Payload:  payload,
		Config:   cfg,
		Node:     cfg.Node,
		ssh:      ssh,
		sessions: sessions,
	}
	if node := ac.String("node"); node != "" {
		ac.Node = node
	}
	if vmid, ok := ac.Int("vmid"); ok && vmid > 0 {
		ac.VMID = vmid
	}
	return ac
}

// Client returns the Proxmox client, built on first use.
func (ac *ActionContext) Client() (*proxmox.Client, error) {
	ac.once.Do(func() {
		ac.client, ac.clientErr = proxmox.NewClient(ac.Config, ac.sessions)
		if ac.clientErr != nil {
			ac.clientErr = fmt.Errorf("proxmox is not configured: %w", ac.clientErr)
		}
	})
	return ac.client, ac.clientErr
}

func (ac *ActionContext) requireNode() (string, error) {
	if ac.Node == "" {
		return "", fmt.Errorf("%s requires a node (payload.node or the configured proxmox node)", ac.Action)
	}
	if err := validateNode(ac.Action, ac.Node); err != nil {
		return "", err
	}
	return ac.Node, nil
}

func (ac *ActionContext) requireVMID() (int, error) {
	if ac.VMID <= 0 {
		return 0, fmt.Errorf("%s requires a positive vmid", ac.Action)
	}
	return ac.VMID, nil
}

// vmPath returns /nodes/<node>/qemu/<vmid><suffix>.
func (ac *ActionContext) vmPath(suffix string) (string, error) {
	node, err := ac.requireNode()
	if err != nil {
		return "", err
	}
	vmid, err := ac.requireVMID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/nodes/%s/qemu/%d%s", node, vmid, suffix), nil
}

// String returns payload[key] as a trimmed string.
func (ac *ActionContext) String(key string) string {
	switch v := ac.Payload[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// Int returns payload[key] as an integer. Strings holding digits are accepted.
func (ac *ActionContext) Int(key string) (int, bool) {
	return toInt(ac.Payload[key])
}

// Bool returns payload[key] as a bool. 1/0 and "true"/"false" are accepted.
func (ac *ActionContext) Bool(key string) (value, ok bool) {
	return toBool(ac.Payload[key])
}

// Map returns payload[key] when it is an object.
func (ac *ActionContext) Map(key string) map[string]any {
	m, _ := ac.Payload[key].(map[string]any)
	return m
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	case int:
		return b != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "yes", "on":
			return true, true
		case "0", "false", "no", "off":
			return false, true
		}
	}
	return false, false
}
