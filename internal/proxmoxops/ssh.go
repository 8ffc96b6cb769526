package proxmoxops

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/pulse-fleet-agent/internal/sshexec"
)

const (
	sshCanary         = "PULSE_SSH_OK"
	sshProbeTimeout   = 15 * time.Second
	sshConfigTimeout  = 30 * time.Second
	sshExecDefault    = 60 * time.Second
	sshExecMax        = 30 * time.Minute
	heredocMarkerBase = "PULSE_EOF_"
)

// SSHStatusResult describes SSH reachability.
type SSHStatusResult struct {
	sshexec.Status
	Reachable bool   `json:"reachable"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

// VMConfigFile is the raw qemu-server config of a VM.
type VMConfigFile struct {
	VMID    int    `json:"vmid"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Bytes   int    `json:"bytes"`
}

func (d *Dispatcher) sshRoutes() []route {
	return []route{
		{match: exact("ssh-status"), handle: d.sshStatus},
		{match: exact("ssh-test"), handle: d.sshTest},
		{match: exact("ssh-read-config"), handle: d.sshReadConfig},
		{match: exact("ssh-write-config"), handle: d.sshWriteConfig},
		{match: exact("ssh-exec"), handle: d.sshExec},
	}
}

func (d *Dispatcher) probe(ctx context.Context) (int64, error) {
	started := time.Now()
	res, err := d.runSSH(ctx, sshexec.Command{Command: "echo " + sshCanary, Timeout: sshProbeTimeout}, sshexec.CodeCommandFailed)
	if err != nil {
		return 0, err
	}
	if !strings.Contains(res.Stdout, sshCanary) {
		return 0, &sshexec.Error{Code: sshexec.CodeCommandFailed, Message: "canary output missing"}
	}
	return time.Since(started).Milliseconds(), nil
}

// sshStatus never fails the command; probe failures are part of the result.
func (d *Dispatcher) sshStatus(ctx context.Context, ac *ActionContext) (any, error) {
	runner, err := d.sshRunner()
	if err != nil {
		return SSHStatusResult{ErrorCode: sshexec.CodeOf(err), Error: err.Error(), Status: sshexec.Status{AuthMethod: "none"}}, nil
	}
	result := SSHStatusResult{Status: runner.Status(ctx)}
	if !result.Configured {
		result.ErrorCode = sshexec.CodeNotConfigured
		result.Error = sshexec.ErrNotConfigured.Error()
		return result, nil
	}

	latency, err := d.probe(ctx)
	if err != nil {
		result.ErrorCode = sshexec.CodeOf(err)
		result.Error = err.Error()
		return result, nil
	}
	result.Reachable = true
	result.LatencyMs = latency
	return result, nil
}

func (d *Dispatcher) sshTest(ctx context.Context, ac *ActionContext) (any, error) {
	latency, err := d.probe(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true, "latency_ms": latency}, nil
}

func vmConfigPath(ac *ActionContext, vmid int) (string, error) {
	if ac.Node == "" {
		return fmt.Sprintf("/etc/pve/qemu-server/%d.conf", vmid), nil
	}
	node, err := ac.requireNode()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/etc/pve/nodes/%s/qemu-server/%d.conf", node, vmid), nil
}

func (d *Dispatcher) sshReadConfig(ctx context.Context, ac *ActionContext) (any, error) {
	vmid, err := ac.requireVMID()
	if err != nil {
		return nil, err
	}
	path, err := vmConfigPath(ac, vmid)
	if err != nil {
		return nil, err
	}
	res, err := d.runSSH(ctx, sshexec.Command{Command: "cat " + shellQuote(path), Timeout: sshConfigTimeout}, "CONFIG_READ_FAILED")
	if err != nil {
		return nil, err
	}
	return VMConfigFile{VMID: vmid, Path: path, Content: res.Stdout, Bytes: len(res.Stdout)}, nil
}

func (d *Dispatcher) sshWriteConfig(ctx context.Context, ac *ActionContext) (any, error) {
	vmid, err := ac.requireVMID()
	if err != nil {
		return nil, err
	}
	content, ok := ac.Payload["content"].(string)
	if !ok || strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("ssh-write-config requires content")
	}

	marker, err := heredocMarker(content)
	if err != nil {
		return nil, err
	}
	path, err := vmConfigPath(ac, vmid)
	if err != nil {
		return nil, err
	}
	script := writeFileScript(path, content, marker)

	if _, err := d.runSSH(ctx, sshexec.Command{Command: script, Timeout: sshConfigTimeout}, "CONFIG_WRITE_FAILED"); err != nil {
		return nil, err
	}
	return VMConfigFile{VMID: vmid, Path: path, Bytes: len(content)}, nil
}

// writeFileScript replaces path atomically through a sibling temp file.
func writeFileScript(path, content, marker string) string {
	body := strings.TrimSuffix(content, "\n")
	tmp := path + ".pulse-tmp"
	var b strings.Builder
	b.WriteString("set -e\n")
	fmt.Fprintf(&b, "cat > %s <<'%s'\n", shellQuote(tmp), marker)
	b.WriteString(body)
	fmt.Fprintf(&b, "\n%s\n", marker)
	fmt.Fprintf(&b, "mv -f %s %s\n", shellQuote(tmp), shellQuote(path))
	return b.String()
}

// heredocMarker returns a terminator that does not occur in content.
func heredocMarker(content string) (string, error) {
	for i := 0; i < 8; i++ {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate heredoc marker: %w", err)
		}
		marker := heredocMarkerBase + strings.ToUpper(hex.EncodeToString(buf))
		if !strings.Contains(content, marker) {
			return marker, nil
		}
	}
	return "", fmt.Errorf("could not generate a heredoc marker absent from content")
}

func (d *Dispatcher) sshExec(ctx context.Context, ac *ActionContext) (any, error) {
	command := ac.String("command")
	if command == "" {
		return nil, fmt.Errorf("ssh-exec requires command")
	}
	allowUnsafe, _ := ac.Bool("allow_unsafe")

	runner, err := d.sshRunner()
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, sshexec.Command{
		Command:          command,
		Timeout:          clampMs(ac, "timeout_ms", sshExecDefault, time.Second, sshExecMax),
		EnforceAllowlist: true,
		AllowUnsafe:      allowUnsafe,
	})
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
