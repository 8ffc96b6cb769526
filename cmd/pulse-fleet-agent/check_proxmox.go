package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rcourtman/pulse-fleet-agent/internal/config"
	"github.com/rcourtman/pulse-fleet-agent/internal/metrics"
	"github.com/rcourtman/pulse-fleet-agent/internal/sshexec"
	"github.com/rcourtman/pulse-fleet-agent/pkg/proxmox"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const checkTimeout = 30 * time.Second

func newCheckProxmoxCmd(getenv func(string) string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-proxmox",
		Short: "Verify the configured Proxmox credentials and SSH access",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, logger, err := loadConfig(cmd, getenv)
			if err != nil {
				return err
			}
			skipSSH, _ := cmd.Flags().GetBool("skip-ssh")

			ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
			defer cancel()
			return checkProxmox(ctx, cfg, cmd.OutOrStdout(), !skipSSH, logger)
		},
	}
	cmd.Flags().Bool("skip-ssh", false, "only check the Proxmox API")
	return cmd
}

func checkProxmox(ctx context.Context, cfg *config.AgentConfig, out io.Writer, withSSH bool, logger zerolog.Logger) error {
	if !cfg.ProxmoxConfigured() {
		return fmt.Errorf("proxmox is not configured")
	}

	sessions := proxmox.NewSessionCache(proxmox.WithLoginObserver(metrics.RecordProxmoxLogin))
	defer sessions.Close()

	client, err := proxmox.NewClient(*cfg.Proxmox, sessions)
	if err != nil {
		return err
	}

	raw, err := client.Get(ctx, "/version", nil)
	if err != nil {
		return fmt.Errorf("proxmox API check failed: %w", err)
	}
	var version struct {
		Version string `json:"version"`
		Release string `json:"release"`
	}
	_ = json.Unmarshal(raw, &version)
	fmt.Fprintf(out, "Proxmox API: OK (%s, version %s)\n", client.Config().URL, version.Version)

	if node := client.Node(); node != "" {
		if _, err := client.Get(ctx, "/nodes/"+node+"/status", nil); err != nil {
			return fmt.Errorf("node %s check failed: %w", node, err)
		}
		fmt.Fprintf(out, "Node %s: OK\n", node)
	}

	if !withSSH {
		return nil
	}
	if !cfg.SSH.Configured() {
		fmt.Fprintln(out, "SSH: not configured")
		return nil
	}

	executor := sshexec.New(cfg.SSH, nil, logger)
	result, err := executor.Run(ctx, sshexec.Command{Command: "echo PULSE_SSH_OK", Timeout: 15 * time.Second})
	if err != nil {
		return fmt.Errorf("ssh check failed: %w", err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("ssh check failed: exit code %d: %s", result.ExitCode, result.Stderr)
	}
	fmt.Fprintf(out, "SSH: OK (%s)\n", executor.Status(ctx).Host)
	return nil
}
