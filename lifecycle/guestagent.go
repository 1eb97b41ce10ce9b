// SPDX-License-Identifier: LGPL-3.0-or-later

package lifecycle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

const (
	guestAgentPollInterval = 3 * time.Second
	guestAgentTimeout      = 120 * time.Second

	cloudInitPollInterval = 5 * time.Second
	cloudInitTimeout      = 300 * time.Second
	cloudInitFailureLimit = 30
)

// WaitForGuestReady polls guest-ping until the QEMU guest agent
// responds, then — if cloud-init is enabled — polls guest-exec'd
// `cloud-init status` until it reports done, error, or disabled.
// Guest-agent timeout is non-fatal: the VM may still be booting.
func (c *Controller) WaitForGuestReady(ctx context.Context) error {
	c.waitForGuestAgent(ctx, guestAgentTimeout, guestAgentPollInterval)

	if !c.cfg.CloudInitEnabled {
		return nil
	}
	c.waitForCloudInit(ctx)
	return nil
}

func (c *Controller) waitForGuestAgent(ctx context.Context, timeout, interval time.Duration) bool {
	c.log.Info("waiting for guest agent to become ready")
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.virsh.GuestPing(ctx, c.cfg.VMName) {
			c.log.Success("guest agent is ready")
			return true
		}
		time.Sleep(interval)
	}
	c.log.Warn("guest agent did not respond within timeout; VM may still be booting", "timeout", timeout)
	return false
}

func (c *Controller) waitForCloudInit(ctx context.Context) bool {
	c.log.Info("waiting for cloud-init to finish")
	start := time.Now()
	deadline := start.Add(cloudInitTimeout)
	failures := 0

	for time.Now().Before(deadline) {
		_, stdout, err := c.guestExec(ctx, "cloud-init", []string{"status"})
		if err != nil {
			failures++
			if failures >= cloudInitFailureLimit {
				c.log.Warn("could not query cloud-init status; skipping wait")
				return true
			}
			time.Sleep(cloudInitPollInterval)
			continue
		}
		failures = 0
		lower := strings.ToLower(stdout)
		switch {
		case strings.Contains(lower, "done"):
			c.log.Success("cloud-init complete", "elapsed", time.Since(start).Round(time.Second))
			return true
		case strings.Contains(lower, "error"):
			c.log.Warn("cloud-init finished with errors", "elapsed", time.Since(start).Round(time.Second))
			return true
		case strings.Contains(lower, "disabled"):
			c.log.Info("cloud-init is disabled in the guest")
			return true
		}
		time.Sleep(cloudInitPollInterval)
	}
	c.log.Warn("cloud-init did not finish within timeout; may still be running", "timeout", cloudInitTimeout)
	return true
}

type guestExecResult struct {
	Return struct {
		PID      int    `json:"pid"`
		Exited   bool   `json:"exited"`
		ExitCode int    `json:"exitcode"`
		OutData  string `json:"out-data"`
	} `json:"return"`
}

// guestExec runs command with args inside the guest via the QEMU
// guest agent's guest-exec/guest-exec-status verbs, polling every
// 500ms for up to 30s for completion, and returns its exit code and
// decoded stdout.
func (c *Controller) guestExec(ctx context.Context, command string, args []string) (int, string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"execute": "guest-exec",
		"arguments": map[string]interface{}{
			"path":           command,
			"arg":            args,
			"capture-output": true,
		},
	})
	if err != nil {
		return 0, "", err
	}

	out, err := c.virsh.QemuAgentCommand(ctx, c.cfg.VMName, string(payload), 10*time.Second)
	if err != nil {
		return 0, "", err
	}
	var started guestExecResult
	if err := json.Unmarshal([]byte(out), &started); err != nil {
		return 0, "", err
	}
	pid := started.Return.PID

	statusPayload, err := json.Marshal(map[string]interface{}{
		"execute":   "guest-exec-status",
		"arguments": map[string]interface{}{"pid": pid},
	})
	if err != nil {
		return 0, "", err
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		statusOut, err := c.virsh.QemuAgentCommand(ctx, c.cfg.VMName, string(statusPayload), 10*time.Second)
		if err != nil {
			return 0, "", err
		}
		var status guestExecResult
		if err := json.Unmarshal([]byte(statusOut), &status); err != nil {
			return 0, "", err
		}
		if status.Return.Exited {
			stdout, decodeErr := base64.StdEncoding.DecodeString(status.Return.OutData)
			if decodeErr != nil {
				return status.Return.ExitCode, "", decodeErr
			}
			return status.Return.ExitCode, string(stdout), nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return 0, "", errGuestExecTimeout
}

var errGuestExecTimeout = &guestExecTimeoutError{}

type guestExecTimeoutError struct{}

func (e *guestExecTimeoutError) Error() string { return "guest-exec timed out waiting for completion" }
