// SPDX-License-Identifier: LGPL-3.0-or-later

package lifecycle

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Cleanup tears the domain down: destroy if active, undefine
// (dropping NVRAM if firmware was used), sweep for orphaned qemu
// processes, and — when persistence is off — remove the VM directory.
// Idempotent and best-effort: a dead libvirt connection degrades each
// step to a log line rather than a hard failure, since the container
// is exiting either way.
func (c *Controller) Cleanup(ctx context.Context) {
	active, err := c.virsh.IsActive(ctx, c.cfg.VMName)
	if err == nil && active {
		c.log.Info("shutting down domain", "domain", c.cfg.VMName)
		if err := c.virsh.Destroy(ctx, c.cfg.VMName); err != nil {
			c.log.Debug("could not destroy domain (libvirt connection lost)", "domain", c.cfg.VMName)
		}
	}

	if c.domainDefined {
		if err := c.virsh.Undefine(ctx, c.cfg.VMName, c.usedFirmware); err != nil {
			c.log.Debug("could not undefine domain (libvirt connection lost)", "domain", c.cfg.VMName)
		}
	}

	killRemainingQemu(c.log)

	if !c.cfg.Persist {
		vmDir := c.paths.VMDir(c.cfg.VMName)
		if fileExists(vmDir) {
			if err := os.RemoveAll(vmDir); err != nil {
				c.log.Warn("failed to remove vm directory", "path", vmDir, "error", err)
			}
		}
	}

	c.setState(StateCleaned)
}

// killRemainingQemu is the orphan-process safety net: any qemu-system
// process still alive after undefine means libvirt lost track of it,
// most likely from an unclean prior shutdown.
func killRemainingQemu(log interface{ Warn(string, ...interface{}) }) {
	out, err := exec.Command("pgrep", "-f", "qemu-system").Output()
	if err != nil {
		return
	}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		log.Warn("killing orphaned qemu process", "pid", pid)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
