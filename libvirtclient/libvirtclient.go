// SPDX-License-Identifier: LGPL-3.0-or-later

// Package libvirtclient wraps the virsh CLI for the handful of domain
// lifecycle operations the supervisor needs: define, start, graceful
// shutdown, destroy, undefine, and guest-agent command delivery. It
// shells out rather than linking libvirt via cgo, matching the
// teacher's own process-exec pattern for talking to libvirt.
package libvirtclient

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"vmsupervisor/logger"
	"vmsupervisor/vmerrors"
)

// Client issues virsh commands against one libvirt connection URI.
type Client struct {
	uri string
	log logger.Logger
}

func New(uri string, log logger.Logger) *Client {
	return &Client{uri: uri, log: log}
}

func (c *Client) virsh(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-c", c.uri}, args...)
	cmd := exec.CommandContext(ctx, "virsh", full...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("virsh %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return out.Bytes(), nil
}

// Connect probes the libvirt connection URI with a cheap read-only call,
// surfacing a dead socket or unreachable daemon before any domain verb
// is attempted.
func (c *Client) Connect(ctx context.Context) error {
	if _, err := c.virsh(ctx, "version"); err != nil {
		return vmerrors.NewLibvirtError("connect to %s: %v", c.uri, err)
	}
	return nil
}

// Define writes domainXML to a temp file and runs `virsh define` on it,
// returning the domain name libvirt assigned (the <name> element).
func (c *Client) Define(ctx context.Context, domainName, domainXML string) error {
	f, err := os.CreateTemp("", "vmsupervisor-domain-*.xml")
	if err != nil {
		return vmerrors.NewLibvirtError("create domain XML temp file: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(domainXML); err != nil {
		f.Close()
		return vmerrors.NewLibvirtError("write domain XML temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		return vmerrors.NewLibvirtError("close domain XML temp file: %v", err)
	}

	if _, err := c.virsh(ctx, "define", f.Name()); err != nil {
		return vmerrors.NewLibvirtError("define domain %s: %v", domainName, err)
	}
	c.log.Info("domain defined", "domain", domainName)
	return nil
}

// DomainExists reports whether a domain named domainName is already
// defined, regardless of its running state.
func (c *Client) DomainExists(ctx context.Context, domainName string) bool {
	_, err := c.virsh(ctx, "dominfo", domainName)
	return err == nil
}

// DumpXML returns the live (or inactive) domain XML, used to patch and
// re-define a domain after a start failure caused by a bad NIC backend.
func (c *Client) DumpXML(ctx context.Context, domainName string) (string, error) {
	out, err := c.virsh(ctx, "dumpxml", domainName)
	if err != nil {
		return "", vmerrors.NewLibvirtError("dumpxml %s: %v", domainName, err)
	}
	return string(out), nil
}

// Start runs `virsh start` on an already-defined, inactive domain.
func (c *Client) Start(ctx context.Context, domainName string) error {
	if _, err := c.virsh(ctx, "start", domainName); err != nil {
		return vmerrors.NewLibvirtError("start domain %s: %v", domainName, err)
	}
	c.log.Info("domain started", "domain", domainName)
	return nil
}

// IsActive reports whether the domain is currently running.
func (c *Client) IsActive(ctx context.Context, domainName string) (bool, error) {
	out, err := c.virsh(ctx, "domstate", domainName)
	if err != nil {
		return false, vmerrors.NewLibvirtError("domstate %s: %v", domainName, err)
	}
	state := strings.TrimSpace(string(out))
	return state == "running" || state == "paused", nil
}

// Shutdown requests a graceful ACPI shutdown. It does not wait for the
// guest to actually stop; callers poll IsActive.
func (c *Client) Shutdown(ctx context.Context, domainName string) error {
	if _, err := c.virsh(ctx, "shutdown", domainName); err != nil {
		return vmerrors.NewLibvirtError("shutdown domain %s: %v", domainName, err)
	}
	c.log.Info("graceful shutdown requested", "domain", domainName)
	return nil
}

// Destroy forcibly powers the domain off, equivalent to pulling the plug.
func (c *Client) Destroy(ctx context.Context, domainName string) error {
	if _, err := c.virsh(ctx, "destroy", domainName); err != nil {
		if strings.Contains(err.Error(), "domain is not running") {
			return nil
		}
		return vmerrors.NewLibvirtError("destroy domain %s: %v", domainName, err)
	}
	c.log.Info("domain destroyed", "domain", domainName)
	return nil
}

// Undefine removes the persistent domain definition. dropNVRAM also
// removes the per-domain UEFI variable store libvirt keeps when a
// loader/nvram pair was defined.
func (c *Client) Undefine(ctx context.Context, domainName string, dropNVRAM bool) error {
	args := []string{"undefine", domainName}
	if dropNVRAM {
		args = append(args, "--nvram")
	}
	if _, err := c.virsh(ctx, args...); err != nil {
		return vmerrors.NewLibvirtError("undefine domain %s: %v", domainName, err)
	}
	c.log.Info("domain undefined", "domain", domainName, "dropped_nvram", dropNVRAM)
	return nil
}

// QemuAgentCommand sends a raw QEMU guest agent JSON command and returns
// the raw JSON reply. timeout bounds the virsh call itself, not the
// guest's responsiveness.
func (c *Client) QemuAgentCommand(ctx context.Context, domainName, payload string, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := c.virsh(cctx, "qemu-agent-command", domainName, payload)
	if err != nil {
		return "", vmerrors.NewLibvirtError("qemu-agent-command on %s: %v", domainName, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// GuestPing is a 5s liveness probe used to decide whether the guest
// agent channel is ready for exec/status calls.
func (c *Client) GuestPing(ctx context.Context, domainName string) bool {
	_, err := c.QemuAgentCommand(ctx, domainName, `{"execute":"guest-ping"}`, 5*time.Second)
	return err == nil
}

// DomInfo reports the small subset of `virsh dominfo` fields the status
// endpoint exposes: state, cpu count, and memory in MiB.
type DomInfo struct {
	State    string
	CPUs     int
	MemoryMB int
}

func (c *Client) DomInfo(ctx context.Context, domainName string) (DomInfo, error) {
	out, err := c.virsh(ctx, "dominfo", domainName)
	if err != nil {
		return DomInfo{}, vmerrors.NewLibvirtError("dominfo %s: %v", domainName, err)
	}
	return parseDomInfo(string(out)), nil
}

func parseDomInfo(output string) DomInfo {
	var info DomInfo
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "State":
			info.State = value
		case "CPU(s)":
			if n, err := strconv.Atoi(value); err == nil {
				info.CPUs = n
			}
		case "Used memory":
			fields := strings.Fields(value)
			if len(fields) > 0 {
				if kb, err := strconv.Atoi(fields[0]); err == nil {
					info.MemoryMB = kb / 1024
				}
			}
		}
	}
	return info
}

// Autostart toggles libvirt's own boot-time autostart flag. The
// supervisor calls this only when persistence is enabled.
func (c *Client) Autostart(ctx context.Context, domainName string, enabled bool) error {
	args := []string{"autostart", domainName}
	if !enabled {
		args = append(args, "--disable")
	}
	if _, err := c.virsh(ctx, args...); err != nil {
		return vmerrors.NewLibvirtError("autostart %s: %v", domainName, err)
	}
	return nil
}

// EnsureStoragePool defines, builds, starts, and autostarts a dir-type
// storage pool if it doesn't already exist, mirroring the libvirt-python
// pool bring-up the teacher's services.py ran once per boot.
func (c *Client) EnsureStoragePool(ctx context.Context, name, targetPath string) error {
	if _, err := c.virsh(ctx, "pool-info", name); err == nil {
		return c.startAndAutostartPool(ctx, name)
	}

	poolXML := fmt.Sprintf("<pool type='dir'>\n  <name>%s</name>\n  <target>\n    <path>%s</path>\n  </target>\n</pool>\n", name, targetPath)
	f, err := os.CreateTemp("", "vmsupervisor-pool-*.xml")
	if err != nil {
		return vmerrors.NewLibvirtError("create pool XML temp file: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(poolXML); err != nil {
		f.Close()
		return vmerrors.NewLibvirtError("write pool XML temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		return vmerrors.NewLibvirtError("close pool XML temp file: %v", err)
	}

	if _, err := c.virsh(ctx, "pool-define", f.Name()); err != nil {
		return vmerrors.NewLibvirtError("define storage pool %s: %v", name, err)
	}
	if _, err := c.virsh(ctx, "pool-build", name); err != nil {
		c.log.Warn("storage pool build failed", "pool", name, "error", err)
	} else {
		c.log.Info("created libvirt storage pool", "pool", name, "path", targetPath)
	}
	return c.startAndAutostartPool(ctx, name)
}

func (c *Client) startAndAutostartPool(ctx context.Context, name string) error {
	if _, err := c.virsh(ctx, "pool-start", name); err != nil && !strings.Contains(err.Error(), "already active") {
		return vmerrors.NewLibvirtError("start storage pool %s: %v", name, err)
	}
	if _, err := c.virsh(ctx, "pool-autostart", name); err != nil {
		return vmerrors.NewLibvirtError("autostart storage pool %s: %v", name, err)
	}
	return nil
}
