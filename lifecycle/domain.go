// SPDX-License-Identifier: LGPL-3.0-or-later

package lifecycle

import (
	"context"
	"strings"

	"vmsupervisor/domainxml"
	"vmsupervisor/vmerrors"
)

const passtBackendElement = `<backend type="passt"/>`

// defineDomain looks the domain up by name first; an already-defined
// domain (e.g. a prior run that crashed before cleanup) is adopted
// verbatim rather than redefined, matching the install-over-existing
// behavior the disk-prep smart-skip already assumes.
func (c *Controller) defineDomain(ctx context.Context) error {
	if c.virsh.DomainExists(ctx, c.cfg.VMName) {
		c.log.Info("domain already defined; adopting", "domain", c.cfg.VMName)
		c.domainDefined = true
		return nil
	}

	xml, err := c.renderDomainXML()
	if err != nil {
		return err
	}
	if err := c.virsh.Define(ctx, c.cfg.VMName, xml); err != nil {
		return err
	}
	c.domainXML = xml
	c.domainDefined = true
	return nil
}

func (c *Controller) renderDomainXML() (string, error) {
	return domainxml.Build(domainxml.BuildInput{
		Config:             c.cfg,
		ArchProfile:        c.archProfile,
		KVMAvailable:       c.kvmAvailable,
		EffectiveCPUModel:  c.effectiveCPUModel,
		WorkImagePath:      c.workImagePath,
		ExtraDiskPaths:     c.extraDiskPaths,
		BlockDevicePaths:   c.blockDevicePaths,
		SeedISOPath:        c.seedISOPath,
		BootISOLocalPath:   c.bootISOLocalPath,
		FirmwareLoaderPath: c.firmwareLoaderPath,
		FirmwareVarsPath:   c.firmwareVarsPath,
	})
}

// Start creates the domain if it isn't already active. A start
// failure whose message names a cgroup problem is reported with a
// remediation hint; a failure naming the passt network backend
// triggers one redefine-without-passt retry before giving up.
func (c *Controller) Start(ctx context.Context) error {
	active, err := c.virsh.IsActive(ctx, c.cfg.VMName)
	if err != nil {
		return err
	}
	if active {
		c.log.Info("domain already running", "domain", c.cfg.VMName)
		c.setState(StateRunning)
		return c.afterStart(ctx)
	}

	if err := c.virsh.Start(ctx, c.cfg.VMName); err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "cgroup") {
			return vmerrors.NewLibvirtError("%v\n  Run the container with --cgroupns=host to fix this", err)
		}
		if strings.Contains(msg, "passt") || strings.Contains(msg, "backend") {
			c.log.Warn("network backend failed; attempting slirp fallback", "error", err)
			if fbErr := c.tryNetworkFallback(ctx); fbErr == nil {
				c.log.Success("domain started with slirp fallback", "domain", c.cfg.VMName)
				c.setState(StateRunning)
				return c.afterStart(ctx)
			}
		}
		return vmerrors.NewLibvirtError("failed to start domain %s: %v", c.cfg.VMName, err)
	}

	c.log.Success("domain started", "domain", c.cfg.VMName)
	c.setState(StateRunning)
	return c.afterStart(ctx)
}

func (c *Controller) afterStart(ctx context.Context) error {
	if c.cfg.NoVNCEnabled {
		if err := c.sup.StartNoVNC(); err != nil {
			return err
		}
	}
	return nil
}

// tryNetworkFallback strips the passt backend element out of the
// domain's current XML, undefines and redefines it, then retries
// start once (the FALLBACK_REDEFINE edge).
func (c *Controller) tryNetworkFallback(ctx context.Context) error {
	xml, err := c.virsh.DumpXML(ctx, c.cfg.VMName)
	if err != nil {
		return err
	}
	if !strings.Contains(xml, passtBackendElement) {
		return vmerrors.NewLibvirtError("no passt backend found to remove from domain XML")
	}
	patched := strings.ReplaceAll(xml, passtBackendElement, "")

	if err := c.virsh.Undefine(ctx, c.cfg.VMName, c.usedFirmware); err != nil {
		c.log.Warn("undefine before fallback redefine failed", "error", err)
	}
	if err := c.virsh.Define(ctx, c.cfg.VMName, patched); err != nil {
		return err
	}
	c.domainXML = patched
	return c.virsh.Start(ctx, c.cfg.VMName)
}
