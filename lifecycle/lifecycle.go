// SPDX-License-Identifier: LGPL-3.0-or-later

// Package lifecycle drives one VM through its full life: connect to
// libvirt, prepare every on-disk and in-memory asset a domain needs,
// define and start it, wait for the guest to come up (and, later, to
// stop), and tear everything back down. It is the single place that
// sequences every other package — image, cloudinit, domainxml,
// libvirtclient, supervisor — into the run the container performs.
package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"vmsupervisor/catalog"
	"vmsupervisor/cloudinit"
	"vmsupervisor/config"
	"vmsupervisor/hostprobe"
	"vmsupervisor/image"
	"vmsupervisor/libvirtclient"
	"vmsupervisor/logger"
	"vmsupervisor/paths"
	"vmsupervisor/supervisor"
	"vmsupervisor/vmerrors"
)

// State is a position in the controller's state machine.
type State int

const (
	StateIdle State = iota
	StateConnected
	StatePrepared
	StateRunning
	StateStopped
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateCleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// Controller sequences one VM through connect -> prepare -> start ->
// wait -> cleanup. Not safe for concurrent use by design: the engine
// is single-threaded cooperative, per the model one Controller drives.
type Controller struct {
	cfg         *config.VMConfig
	archProfile catalog.ArchProfile
	paths       paths.Paths
	log         logger.Logger

	virsh     *libvirtclient.Client
	sup       *supervisor.Supervisor
	preparer  *image.Preparer
	cloudInit *cloudinit.Builder

	mu    sync.Mutex
	state State

	kvmAvailable      bool
	effectiveCPUModel string

	firmwareLoaderPath string
	firmwareVarsPath   string
	seedISOPath        string
	bootISOLocalPath   string
	workImagePath      string
	extraDiskPaths     map[int]string
	blockDevicePaths   map[int]string

	domainXML     string
	domainDefined bool
	usedFirmware  bool
}

// New builds a Controller for one run. virsh and sup are constructed
// by the caller (cmd/vmsupervisor) since both need process-wide
// lifetimes the controller itself doesn't own.
func New(cfg *config.VMConfig, archProfile catalog.ArchProfile, p paths.Paths, log logger.Logger, virsh *libvirtclient.Client, sup *supervisor.Supervisor) *Controller {
	return &Controller{
		cfg:         cfg,
		archProfile: archProfile,
		paths:       p,
		log:         log,
		virsh:       virsh,
		sup:         sup,
		preparer:    image.NewPreparer(cfg, p, log),
		cloudInit:   cloudinit.NewBuilder(log),
		state:       StateIdle,
	}
}

// State reports the controller's current position in the state machine.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// DomainXML returns the rendered domain XML, available once Prepare
// has completed. Used by --show-xml.
func (c *Controller) DomainXML() string {
	return c.domainXML
}

// MarkInstalled writes the install-complete sentinel for this VM. The
// caller invokes this only on a clean exit with persistence enabled,
// so a later run knows to drop any installer ISO still configured.
func (c *Controller) MarkInstalled() error {
	return c.preparer.MarkInstalled()
}

// Connect probes the libvirt connection URI. A dead socket fails here
// rather than at the first define/start call.
func (c *Controller) Connect(ctx context.Context) error {
	if err := c.virsh.Connect(ctx); err != nil {
		return err
	}
	c.setState(StateConnected)
	return nil
}

// Prepare runs every step that must happen before a domain exists:
// host-probe gating, boot-source resolution, disk and firmware
// preparation, TPM start, cloud-init seed generation, and domain
// definition (or adoption of an already-defined domain of the same
// name).
func (c *Controller) Prepare(ctx context.Context) error {
	if err := c.gateOnHostCapabilities(); err != nil {
		return err
	}

	result, err := c.preparer.Prepare(ctx)
	if err != nil {
		return err
	}
	c.workImagePath = result.WorkImagePath
	c.bootISOLocalPath = result.BootISOPath
	c.extraDiskPaths = indexExtraDisks(c.cfg, result.ExtraDisks)
	c.blockDevicePaths = indexBlockDevices(c.cfg)

	if err := c.prepareFirmware(); err != nil {
		return err
	}

	tpmSock, err := c.sup.StartTPM(c.cfg.TPMEnabled, c.cfg.VMName)
	if err != nil {
		return err
	}
	if tpmSock != "" {
		c.log.Info("tpm emulator ready", "socket", tpmSock)
	}

	if c.cfg.CloudInitEnabled {
		c.seedISOPath = filepath.Join(c.paths.VMDir(c.cfg.VMName), "seed.iso")
		if err := os.MkdirAll(c.paths.VMDir(c.cfg.VMName), 0o755); err != nil {
			return vmerrors.NewOperationalError("create vm dir: %v", err)
		}
		if err := c.cloudInit.Build(ctx, c.cfg, c.seedISOPath); err != nil {
			return err
		}
	}

	if err := c.defineDomain(ctx); err != nil {
		return err
	}

	c.setState(StatePrepared)
	return nil
}

// gateOnHostCapabilities implements the host-probe branch of prepare:
// hard-fail when REQUIRE_KVM is set and KVM is absent, otherwise
// silently substitute the architecture's TCG fallback CPU model when
// the requested model is "host" but KVM isn't available.
func (c *Controller) gateOnHostCapabilities() error {
	c.kvmAvailable = hostprobe.KVMAvailable()
	if !c.kvmAvailable {
		if c.cfg.RequireKVM {
			return vmerrors.NewResourceError("REQUIRE_KVM is set but /dev/kvm is not available")
		}
		c.log.Warn("KVM not available; running under software emulation (TCG)")
	}

	model := resolveEffectiveCPUModel(c.cfg.CPUModel, c.kvmAvailable, c.archProfile.TCGFallback)
	if model != c.cfg.CPUModel {
		c.log.Warn("CPU_MODEL=host requires KVM; falling back", "model", model)
	}
	c.effectiveCPUModel = model
	return nil
}

// resolveEffectiveCPUModel substitutes the architecture's TCG fallback
// model when the requested model needs hardware virtualization that
// isn't available, and passes every other request through unchanged.
func resolveEffectiveCPUModel(requested string, kvmAvailable bool, tcgFallback string) string {
	if !kvmAvailable && (strings.EqualFold(requested, "host") || strings.EqualFold(requested, "host-passthrough")) {
		return tcgFallback
	}
	return requested
}

func indexExtraDisks(cfg *config.VMConfig, paths []string) map[int]string {
	m := make(map[int]string, len(cfg.ExtraDisks))
	for i, d := range cfg.ExtraDisks {
		if i < len(paths) {
			m[d.Index] = paths[i]
		}
	}
	return m
}

func indexBlockDevices(cfg *config.VMConfig) map[int]string {
	m := make(map[int]string, len(cfg.BlockDevices))
	for _, b := range cfg.BlockDevices {
		m[b.Index] = b.Path
	}
	return m
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
