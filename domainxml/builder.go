// SPDX-License-Identifier: LGPL-3.0-or-later

package domainxml

import (
	"encoding/xml"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"vmsupervisor/catalog"
	"vmsupervisor/config"
	"vmsupervisor/hostprobe"
	"vmsupervisor/vmerrors"
)

// BuildInput bundles a resolved VMConfig with the host facts gathered
// during image/firmware preparation that the domain XML needs but
// that config.Resolve has no business knowing about.
type BuildInput struct {
	Config              *config.VMConfig
	ArchProfile         catalog.ArchProfile
	KVMAvailable        bool
	EffectiveCPUModel   string
	WorkImagePath       string
	ExtraDiskPaths      map[int]string
	BlockDevicePaths    map[int]string
	SeedISOPath         string
	BootISOLocalPath    string
	FirmwareLoaderPath  string
	FirmwareVarsPath    string
}

// Build renders the complete libvirt domain XML for in, pretty-printed
// with two-space indentation and no XML declaration (matching the
// shape virsh define expects when handed a temp file).
func Build(in BuildInput) (string, error) {
	cfg := in.Config

	domainType := "qemu"
	if in.KVMAvailable {
		domainType = "kvm"
	}
	hostCPU := in.KVMAvailable && (strings.EqualFold(in.EffectiveCPUModel, "host") || strings.EqualFold(in.EffectiveCPUModel, "host-passthrough"))

	machineType := in.ArchProfile.Machine
	if cfg.Arch == "x86_64" {
		machineType = cfg.MachineType
	}

	bootPriority := make(map[string]int, len(cfg.BootOrder))
	for i, dev := range cfg.BootOrder {
		bootPriority[dev] = i + 1
	}

	d := domain{
		Type:   domainType,
		Name:   cfg.VMName,
		Memory: memory{Unit: "MiB", Value: cfg.MemoryMB},
		VCPU:   vcpu{Placement: "static", Value: cfg.CPUs},
	}
	if cfg.IOThread {
		d.IOThreads = &textValue{Value: "1"}
	}

	d.OS = osElement{Type: osType{Arch: cfg.Arch, Machine: machineType, Value: "hvm"}}
	needFirmware := (cfg.Arch == "x86_64" && cfg.BootMode != "legacy") || (cfg.Arch != "x86_64" && in.ArchProfile.Firmware != nil)
	if needFirmware {
		if in.FirmwareLoaderPath == "" || in.FirmwareVarsPath == "" {
			return "", vmerrors.NewOperationalError("firmware assets not prepared for architecture %s", cfg.Arch)
		}
		secure := "no"
		if cfg.BootMode == "secure" {
			secure = "yes"
		}
		d.OS.Loader = &loader{Readonly: "yes", Secure: secure, Type: "pflash", Value: in.FirmwareLoaderPath}
		d.OS.NVRam = &textValue{Value: in.FirmwareVarsPath}
	}

	if len(in.ArchProfile.Features) > 0 || cfg.HyperVEnabled {
		f := &features{bareTags: append([]string(nil), in.ArchProfile.Features...)}
		if cfg.HyperVEnabled {
			f.HyperV = buildHyperV()
		}
		d.Features = f
	}

	if cfg.HyperVEnabled {
		d.Clock = &clock{Offset: "localtime", Timers: []clockTimer{{Name: "hypervclock", Present: "yes"}}}
	}

	for _, fs := range cfg.Filesystems {
		if fs.Driver == "virtiofs" {
			d.MemoryBacking = &memoryBacking{Source: memBackingSource{Type: "memfd"}, Access: memBackingAccess{Mode: "shared"}}
			break
		}
	}

	if hostCPU {
		d.CPU = cpuElement{Mode: "host-passthrough"}
	} else {
		d.CPU = cpuElement{Mode: "custom", Match: "exact", Model: &cpuModel{Fallback: "allow", Value: in.EffectiveCPUModel}}
	}

	dv, err := buildDevices(in, bootPriority)
	if err != nil {
		return "", err
	}
	d.Devices = dv

	qemuArgs := buildQEMUArgs(cfg)
	if len(qemuArgs) > 0 {
		d.XMLNSQemu = qemuNamespace
		args := make([]qemuArg, len(qemuArgs))
		for i, a := range qemuArgs {
			args[i] = qemuArg{Value: a}
		}
		d.QEMUCmdline = &qemuCommandline{Args: args}
	}

	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", vmerrors.NewOperationalError("cannot render domain XML: %v", err)
	}
	return string(out) + "\n", nil
}

func buildHyperV() *hyperv {
	h := &hyperv{
		Mode:        "passthrough",
		Relaxed:     &featureState{State: "on"},
		VAPIC:       &featureState{State: "on"},
		Spinlocks:   &spinlocks{State: "on", Retries: 8191},
		VPIndex:     &featureState{State: "on"},
		Runtime:     &featureState{State: "on"},
		Synic:       &featureState{State: "on"},
		STimer:      &featureState{State: "on"},
		Frequencies: &featureState{State: "on"},
	}

	vendor := hostprobe.CPUVendor()
	flags := hostprobe.CPUFlags()
	switch vendor {
	case "amd":
		h.EVMCS = &featureState{State: "off"}
		if !hostprobe.HasCPUFlag(flags, "avic") {
			h.AVIC = &featureState{State: "off"}
		}
	case "intel":
		if !hostprobe.HasCPUFlag(flags, "apicv") {
			h.APICv = &featureState{State: "off"}
		}
		h.EVMCS = &featureState{State: "off"}
	}
	return h
}

func buildDevices(in BuildInput, bootPriority map[string]int) (deviceList, error) {
	cfg := in.Config
	var dv deviceList

	bus, devPrefix, ok := config.DiskControllerBus(cfg.DiskController)
	if !ok {
		return dv, vmerrors.NewConfigError("unsupported DISK_CONTROLLER %q", cfg.DiskController)
	}
	if cfg.DiskController == "scsi" {
		dv.Controllers = append(dv.Controllers, controller{Type: "scsi", Model: "virtio-scsi-pci"})
	}

	effectiveIO := cfg.DiskIO
	effectiveCache := cfg.DiskCache
	fsType := strings.ToLower(hostprobe.DetectFilesystem(workDir(in.WorkImagePath)))
	if effectiveIO != "threads" && (strings.Contains(fsType, "ecryptfs") || strings.Contains(fsType, "tmpfs")) {
		effectiveIO = "threads"
		effectiveCache = "writeback"
	}

	primaryDriver := diskDriver{Name: "qemu", Type: cfg.ImageFormat, Cache: effectiveCache, IO: effectiveIO}
	if cfg.IOThread && bus == "virtio" {
		primaryDriver.IOThread = "1"
	}
	primary := disk{
		Type:   "file",
		Device: "disk",
		Driver: primaryDriver,
		Source: diskSource{File: in.WorkImagePath},
		Target: diskTarget{Dev: devPrefix + "a", Bus: bus},
	}
	if order, ok := bootPriority["hd"]; ok {
		primary.Boot = &bootOrder{Order: order}
	}
	dv.Disks = append(dv.Disks, primary)

	for _, extra := range cfg.ExtraDisks {
		path := in.ExtraDiskPaths[extra.Index]
		driver := diskDriver{Name: "qemu", Type: cfg.ImageFormat, Cache: effectiveCache, IO: effectiveIO}
		if cfg.IOThread && bus == "virtio" {
			driver.IOThread = "1"
		}
		letter := string(rune('a' + extra.Index - 1))
		dv.Disks = append(dv.Disks, disk{
			Type:   "file",
			Device: "disk",
			Driver: driver,
			Source: diskSource{File: path},
			Target: diskTarget{Dev: devPrefix + letter, Bus: bus},
		})
	}

	for _, blk := range cfg.BlockDevices {
		offset := len(cfg.ExtraDisks) + blk.Index
		letter := string(rune('a' + offset))
		d := disk{
			Type:   "block",
			Device: "disk",
			Driver: diskDriver{Name: "qemu", Type: "raw", Cache: "none"},
			Source: diskSource{Dev: blk.Path},
			Target: diskTarget{Dev: devPrefix + letter, Bus: bus},
		}
		if size := sectorSize(blk.Path); size != "" && size != "512" {
			d.BlockIO = &blockIO{LogicalBlockSize: size, PhysicalBlockSize: size}
		}
		dv.Disks = append(dv.Disks, d)
	}

	if in.SeedISOPath != "" {
		dv.Disks = append(dv.Disks, disk{
			Type:     "file",
			Device:   "cdrom",
			Driver:   diskDriver{Name: "qemu", Type: "raw"},
			Source:   diskSource{File: in.SeedISOPath},
			Target:   diskTarget{Dev: "sda", Bus: "sata"},
			ReadOnly: &empty{},
		})
	}

	if in.BootISOLocalPath != "" {
		bootDisk := disk{
			Type:     "file",
			Device:   "cdrom",
			Driver:   diskDriver{Name: "qemu", Type: "raw"},
			Source:   diskSource{File: in.BootISOLocalPath},
			Target:   diskTarget{Dev: "sdb", Bus: "sata"},
			ReadOnly: &empty{},
		}
		if order, ok := bootPriority["cdrom"]; ok {
			bootDisk.Boot = &bootOrder{Order: order}
		}
		dv.Disks = append(dv.Disks, bootDisk)
	}

	networkOrder, hasNetworkBoot := bootPriority["network"]
	for idx, nic := range cfg.Nics {
		var order *int
		if nic.Boot && hasNetworkBoot {
			order = &networkOrder
		}
		var sshPort *int
		var portForwards []config.PortForward
		if idx == 0 && nic.Mode == "user" {
			sshPort = &cfg.SSHPort
			portForwards = cfg.PortForwards
		}
		romFile := ""
		if nic.Boot {
			romFile = cfg.IPXEROMPath
		}
		iface := renderInterface(nic, order, romFile, sshPort, portForwards)
		dv.Interfaces = append(dv.Interfaces, iface)
	}

	for _, fs := range cfg.Filesystems {
		driverType := "path"
		if fs.Driver == "virtiofs" {
			driverType = "virtiofs"
		}
		fsEl := filesystem{
			Type:       "mount",
			AccessMode: fs.AccessMode,
			Driver:     fsDriver{Type: driverType},
			Source:     fsDir{Dir: fs.Source},
			Target:     fsDir{Dir: fs.Target},
		}
		if fs.Driver == "virtiofs" {
			fsEl.Binary = &fsBinary{Path: "/usr/lib/qemu/virtiofsd"}
		}
		if fs.ReadOnly {
			fsEl.ReadOnly = &empty{}
		}
		dv.Filesystems = append(dv.Filesystems, fsEl)
	}

	if cfg.USBController {
		dv.Controllers = append(dv.Controllers, controller{Type: "usb", Model: "qemu-xhci"})
		dv.Inputs = append(dv.Inputs, input{Type: "tablet", Bus: "usb"})
	}

	if cfg.TPMEnabled {
		dv.TPM = &tpm{Model: "tpm-crb", Backend: tpmBackend{Type: "emulator", Version: "2.0"}}
	}

	if cfg.BalloonEnabled {
		dv.MemBalloon = &memballoon{Model: "virtio"}
	}

	if cfg.RNGEnabled {
		dv.RNG = &rngDevice{Model: "virtio", Backend: rngBackend{Model: "random", Value: "/dev/urandom"}}
	}

	dv.Channels = append(dv.Channels, channelDevice{
		Type:   "unix",
		Target: channelTarget{Type: "virtio", Name: "org.qemu.guest_agent.0"},
	})
	dv.Serials = append(dv.Serials, serial{Type: "pty", Target: serialTarget{Port: "0"}})
	dv.Consoles = append(dv.Consoles, console{Type: "pty", Target: consoleTarget{Type: "virtio", Port: "0"}})

	if cfg.GraphicsType != "" && cfg.GraphicsType != "none" {
		gfx := graphics{Type: cfg.GraphicsType, Listen: "0.0.0.0"}
		if cfg.GraphicsType == "vnc" {
			gfx.Port = strconv.Itoa(cfg.VNCPort)
			gfx.AutoPort = "no"
		} else {
			gfx.AutoPort = "yes"
		}
		if cfg.VNCKeymap != "" {
			gfx.Keymap = cfg.VNCKeymap
		}
		dv.Graphics = &gfx

		vid := video{Model: videoModel{Type: "virtio", Heads: "1", Primary: "yes"}}
		if cfg.GPUPassthrough != "intel" {
			vid.Model.Resolution = &videoResolution{X: "1920", Y: "1080"}
		}
		dv.Videos = append(dv.Videos, vid)

		dv.Channels = append(dv.Channels, channelDevice{
			Type: "qemu-vdagent",
			Source: &channelSource{
				Clipboard: &clipboardElement{CopyPaste: "yes"},
				Mouse:     &mouseElement{Mode: "client"},
			},
			Target: channelTarget{Type: "virtio", Name: "com.redhat.spice.0"},
		})
	}

	return dv, nil
}

func buildQEMUArgs(cfg *config.VMConfig) []string {
	var args []string
	if cfg.ExtraArgs != "" {
		args = append(args, strings.Fields(cfg.ExtraArgs)...)
	}
	if cfg.GPUPassthrough == "intel" {
		if _, err := os.Stat("/dev/dri/renderD128"); err == nil {
			args = append(args, "-display", "egl-headless")
			args = append(args, "-device", "virtio-vga-gl,rendernode=/dev/dri/renderD128")
		}
	}
	if cfg.HyperVEnabled {
		args = append(args, "-global", "ICH9-LPC.disable_s3=1")
		args = append(args, "-global", "ICH9-LPC.disable_s4=1")
	}
	return args
}

// sectorSize shells out to blockdev --getss to read a block device's
// logical sector size; a non-512 result must be reflected in the
// disk's <blockio> element or the guest sees corrupted I/O.
func sectorSize(path string) string {
	out, err := exec.Command("blockdev", "--getss", path).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func workDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}
