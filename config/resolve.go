// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"strings"

	"vmsupervisor/catalog"
	"vmsupervisor/logger"
	"vmsupervisor/paths"
	"vmsupervisor/vmerrors"
)

var validBootDevices = map[string]bool{"hd": true, "cdrom": true, "network": true}
var validBootModes = map[string]bool{"legacy": true, "uefi": true, "secure": true}
var validGPUPassthrough = map[string]bool{"off": true, "intel": true}

// Resolve reads the ~80 recognized environment variables, validates
// and cross-checks them against cat and p, and produces an immutable
// VMConfig. Any violation aborts with a ConfigError; no partial
// VMConfig is ever returned.
func Resolve(cat *catalog.Catalog, p paths.Paths, log logger.Logger) (*VMConfig, error) {
	distro := getEnv("DISTRO", "ubuntu-2404")
	distroInfo, err := cat.Lookup(distro)
	if err != nil {
		return nil, err
	}

	memoryMB, err := parseIntEnv("MEMORY", "4096", 1, 0)
	if err != nil {
		return nil, err
	}
	cpus, err := parseIntEnv("CPUS", "2", 1, 0)
	if err != nil {
		return nil, err
	}
	diskSize, err := validateDiskSize(strings.TrimSpace(getEnv("DISK_SIZE", "20G")))
	if err != nil {
		return nil, err
	}

	display := strings.ToLower(strings.TrimSpace(getEnv("GRAPHICS", "none")))
	if display == "" {
		display = "none"
	}
	novncEnabled := display == "novnc"
	graphicsType := display
	if novncEnabled {
		graphicsType = "vnc"
	}
	if graphicsType != "none" && graphicsType != "vnc" && graphicsType != "spice" {
		return nil, vmerrors.NewConfigError("unsupported GRAPHICS %q. Supported: none, vnc, spice, novnc", display)
	}

	vncPort, err := parseIntEnv("VNC_PORT", "5900", 1, 65535)
	if err != nil {
		return nil, err
	}
	vncKeymap := strings.TrimSpace(getEnv("VNC_KEYMAP", ""))
	novncPort, err := parseIntEnv("NOVNC_PORT", "6080", 1, 65535)
	if err != nil {
		return nil, err
	}
	if novncEnabled && graphicsType != "vnc" {
		return nil, vmerrors.NewConfigError("noVNC requires a VNC graphics backend")
	}

	bootFrom := strings.TrimSpace(getEnv("BOOT_FROM", ""))

	baseImageOverride := strings.TrimSpace(getEnv("BASE_IMAGE", ""))
	blankDiskExplicit := false
	if _, set := getEnvOptional("BLANK_DISK"); set {
		blankDiskExplicit = true
	}
	blankWorkDisk := getEnvBool("BLANK_DISK", false)
	if baseImageOverride != "" && strings.ToLower(baseImageOverride) == "blank" {
		blankWorkDisk = true
		baseImageOverride = ""
	}

	bootISO := strings.TrimSpace(getEnv("BOOT_ISO", ""))
	bootISOURL := strings.TrimSpace(getEnv("BOOT_ISO_URL", ""))
	if bootISO != "" && (strings.HasPrefix(bootISO, "http://") || strings.HasPrefix(bootISO, "https://")) {
		if bootISOURL != "" {
			return nil, vmerrors.NewConfigError("set only one of BOOT_ISO or BOOT_ISO_URL, not both")
		}
		bootISOURL = bootISO
		bootISO = ""
	}
	if bootISO != "" && bootISOURL != "" {
		return nil, vmerrors.NewConfigError("set only one of BOOT_ISO or BOOT_ISO_URL, not both")
	}
	isoRequested := bootISO != "" || bootISOURL != ""

	bootOrder, err := resolveBootOrder(isoRequested)
	if err != nil {
		return nil, err
	}
	if isoRequested && baseImageOverride == "" && !blankDiskExplicit {
		blankWorkDisk = true
	}

	cloudInitEnabled, cloudInitSet := getEnvOptional("CLOUD_INIT")
	var cloudInitFlag bool
	switch {
	case cloudInitSet:
		cloudInitFlag = truthy[strings.ToLower(strings.TrimSpace(cloudInitEnabled))]
	case isoRequested:
		cloudInitFlag = false
		log.Info("BOOT_ISO detected; auto-disabling cloud-init (set CLOUD_INIT=1 to override)")
	default:
		cloudInitFlag = true
	}

	cloudInitUserDataPath, err := resolveCloudInitUserData(strings.TrimSpace(getEnv("CLOUD_INIT_USER_DATA", "")), log)
	if err != nil {
		return nil, err
	}

	ipxeEnabled := getEnvBool("IPXE_ENABLE", false)
	ipxeROMOverride := strings.TrimSpace(getEnv("IPXE_ROM_PATH", ""))

	arch, archProfile, err := resolveArch(distroInfo, log)
	if err != nil {
		return nil, err
	}

	machineType := strings.TrimSpace(getEnv("MACHINE_TYPE", archProfile.Machine))
	bootMode := strings.ToLower(strings.TrimSpace(getEnv("BOOT_MODE", "legacy")))
	if !validBootModes[bootMode] {
		return nil, vmerrors.NewConfigError("unsupported BOOT_MODE %q. Supported: legacy, uefi, secure", bootMode)
	}

	cpuModel := getEnv("CPU_MODEL", "host")
	extraArgs := getEnv("EXTRA_ARGS", "")

	guestPassword, guestPasswordSet := getEnvOptional("GUEST_PASSWORD")
	if !guestPasswordSet {
		generated, err := generatePassword()
		if err != nil {
			return nil, vmerrors.NewResourceError("failed to generate GUEST_PASSWORD: %v", err)
		}
		guestPassword = generated
		log.Info("no GUEST_PASSWORD set; generated random password", "password", guestPassword)
	}

	sshPort, err := parseIntEnv("SSH_PORT", "2222", 1, 65535)
	if err != nil {
		return nil, err
	}

	vmName := deriveVMName(distro, isoRequested, log)

	nics, err := resolveNics(vmName)
	if err != nil {
		return nil, err
	}
	filesystems, err := resolveFilesystems()
	if err != nil {
		return nil, err
	}
	extraDisks, err := buildExtraDisks()
	if err != nil {
		return nil, err
	}
	blockDevices := buildBlockDevices()

	diskController := strings.ToLower(strings.TrimSpace(getEnv("DISK_CONTROLLER", "virtio")))
	if _, _, ok := DiskControllerBus(diskController); !ok {
		return nil, vmerrors.NewConfigError("unsupported DISK_CONTROLLER %q", diskController)
	}
	diskIO := strings.ToLower(strings.TrimSpace(getEnv("DISK_IO", "threads")))
	if !diskIOModes[diskIO] {
		return nil, vmerrors.NewConfigError("unsupported DISK_IO %q", diskIO)
	}
	diskCache := strings.ToLower(strings.TrimSpace(getEnv("DISK_CACHE", "writeback")))
	if !diskCacheModes[diskCache] {
		return nil, vmerrors.NewConfigError("unsupported DISK_CACHE %q", diskCache)
	}
	diskPreallocate := getEnvBool("DISK_PREALLOCATE", false)

	ipxeROMPath, bootOrder, err := resolveIPXE(ipxeEnabled, ipxeROMOverride, arch, nics, bootOrder, log)
	if err != nil {
		return nil, err
	}

	persistDefault := p.DataVolumeDetected
	_, persistSet := getEnvOptional("PERSIST")
	persist := getEnvBool("PERSIST", persistDefault)
	if p.DataVolumeDetected && !persistSet {
		log.Info("data volume detected; defaulting PERSIST=1 (override with PERSIST=0)")
	}
	forceISO := getEnvBool("FORCE_ISO", false)
	sshPubkey := getEnv("SSH_PUBKEY", "")

	redfishUser := getEnv("REDFISH_USERNAME", "admin")
	redfishPassword, redfishPasswordSet := getEnvOptional("REDFISH_PASSWORD")
	if !redfishPasswordSet {
		generated, err := generatePassword()
		if err != nil {
			return nil, vmerrors.NewResourceError("failed to generate REDFISH_PASSWORD: %v", err)
		}
		redfishPassword = generated
	}
	redfishPort, err := parseIntEnv("REDFISH_PORT", "8443", 1, 65535)
	if err != nil {
		return nil, err
	}
	redfishSystemID := getEnv("REDFISH_SYSTEM_ID", vmName)
	redfishEnabled := getEnvBool("REDFISH_ENABLE", false)

	tpmEnabled := getEnvBool("TPM", false)
	hypervEnabled := getEnvBool("HYPERV", false)
	usbController := getEnvBool("USB", false)
	rngEnabled := getEnvBool("RNG", false)
	balloonEnabled := getEnvBool("BALLOON", false)
	ioThread := getEnvBool("IO_THREAD", false)

	gpuPassthrough := strings.ToLower(strings.TrimSpace(getEnv("GPU", "off")))
	if !validGPUPassthrough[gpuPassthrough] {
		return nil, vmerrors.NewConfigError("unsupported GPU %q. Supported: off, intel", gpuPassthrough)
	}

	downloadRetries, err := parseIntEnv("DOWNLOAD_RETRIES", "3", 0, 10)
	if err != nil {
		return nil, err
	}

	portForwards, err := parsePortForwards(getEnv("PORT_FWD", ""))
	if err != nil {
		return nil, err
	}

	requireKVM := getEnvBool("REQUIRE_KVM", false)
	noConsole := getEnvBool("NO_CONSOLE", false)
	logVerbose := getEnvBool("LOG_VERBOSE", false)
	libvirtURI := getEnv("LIBVIRT_URI", "qemu:///system")

	distroName := distroInfo.DisplayName
	if isoRequested {
		distroName = "Custom ISO"
	}

	cfg := &VMConfig{
		Distro:                distro,
		DistroName:            distroName,
		VMName:                vmName,
		MemoryMB:              memoryMB,
		CPUs:                  cpus,
		DiskSize:              diskSize,
		Arch:                  arch,
		MachineType:           machineType,
		BootMode:              bootMode,
		CPUModel:              cpuModel,
		BootFrom:              bootFrom,
		BaseImagePath:         baseImageOverride,
		ImageURL:              distroInfo.ImageURL,
		ImageFormat:           distroInfo.EffectiveImageFormat(),
		BlankWorkDisk:         blankWorkDisk,
		BootISOPath:           bootISO,
		BootISOURL:            bootISOURL,
		BootOrder:             bootOrder,
		ForceISO:              forceISO,
		DownloadRetries:       downloadRetries,
		CloudInitEnabled:      cloudInitFlag,
		LoginUser:             distroInfo.LoginUser,
		Password:              guestPassword,
		SSHPubkey:             sshPubkey,
		CloudInitUserDataPath: cloudInitUserDataPath,
		Nics:                  nics,
		Filesystems:           filesystems,
		ExtraDisks:            extraDisks,
		BlockDevices:          blockDevices,
		PortForwards:          portForwards,
		Display:               display,
		GraphicsType:          graphicsType,
		NoVNCEnabled:          novncEnabled,
		VNCPort:               vncPort,
		NoVNCPort:             novncPort,
		VNCKeymap:             vncKeymap,
		RedfishEnabled:        redfishEnabled,
		RedfishUser:           redfishUser,
		RedfishPassword:       redfishPassword,
		RedfishPort:           redfishPort,
		RedfishSystemID:       redfishSystemID,
		TPMEnabled:            tpmEnabled,
		HyperVEnabled:         hypervEnabled,
		IOThread:              ioThread,
		BalloonEnabled:        balloonEnabled,
		RNGEnabled:            rngEnabled,
		USBController:         usbController,
		GPUPassthrough:        gpuPassthrough,
		DiskController:        diskController,
		DiskIO:                diskIO,
		DiskCache:             diskCache,
		DiskPreallocate:       diskPreallocate,
		IPXEEnabled:           ipxeEnabled,
		IPXEROMPath:           ipxeROMPath,
		Persist:               persist,
		SSHPort:               sshPort,
		RequireKVM:            requireKVM,
		NoConsole:             noConsole,
		LogVerbose:            logVerbose,
		LibvirtURI:            libvirtURI,
		ExtraArgs:             extraArgs,
	}

	if err := checkPortUniqueness(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func resolveBootOrder(isoRequested bool) ([]string, error) {
	raw := getEnv("BOOT_ORDER", "hd")
	var order []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if !validBootDevices[item] {
			return nil, vmerrors.NewConfigError("unknown BOOT_ORDER device %q. Supported: hd, cdrom, network", item)
		}
		order = append(order, item)
	}
	if len(order) == 0 {
		order = []string{"hd"}
	}
	if isoRequested && !contains(order, "cdrom") {
		order = append([]string{"cdrom"}, order...)
	}
	return order, nil
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

func resolveArch(distroInfo catalog.Distribution, log logger.Logger) (string, catalog.ArchProfile, error) {
	archEnv, archEnvSet := getEnvOptional("ARCH")
	var archCandidate string
	switch {
	case archEnvSet:
		archCandidate = strings.TrimSpace(archEnv)
		if archCandidate == "" {
			archCandidate = "x86_64"
		}
	case distroInfo.Arch != "":
		archCandidate = strings.TrimSpace(distroInfo.Arch)
	default:
		archCandidate = "x86_64"
	}

	archKey, profile, err := catalog.ResolveArch(strings.ToLower(archCandidate))
	if err != nil {
		return "", catalog.ArchProfile{}, vmerrors.NewConfigError("unsupported ARCH %q", archCandidate)
	}

	if distroInfo.Arch != "" {
		distroArchKey, _, derr := catalog.ResolveArch(strings.ToLower(strings.TrimSpace(distroInfo.Arch)))
		if derr != nil {
			return "", catalog.ArchProfile{}, vmerrors.NewConfigError(
				"distribution declares unsupported arch %q", distroInfo.Arch)
		}
		if archEnvSet && distroArchKey != archKey {
			return "", catalog.ArchProfile{}, vmerrors.NewConfigError(
				"ARCH=%q does not match distribution arch %q", archCandidate, distroInfo.Arch)
		}
		return distroArchKey, profile, nil
	}
	return archKey, profile, nil
}

func resolveNics(vmName string) ([]NicConfig, error) {
	var nics []NicConfig
	primary, err := buildNic(1, vmName)
	if err != nil {
		return nil, err
	}
	if primary == nil {
		return nil, vmerrors.NewConfigError("failed to configure primary network interface")
	}
	nics = append(nics, *primary)

	for idx := 2; ; idx++ {
		nic, err := buildNic(idx, vmName)
		if err != nil {
			return nil, err
		}
		if nic == nil {
			break
		}
		nics = append(nics, *nic)
	}
	return nics, nil
}

func resolveFilesystems() ([]FilesystemConfig, error) {
	var filesystems []FilesystemConfig
	for idx := 1; ; idx++ {
		fs, err := buildFilesystem(idx)
		if err != nil {
			return nil, err
		}
		if fs == nil {
			break
		}
		filesystems = append(filesystems, *fs)
	}
	return filesystems, nil
}

func resolveIPXE(enabled bool, override, arch string, nics []NicConfig, bootOrder []string, log logger.Logger) (string, []string, error) {
	if !enabled {
		return "", bootOrder, nil
	}

	newOrder := []string{"network"}
	for _, dev := range bootOrder {
		if dev != "network" {
			newOrder = append(newOrder, dev)
		}
	}
	nics[0].Boot = true

	romPath := override
	if romPath == "" {
		if models, ok := catalog.IPXEDefaultROMs[arch]; ok {
			romPath = models[nics[0].Model]
		}
	}
	if romPath == "" {
		return "", nil, vmerrors.NewConfigError(
			"IPXE_ENABLE=1 requires IPXE_ROM_PATH when a default ROM is not available for ARCH=%q with NETWORK_MODEL=%q",
			arch, nics[0].Model)
	}
	if !fileExists(romPath) {
		return "", nil, vmerrors.NewResourceError(
			"iPXE ROM not found at %s. Override with IPXE_ROM_PATH or ensure QEMU packages include the ROMs", romPath)
	}
	if nics[0].Mode == "user" {
		log.Warn("IPXE_ENABLE=1 with NETWORK_MODE=nat relies on the built-in user-mode DHCP/TFTP; " +
			"for real PXE environments prefer bridge or direct networking")
	}
	return romPath, newOrder, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
