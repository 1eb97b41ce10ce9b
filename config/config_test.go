// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmsupervisor/catalog"
	"vmsupervisor/logger"
	"vmsupervisor/paths"
)

const testCatalogYAML = `
distributions:
  ubuntu-2404:
    name: Ubuntu 24.04 LTS
    url: https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img
    user: ubuntu
    format: qcow2
    arch: x86_64
  debian-12-arm:
    name: Debian 12 (arm64)
    url: https://cloud.debian.org/images/cloud/bookworm/latest/debian-12-generic-arm64.qcow2
    user: debian
    format: qcow2
    arch: aarch64
`

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "distros.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogYAML), 0o644))
	cat, err := catalog.Load(path)
	require.NoError(t, err)
	return cat
}

func TestResolveDefaults(t *testing.T) {
	cat := testCatalog(t)
	log := logger.NewTestLogger(t)

	cfg, err := Resolve(cat, paths.Paths{}, log)
	require.NoError(t, err)

	assert.Equal(t, "ubuntu-2404", cfg.Distro)
	assert.Equal(t, "Ubuntu 24.04 LTS", cfg.DistroName)
	assert.Equal(t, "ubuntu-2404", cfg.VMName)
	assert.Equal(t, 4096, cfg.MemoryMB)
	assert.Equal(t, 2, cfg.CPUs)
	assert.Equal(t, "20G", cfg.DiskSize)
	assert.Equal(t, "x86_64", cfg.Arch)
	assert.Equal(t, "legacy", cfg.BootMode)
	assert.Equal(t, "ubuntu", cfg.LoginUser)
	assert.NotEmpty(t, cfg.Password)
	assert.True(t, cfg.CloudInitEnabled)
	assert.Len(t, cfg.Nics, 1)
	assert.Equal(t, "user", cfg.Nics[0].Mode)
	assert.Equal(t, "virtio", cfg.Nics[0].Model)
	assert.Regexp(t, `^52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`, cfg.Nics[0].MACAddress)
	assert.Equal(t, []string{"hd"}, cfg.BootOrder)
	assert.False(t, cfg.Persist)
	assert.Equal(t, 2222, cfg.SSHPort)
}

func TestResolveUnknownDistro(t *testing.T) {
	cat := testCatalog(t)
	t.Setenv("DISTRO", "nonexistent")

	_, err := Resolve(cat, paths.Paths{}, logger.NewTestLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown distro")
}

func TestResolveArchFollowsDistro(t *testing.T) {
	cat := testCatalog(t)
	t.Setenv("DISTRO", "debian-12-arm")

	cfg, err := Resolve(cat, paths.Paths{}, logger.NewTestLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "aarch64", cfg.Arch)
}

func TestResolveArchMismatchRejected(t *testing.T) {
	cat := testCatalog(t)
	t.Setenv("DISTRO", "debian-12-arm")
	t.Setenv("ARCH", "x86_64")

	_, err := Resolve(cat, paths.Paths{}, logger.NewTestLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match distribution arch")
}

func TestResolvePersistDefaultsFromDataVolume(t *testing.T) {
	cat := testCatalog(t)
	cfg, err := Resolve(cat, paths.Paths{DataVolumeDetected: true}, logger.NewTestLogger(t))
	require.NoError(t, err)
	assert.True(t, cfg.Persist)
}

func TestResolvePersistExplicitOverridesDataVolume(t *testing.T) {
	cat := testCatalog(t)
	t.Setenv("PERSIST", "0")
	cfg, err := Resolve(cat, paths.Paths{DataVolumeDetected: true}, logger.NewTestLogger(t))
	require.NoError(t, err)
	assert.False(t, cfg.Persist)
}

func TestResolvePortConflict(t *testing.T) {
	cat := testCatalog(t)
	t.Setenv("SSH_PORT", "5900")
	t.Setenv("GRAPHICS", "vnc")
	t.Setenv("VNC_PORT", "5900")

	_, err := Resolve(cat, paths.Paths{}, logger.NewTestLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port conflict")
}

func TestResolveInvalidMemory(t *testing.T) {
	cat := testCatalog(t)
	t.Setenv("MEMORY", "not-a-number")

	_, err := Resolve(cat, paths.Paths{}, logger.NewTestLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MEMORY")
}

func TestResolveBootISOAutoDisablesCloudInit(t *testing.T) {
	cat := testCatalog(t)
	t.Setenv("BOOT_ISO", "/tmp/custom.iso")

	cfg, err := Resolve(cat, paths.Paths{}, logger.NewTestLogger(t))
	require.NoError(t, err)
	assert.False(t, cfg.CloudInitEnabled)
	assert.True(t, cfg.BlankWorkDisk)
	assert.Equal(t, []string{"cdrom", "hd"}, cfg.BootOrder)
}

func TestResolveBootISOURLConflict(t *testing.T) {
	cat := testCatalog(t)
	t.Setenv("BOOT_ISO", "/tmp/custom.iso")
	t.Setenv("BOOT_ISO_URL", "https://example.invalid/custom.iso")

	_, err := Resolve(cat, paths.Paths{}, logger.NewTestLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOOT_ISO")
}

func TestDeriveVMNameGuestNameWins(t *testing.T) {
	t.Setenv("GUEST_NAME", "my-vm")
	t.Setenv("HOSTNAME", "somehostname")
	name := deriveVMName("ubuntu-2404", false, logger.NewTestLogger(t))
	assert.Equal(t, "my-vm", name)
}

func TestDeriveVMNameRejectsContainerIDHostname(t *testing.T) {
	t.Setenv("HOSTNAME", "4f3c2e1a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e3f2a1b0c9d8e7f6a5b4c3d2e")
	name := deriveVMName("ubuntu-2404", false, logger.NewTestLogger(t))
	assert.Equal(t, "ubuntu-2404", name)
}

func TestDeriveVMNameISOFallback(t *testing.T) {
	name := deriveVMName("ubuntu-2404", true, logger.NewTestLogger(t))
	assert.Equal(t, "custom-vm", name)
}

func TestDeterministicMACIsStableAndLocallyAdministered(t *testing.T) {
	mac1 := deterministicMAC("myvm:1")
	mac2 := deterministicMAC("myvm:1")
	assert.Equal(t, mac1, mac2)
	assert.Regexp(t, `^52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`, mac1)

	mac3 := deterministicMAC("myvm:2")
	assert.NotEqual(t, mac1, mac3)
}

func TestBuildNicDefaults(t *testing.T) {
	nic, err := buildNic(1, "myvm")
	require.NoError(t, err)
	require.NotNil(t, nic)
	assert.Equal(t, "user", nic.Mode)
	assert.Equal(t, "virtio", nic.Model)
}

func TestBuildNicSecondIndexAbsentReturnsNil(t *testing.T) {
	nic, err := buildNic(2, "myvm")
	require.NoError(t, err)
	assert.Nil(t, nic)
}

func TestBuildNicBridgeRequiresBridgeName(t *testing.T) {
	t.Setenv("NETWORK_MODE", "bridge")
	_, err := buildNic(1, "myvm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NETWORK_BRIDGE is required")
}

func TestBuildNicBridgeResolves(t *testing.T) {
	t.Setenv("NETWORK_MODE", "bridge")
	t.Setenv("NETWORK_BRIDGE", "br0")
	nic, err := buildNic(1, "myvm")
	require.NoError(t, err)
	assert.Equal(t, "bridge", nic.Mode)
	assert.Equal(t, "br0", nic.BridgeName)
}

func TestBuildNicIndexedSecond(t *testing.T) {
	t.Setenv("NETWORK2_MODE", "bridge")
	t.Setenv("NETWORK2_BRIDGE", "br1")
	nic, err := buildNic(2, "myvm")
	require.NoError(t, err)
	require.NotNil(t, nic)
	assert.Equal(t, "br1", nic.BridgeName)
}

func TestBuildNicInvalidMAC(t *testing.T) {
	t.Setenv("NETWORK_MAC", "not-a-mac")
	_, err := buildNic(1, "myvm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid NETWORK_MAC")
}

func TestBuildFilesystemAbsentReturnsNil(t *testing.T) {
	fs, err := buildFilesystem(1)
	require.NoError(t, err)
	assert.Nil(t, fs)
}

func TestBuildFilesystemDerivesTargetFromSource(t *testing.T) {
	src := t.TempDir()
	shared := filepath.Join(src, "shared")
	require.NoError(t, os.MkdirAll(shared, 0o755))
	t.Setenv("FILESYSTEM_SOURCE", shared)

	fs, err := buildFilesystem(1)
	require.NoError(t, err)
	require.NotNil(t, fs)
	assert.Equal(t, "shared", fs.Target)
	assert.Equal(t, "virtiofs", fs.Driver)
	assert.Equal(t, "passthrough", fs.AccessMode)
}

func TestBuildFilesystemVirtiofsRejectsNonPassthrough(t *testing.T) {
	src := t.TempDir()
	t.Setenv("FILESYSTEM_SOURCE", src)
	t.Setenv("FILESYSTEM_ACCESSMODE", "mapped")

	_, err := buildFilesystem(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported with virtiofs")
}

func TestBuildFilesystemCreatesMissingSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "doesnotexist")
	t.Setenv("FILESYSTEM_SOURCE", src)

	fs, err := buildFilesystem(1)
	require.NoError(t, err)
	require.NotNil(t, fs)
	info, statErr := os.Stat(src)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}

func TestParsePortForwards(t *testing.T) {
	forwards, err := parsePortForwards("8080:80,8443:443")
	require.NoError(t, err)
	require.Len(t, forwards, 2)
	assert.Equal(t, PortForward{HostPort: 8080, GuestPort: 80}, forwards[0])
	assert.Equal(t, PortForward{HostPort: 8443, GuestPort: 443}, forwards[1])
}

func TestParsePortForwardsInvalidEntry(t *testing.T) {
	_, err := parsePortForwards("notaport")
	require.Error(t, err)
}

func TestCheckPortUniquenessDetectsCollision(t *testing.T) {
	cfg := &VMConfig{
		SSHPort:      2222,
		GraphicsType: "vnc",
		VNCPort:      2222,
	}
	err := checkPortUniqueness(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port conflict")
}

func TestResolveBootOrderDefaultsToHD(t *testing.T) {
	order, err := resolveBootOrder(false)
	require.NoError(t, err)
	assert.Equal(t, []string{"hd"}, order)
}

func TestResolveBootOrderRejectsUnknownDevice(t *testing.T) {
	t.Setenv("BOOT_ORDER", "floppy")
	_, err := resolveBootOrder(false)
	require.Error(t, err)
}

func TestBuildExtraDisksRange(t *testing.T) {
	t.Setenv("DISK2_SIZE", "10G")
	t.Setenv("DISK4_SIZE", "5G")

	disks, err := buildExtraDisks()
	require.NoError(t, err)
	require.Len(t, disks, 2)
	assert.Equal(t, DiskConfig{Index: 2, Size: "10G"}, disks[0])
	assert.Equal(t, DiskConfig{Index: 4, Size: "5G"}, disks[1])
}

func TestBuildBlockDevicesStopsAtFirstGap(t *testing.T) {
	t.Setenv("DEVICE", "/dev/sdb")
	t.Setenv("DEVICE2", "/dev/sdc")

	devices := buildBlockDevices()
	require.Len(t, devices, 2)
	assert.Equal(t, "/dev/sdb", devices[0].Path)
	assert.Equal(t, "/dev/sdc", devices[1].Path)
}
