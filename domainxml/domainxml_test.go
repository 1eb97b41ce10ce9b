// SPDX-License-Identifier: LGPL-3.0-or-later

package domainxml

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmsupervisor/catalog"
	"vmsupervisor/config"
)

func baseConfig() *config.VMConfig {
	return &config.VMConfig{
		VMName:         "test-vm",
		MemoryMB:       2048,
		CPUs:           2,
		Arch:           "x86_64",
		MachineType:    "q35",
		BootMode:       "legacy",
		CPUModel:       "host",
		ImageFormat:    "qcow2",
		DiskController: "virtio",
		DiskIO:         "threads",
		DiskCache:      "writeback",
		BootOrder:      []string{"hd"},
		GraphicsType:   "none",
		Nics: []config.NicConfig{
			{Mode: "user", MACAddress: "52:54:00:11:22:33", Model: "virtio"},
		},
		SSHPort: 2222,
	}
}

func TestBuildMinimalDomain(t *testing.T) {
	_, profile, err := catalog.ResolveArch("x86_64")
	require.NoError(t, err)

	xmlStr, err := Build(BuildInput{
		Config:            baseConfig(),
		ArchProfile:       profile,
		KVMAvailable:      true,
		EffectiveCPUModel: "host",
		WorkImagePath:     "/images/vms/test-vm/disk.qcow2",
	})
	require.NoError(t, err)

	assert.Contains(t, xmlStr, `<domain type="kvm">`)
	assert.Contains(t, xmlStr, "<name>test-vm</name>")
	assert.Contains(t, xmlStr, `<memory unit="MiB">2048</memory>`)
	assert.Contains(t, xmlStr, `<vcpu placement="static">2</vcpu>`)
	assert.Contains(t, xmlStr, `<cpu mode="host-passthrough">`)
	assert.Contains(t, xmlStr, `<source file="/images/vms/test-vm/disk.qcow2">`)
	assert.Contains(t, xmlStr, `<target dev="vda" bus="virtio">`)
	assert.Contains(t, xmlStr, `<interface type="user">`)
	assert.Contains(t, xmlStr, `<mac address="52:54:00:11:22:33">`)
	assert.Contains(t, xmlStr, `<portForward proto="tcp">`)
	assert.NotContains(t, xmlStr, "<?xml")
}

func TestBuildWithoutKVMUsesCustomCPUModel(t *testing.T) {
	_, profile, err := catalog.ResolveArch("x86_64")
	require.NoError(t, err)

	cfg := baseConfig()
	xmlStr, err := Build(BuildInput{
		Config:            cfg,
		ArchProfile:       profile,
		KVMAvailable:      false,
		EffectiveCPUModel: "qemu64",
		WorkImagePath:     "/images/vms/test-vm/disk.qcow2",
	})
	require.NoError(t, err)

	assert.Contains(t, xmlStr, `<domain type="qemu">`)
	assert.Contains(t, xmlStr, `<cpu mode="custom" match="exact">`)
	assert.Contains(t, xmlStr, `<model fallback="allow">qemu64</model>`)
}

func TestBuildUEFIRequiresFirmwarePaths(t *testing.T) {
	_, profile, err := catalog.ResolveArch("x86_64")
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.BootMode = "uefi"

	_, err = Build(BuildInput{
		Config:            cfg,
		ArchProfile:       profile,
		KVMAvailable:      true,
		EffectiveCPUModel: "host",
		WorkImagePath:     "/images/vms/test-vm/disk.qcow2",
	})
	require.Error(t, err)
}

func TestBuildUEFIRendersLoaderAndNVRam(t *testing.T) {
	_, profile, err := catalog.ResolveArch("x86_64")
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.BootMode = "uefi"

	xmlStr, err := Build(BuildInput{
		Config:             cfg,
		ArchProfile:        profile,
		KVMAvailable:       true,
		EffectiveCPUModel:  "host",
		WorkImagePath:      "/images/vms/test-vm/disk.qcow2",
		FirmwareLoaderPath: "/var/lib/vmsupervisor/firmware/OVMF_CODE.fd",
		FirmwareVarsPath:   "/var/lib/vmsupervisor/firmware/test-vm_VARS.fd",
	})
	require.NoError(t, err)
	assert.Contains(t, xmlStr, `secure="no"`)
	assert.Contains(t, xmlStr, "OVMF_CODE.fd")
	assert.Contains(t, xmlStr, "test-vm_VARS.fd")
}

func TestBuildWithSeedISOAndGraphics(t *testing.T) {
	_, profile, err := catalog.ResolveArch("x86_64")
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.GraphicsType = "vnc"
	cfg.VNCPort = 5901

	xmlStr, err := Build(BuildInput{
		Config:            cfg,
		ArchProfile:       profile,
		KVMAvailable:      true,
		EffectiveCPUModel: "host",
		WorkImagePath:     "/images/vms/test-vm/disk.qcow2",
		SeedISOPath:       "/images/vms/test-vm/seed.iso",
	})
	require.NoError(t, err)
	assert.Contains(t, xmlStr, `device="cdrom"`)
	assert.Contains(t, xmlStr, "seed.iso")
	assert.Contains(t, xmlStr, `<graphics type="vnc" listen="0.0.0.0" port="5901" autoport="no">`)
	assert.Contains(t, xmlStr, "com.redhat.spice.0")
}

func TestBuildIPXERomOnlyOnBootingNIC(t *testing.T) {
	_, profile, err := catalog.ResolveArch("x86_64")
	require.NoError(t, err)

	cfg := baseConfig()
	cfg.IPXEROMPath = "/usr/share/ipxe/virtio-net.rom"
	cfg.BootOrder = []string{"network", "hd"}
	cfg.Nics = []config.NicConfig{
		{Mode: "user", MACAddress: "52:54:00:11:22:33", Model: "virtio", Boot: true},
		{Mode: "bridge", BridgeName: "br1", MACAddress: "52:54:00:44:55:66", Model: "virtio", Boot: false},
	}

	xmlStr, err := Build(BuildInput{
		Config:            cfg,
		ArchProfile:       profile,
		KVMAvailable:      true,
		EffectiveCPUModel: "host",
		WorkImagePath:     "/images/vms/test-vm/disk.qcow2",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(xmlStr, "<rom file="), "only the booting NIC should carry a <rom> element")
	assert.Contains(t, xmlStr, `<mac address="52:54:00:11:22:33">`)
}

func TestRenderInterfaceBridgeMode(t *testing.T) {
	nic := config.NicConfig{Mode: "bridge", BridgeName: "br0", MACAddress: "52:54:00:aa:bb:cc", Model: "virtio"}
	iface := renderInterface(nic, nil, "", nil, nil)
	assert.Equal(t, "bridge", iface.Type)
	assert.Equal(t, "br0", iface.Source.Bridge)
	assert.Equal(t, "vhost", iface.Driver.Name)
	assert.Nil(t, iface.Backend)
}

func TestRenderInterfaceUserModeWithPortForwards(t *testing.T) {
	nic := config.NicConfig{Mode: "user", MACAddress: "52:54:00:aa:bb:cc", Model: "virtio"}
	sshPort := 2222
	forwards := []config.PortForward{{HostPort: 8080, GuestPort: 80}}
	iface := renderInterface(nic, nil, "", &sshPort, forwards)
	require.Len(t, iface.PortForwards, 2)
	assert.Equal(t, "22", iface.PortForwards[0].Range.To)
	assert.Equal(t, "80", iface.PortForwards[1].Range.To)
}
