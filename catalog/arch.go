// SPDX-License-Identifier: LGPL-3.0-or-later

package catalog

import "vmsupervisor/vmerrors"

// archAliases maps common alternate spellings onto the canonical arch
// name used throughout the catalog and the domain XML builder.
var archAliases = map[string]string{
	"amd64":     "x86_64",
	"arm64":     "aarch64",
	"ppc64le":   "ppc64",
	"ppc64el":   "ppc64",
	"powerpc64": "ppc64",
	"riscv":     "riscv64",
}

// ArchProfile is the per-architecture capability matrix: machine type,
// required CPU features, TCG fallback model, and firmware paths.
type ArchProfile struct {
	Machine     string
	Features    []string
	TCGFallback string
	// Firmware maps a boot mode ("uefi", "secure") to its loader/vars
	// pair. aarch64 has a single flat entry keyed "uefi" covering both
	// modes, matching the original firmware table.
	Firmware map[string]FirmwarePaths
}

// FirmwarePaths is a loader/vars-template pair for one boot mode.
type FirmwarePaths struct {
	Loader       string
	VarsTemplate string
}

// SupportedArches is the capability matrix for every architecture the
// domain XML builder knows how to target.
var SupportedArches = map[string]ArchProfile{
	"x86_64": {
		Machine:     "q35",
		Features:    []string{"acpi", "apic", "pae"},
		TCGFallback: "qemu64",
		Firmware: map[string]FirmwarePaths{
			"uefi": {
				Loader:       "/usr/share/OVMF/OVMF_CODE_4M.fd",
				VarsTemplate: "/usr/share/OVMF/OVMF_VARS_4M.fd",
			},
			"secure": {
				Loader:       "/usr/share/OVMF/OVMF_CODE_4M.ms.fd",
				VarsTemplate: "/usr/share/OVMF/OVMF_VARS_4M.ms.fd",
			},
		},
	},
	"aarch64": {
		Machine:     "virt",
		Features:    []string{"acpi"},
		TCGFallback: "cortex-a72",
		Firmware: map[string]FirmwarePaths{
			"uefi": {
				Loader:       "/usr/share/AAVMF/AAVMF_CODE.fd",
				VarsTemplate: "/usr/share/AAVMF/AAVMF_VARS.fd",
			},
		},
	},
	"ppc64": {
		Machine:     "pseries",
		TCGFallback: "power8",
	},
	"s390x": {
		Machine:     "s390-ccw-virtio",
		TCGFallback: "qemu",
	},
	"riscv64": {
		Machine:     "virt",
		TCGFallback: "rv64",
	},
}

// NormalizeArch resolves an alias to its canonical spelling. Unknown
// values pass through unchanged so the caller can report them.
func NormalizeArch(arch string) string {
	if canon, ok := archAliases[arch]; ok {
		return canon
	}
	return arch
}

// IPXEDefaultROMs maps arch -> NIC model -> the iPXE ROM QEMU ships
// for that pairing, used when IPXE_ENABLE=1 and no IPXE_ROM_PATH
// override is given.
var IPXEDefaultROMs = map[string]map[string]string{
	"x86_64": {
		"virtio":   "/usr/share/qemu/pxe-virtio.rom",
		"e1000":    "/usr/share/qemu/pxe-e1000.rom",
		"e1000e":   "/usr/share/qemu/pxe-e1000e.rom",
		"rtl8139":  "/usr/share/qemu/pxe-rtl8139.rom",
		"ne2k_pci": "/usr/share/qemu/pxe-ne2k_pci.rom",
		"pcnet":    "/usr/share/qemu/pxe-pcnet.rom",
		"vmxnet3":  "/usr/share/qemu/pxe-vmxnet3.rom",
	},
	"aarch64": {
		"virtio":   "/usr/share/qemu/efi-virtio.rom",
		"e1000":    "/usr/share/qemu/efi-e1000.rom",
		"e1000e":   "/usr/share/qemu/efi-e1000e.rom",
		"rtl8139":  "/usr/share/qemu/efi-rtl8139.rom",
		"ne2k_pci": "/usr/share/qemu/efi-ne2k_pci.rom",
		"pcnet":    "/usr/share/qemu/efi-pcnet.rom",
		"vmxnet3":  "/usr/share/qemu/efi-vmxnet3.rom",
	},
}

// SupportedNetworkModels is the set of NIC models the domain XML
// builder accepts for NETWORK_MODEL.
var SupportedNetworkModels = map[string]bool{
	"virtio": true, "e1000": true, "e1000e": true, "rtl8139": true,
	"ne2k_pci": true, "pcnet": true, "vmxnet3": true,
}

// ResolveArch normalizes arch and validates it against the supported
// set, returning its capability profile.
func ResolveArch(arch string) (string, ArchProfile, error) {
	canon := NormalizeArch(arch)
	profile, ok := SupportedArches[canon]
	if !ok {
		return "", ArchProfile{}, vmerrors.NewConfigError("unsupported architecture %q", arch)
	}
	return canon, profile, nil
}
