// SPDX-License-Identifier: LGPL-3.0-or-later

package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmsupervisor/catalog"
	"vmsupervisor/config"
	"vmsupervisor/logger"
	"vmsupervisor/paths"
)

func newTestController(t *testing.T, cfg *config.VMConfig, profile catalog.ArchProfile) *Controller {
	root := t.TempDir()
	p := paths.Paths{
		VMImagesDir: filepath.Join(root, "vms"),
		FirmwareDir: filepath.Join(root, "firmware"),
	}
	return &Controller{
		cfg:         cfg,
		archProfile: profile,
		paths:       p,
		log:         logger.NewTestLogger(t),
	}
}

func writeFakeFirmwareFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))
}

func TestPrepareFirmwareSkippedForLegacyX86(t *testing.T) {
	cfg := &config.VMConfig{Arch: "x86_64", BootMode: "legacy", VMName: "test-vm"}
	c := newTestController(t, cfg, catalog.ArchProfile{})
	require.NoError(t, c.prepareFirmware())
	assert.Empty(t, c.firmwareLoaderPath)
	assert.Empty(t, c.firmwareVarsPath)
	assert.False(t, c.usedFirmware)
}

func TestPrepareFirmwareCopiesVarsTemplateOnce(t *testing.T) {
	dir := t.TempDir()
	loader := filepath.Join(dir, "OVMF_CODE.fd")
	vars := filepath.Join(dir, "OVMF_VARS.fd")
	writeFakeFirmwareFile(t, loader)
	writeFakeFirmwareFile(t, vars)

	profile := catalog.ArchProfile{
		Firmware: map[string]catalog.FirmwarePaths{
			"uefi": {Loader: loader, VarsTemplate: vars},
		},
	}
	cfg := &config.VMConfig{Arch: "x86_64", BootMode: "uefi", VMName: "test-vm"}
	c := newTestController(t, cfg, profile)

	require.NoError(t, c.prepareFirmware())
	assert.Equal(t, loader, c.firmwareLoaderPath)
	assert.FileExists(t, c.firmwareVarsPath)
	assert.True(t, c.usedFirmware)

	info1, err := os.Stat(c.firmwareVarsPath)
	require.NoError(t, err)

	require.NoError(t, c.prepareFirmware())
	info2, err := os.Stat(c.firmwareVarsPath)
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestPrepareFirmwareMissingLoaderIsResourceError(t *testing.T) {
	profile := catalog.ArchProfile{
		Firmware: map[string]catalog.FirmwarePaths{
			"uefi": {Loader: "/does/not/exist", VarsTemplate: "/does/not/exist-either"},
		},
	}
	cfg := &config.VMConfig{Arch: "x86_64", BootMode: "uefi", VMName: "test-vm"}
	c := newTestController(t, cfg, profile)
	assert.Error(t, c.prepareFirmware())
}

func TestPrepareFirmwareAarch64UsesFlatUEFIEntry(t *testing.T) {
	dir := t.TempDir()
	loader := filepath.Join(dir, "AAVMF_CODE.fd")
	vars := filepath.Join(dir, "AAVMF_VARS.fd")
	writeFakeFirmwareFile(t, loader)
	writeFakeFirmwareFile(t, vars)

	profile := catalog.ArchProfile{
		Firmware: map[string]catalog.FirmwarePaths{
			"uefi": {Loader: loader, VarsTemplate: vars},
		},
	}
	cfg := &config.VMConfig{Arch: "aarch64", BootMode: "legacy", VMName: "test-vm"}
	c := newTestController(t, cfg, profile)
	require.NoError(t, c.prepareFirmware())
	assert.Equal(t, loader, c.firmwareLoaderPath)
}
