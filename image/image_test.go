// SPDX-License-Identifier: LGPL-3.0-or-later

package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmsupervisor/config"
	"vmsupervisor/logger"
	"vmsupervisor/paths"
)

func newTestPreparer(t *testing.T) *Preparer {
	root := t.TempDir()
	p := paths.Paths{
		ImagesDir:     root,
		BaseImagesDir: filepath.Join(root, "base"),
		VMImagesDir:   filepath.Join(root, "vms"),
		StateDir:      filepath.Join(root, "state"),
		BootISOCache:  filepath.Join(root, "state", "boot-isos"),
		OCIDiskCache:  filepath.Join(root, "state", "oci-disks"),
	}
	cfg := &config.VMConfig{
		Distro:          "noble",
		VMName:          "test-vm",
		DiskSize:        "10G",
		DownloadRetries: 3,
	}
	return NewPreparer(cfg, p, logger.NewTestLogger(t))
}

func TestFileExistsRejectsEmptyAndMissing(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "nope")
	assert.False(t, fileExists(missing))

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.False(t, fileExists(empty))

	nonEmpty := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(nonEmpty, []byte("x"), 0o644))
	assert.True(t, fileExists(nonEmpty))
}

func TestIsInstalledMarkInstalledRoundTrip(t *testing.T) {
	p := newTestPreparer(t)
	assert.False(t, p.IsInstalled())

	require.NoError(t, p.MarkInstalled())
	assert.True(t, p.IsInstalled())
}

func TestBaseAndWorkImagePaths(t *testing.T) {
	p := newTestPreparer(t)
	assert.Equal(t, filepath.Join(p.paths.BaseImagesDir, "noble.qcow2"), p.BaseImagePath())
	assert.Equal(t, filepath.Join(p.paths.VMImagesDir, "test-vm", "disk.qcow2"), p.WorkImagePath())
}
