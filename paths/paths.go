// SPDX-License-Identifier: LGPL-3.0-or-later

// Package paths computes the filesystem layout used by every other
// package from a single root, instead of each package reading $DATA_DIR
// for itself.
package paths

import (
	"os"
	"path/filepath"
	"syscall"
)

// Paths is the immutable set of directories the engine reads and writes.
// Resolve once at process start and pass explicitly.
type Paths struct {
	ImagesDir     string
	BaseImagesDir string
	VMImagesDir   string
	StateDir      string
	BootISOCache  string
	OCIDiskCache  string
	FirmwareDir   string
	TPMDir        string
	CertDir       string
	SushyConfDir  string
	// DataVolumeDetected is true when $DATA_DIR was set or /data was
	// found mounted; the config resolver uses it to default PERSIST.
	DataVolumeDetected bool
}

const installedMarkerName = ".installed"

// InstalledMarkerName is the sentinel filename written on first clean
// power-cycle with persistence enabled.
func InstalledMarkerName() string { return installedMarkerName }

// Resolve computes Paths from $DATA_DIR, falling back to an automount
// probe of /data, then to the fixed defaults the teacher image ships.
func Resolve() Paths {
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" && isMountPoint("/data") {
		dataDir = "/data"
	}

	var images, state string
	if dataDir != "" {
		images = dataDir
		state = filepath.Join(dataDir, "state")
	} else {
		images = "/images"
		state = "/var/lib/vmsupervisor"
	}

	return Paths{
		ImagesDir:          images,
		BaseImagesDir:      filepath.Join(images, "base"),
		VMImagesDir:        filepath.Join(images, "vms"),
		StateDir:           state,
		BootISOCache:       filepath.Join(state, "boot-isos"),
		OCIDiskCache:       filepath.Join(state, "oci-disks"),
		FirmwareDir:        filepath.Join(state, "firmware"),
		TPMDir:             filepath.Join(state, "tpm"),
		CertDir:            filepath.Join(state, "certs"),
		SushyConfDir:       filepath.Join(state, "sushy"),
		DataVolumeDetected: dataDir != "",
	}
}

// VMDir returns the per-VM writable directory.
func (p Paths) VMDir(vmName string) string {
	return filepath.Join(p.VMImagesDir, vmName)
}

// isMountPoint is a best-effort check: true when path's device differs
// from its parent's, which is how /data being bind-mounted/volume-mounted
// shows up without parsing /proc/mounts.
func isMountPoint(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	parentInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	parentStat, ok := parentInfo.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return stat.Dev != parentStat.Dev
}
