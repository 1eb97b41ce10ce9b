// SPDX-License-Identifier: LGPL-3.0-or-later

package hostprobe

import (
	"syscall"

	"vmsupervisor/vmerrors"
)

// CheckDiskSpace returns the free bytes available on the filesystem
// holding dir.
func CheckDiskSpace(dir string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, vmerrors.NewResourceError("statfs %s: %v", dir, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// RequireDiskSpace errors out when fewer than minBytes are free under
// dir, naming both the requirement and what's actually available.
func RequireDiskSpace(dir string, minBytes uint64) error {
	free, err := CheckDiskSpace(dir)
	if err != nil {
		return err
	}
	if free < minBytes {
		return vmerrors.NewResourceError(
			"insufficient disk space under %s: need %d bytes, have %d free", dir, minBytes, free)
	}
	return nil
}

// fsMagic maps the handful of filesystem magic numbers relevant to
// virtiofs/9p sharing decisions: overlay and tmpfs can't back a
// virtiofs export reliably inside unprivileged containers.
var fsMagic = map[int64]string{
	0x01021994: "tmpfs",
	0x794c7630: "overlayfs",
	0xEF53:     "ext2/3/4",
	0x58465342: "xfs",
	0x9123683E: "btrfs",
}

// DetectFilesystem returns the human-readable name of the filesystem
// backing path, or "unknown" when the magic isn't in the known set.
func DetectFilesystem(path string) string {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "unknown"
	}
	if name, ok := fsMagic[int64(stat.Type)]; ok {
		return name
	}
	return "unknown"
}

// CheckFilesystemCompatibility warns the caller (via the returned
// bool) when a virtiofs share source sits on a filesystem known to
// misbehave under virtiofsd, without treating it as fatal.
func CheckFilesystemCompatibility(path string) (ok bool, fsType string) {
	fsType = DetectFilesystem(path)
	switch fsType {
	case "overlayfs", "tmpfs":
		return false, fsType
	default:
		return true, fsType
	}
}
