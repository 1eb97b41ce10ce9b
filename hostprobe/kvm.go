// SPDX-License-Identifier: LGPL-3.0-or-later

// Package hostprobe inspects the host (or container) the engine is
// running in: KVM availability, CPU vendor/flags, IPv6 reachability,
// filesystem compatibility, free disk space, and the container
// runtime's engine/rootless/privilege posture.
package hostprobe

import "os"

// KVMAvailable reports whether /dev/kvm exists and can be opened for
// read. Existence alone isn't enough — a container without the device
// cgrouped in will see the node but get EPERM on open.
func KVMAvailable() bool {
	f, err := os.OpenFile("/dev/kvm", os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// HasControllingTTY reports whether both stdin and stdout are
// attached to a terminal, the precondition for attaching an
// interactive console.
func HasControllingTTY() bool {
	return isTTY(os.Stdin) && isTTY(os.Stdout)
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
