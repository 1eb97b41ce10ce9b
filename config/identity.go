// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"vmsupervisor/logger"
)

// deriveVMName picks the guest name: GUEST_NAME if set, else the
// container hostname unless it looks like a container id, else
// "custom-vm" when booting from ISO with no disk image, else the
// distro key.
func deriveVMName(distro string, isoMode bool, log logger.Logger) string {
	if name := strings.TrimSpace(getEnv("GUEST_NAME", "")); name != "" {
		return name
	}
	if hostname := strings.TrimSpace(getEnv("HOSTNAME", "")); hostname != "" {
		if looksLikeContainerID(hostname) {
			log.Info("HOSTNAME looks like a container id; not using it as the guest name", "hostname", hostname)
		} else {
			return hostname
		}
	}
	if isoMode {
		return "custom-vm"
	}
	return distro
}

// deterministicMAC derives a locally-administered unicast MAC from an
// arbitrary seed string: sha256(seed), octets [0x52,0x54,0x00,d0,d1,d2]
// with the locally-administered bit set and the multicast bit cleared
// on the fourth octet (the prefix + first three digest bytes).
func deterministicMAC(seed string) string {
	digest := sha256.Sum256([]byte(seed))
	octets := [6]byte{0x52, 0x54, 0x00, digest[0], digest[1], digest[2]}
	octets[3] |= 0x02
	octets[3] &= 0xFE
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		octets[0], octets[1], octets[2], octets[3], octets[4], octets[5])
}
