// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"fmt"
	"strings"
)

// buildExtraDisks reads DISK2_SIZE..DISK6_SIZE; unlike NICs and
// filesystems this range is fixed (not open-ended) since the domain
// XML builder only has letters b..f free on the primary controller.
func buildExtraDisks() ([]DiskConfig, error) {
	var disks []DiskConfig
	for i := 2; i <= 6; i++ {
		raw, set := getEnvOptional(fmt.Sprintf("DISK%d_SIZE", i))
		if !set || strings.TrimSpace(raw) == "" {
			continue
		}
		size, err := validateDiskSize(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		disks = append(disks, DiskConfig{Index: i, Size: size})
	}
	return disks, nil
}

// buildBlockDevices reads DEVICE, DEVICE2, DEVICE3, ... host block
// device passthrough paths, following the same index-1-is-bare
// convention as NICs and filesystems.
func buildBlockDevices() []BlockDevice {
	var devices []BlockDevice
	index := 1
	for {
		name := "DEVICE"
		if index > 1 {
			name = fmt.Sprintf("DEVICE%d", index)
		}
		raw, set := getEnvOptional(name)
		if !set || strings.TrimSpace(raw) == "" {
			break
		}
		devices = append(devices, BlockDevice{Index: index, Path: strings.TrimSpace(raw)})
		index++
	}
	return devices
}
