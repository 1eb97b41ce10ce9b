// SPDX-License-Identifier: LGPL-3.0-or-later

package hostprobe

import (
	"bufio"
	"os"
	"strings"
)

// CPUVendor reads the vendor_id field of the first /proc/cpuinfo
// entry. Used to pick AMD- vs Intel-specific HyperV enlightenment
// tuning when substituting a tcg fallback model.
func CPUVendor() string {
	return cpuinfoField("vendor_id")
}

// CPUFlags returns the host's reported CPU flags (the "flags" line on
// x86, "Features" on arm64), lower-cased, used to decide whether
// avic/apicv can stay enabled under HyperV enlightenments.
func CPUFlags() []string {
	line := cpuinfoField("flags")
	if line == "" {
		line = cpuinfoField("Features")
	}
	if line == "" {
		return nil
	}
	return strings.Fields(strings.ToLower(line))
}

func cpuinfoField(key string) string {
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) == key {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// HasCPUFlag reports whether flags contains name, case-insensitively.
func HasCPUFlag(flags []string, name string) bool {
	name = strings.ToLower(name)
	for _, f := range flags {
		if f == name {
			return true
		}
	}
	return false
}
