// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"vmsupervisor/vmerrors"
)

// truthy is the accepted spelling set for boolean env vars.
var truthy = map[string]bool{"1": true, "true": true, "yes": true, "on": true}

var (
	macAddressRE   = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)
	diskSizeRE     = regexp.MustCompile(`^[0-9]+[KMGTkmgt]?$`)
	containerIDRE  = regexp.MustCompile(`^[0-9a-f]{12,64}$`)
)

func getEnv(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func getEnvOptional(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok
}

func getEnvBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	return truthy[strings.ToLower(strings.TrimSpace(v))]
}

func parseIntEnv(name, def string, minVal, maxVal int) (int, error) {
	raw := getEnv(name, def)
	val, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, vmerrors.NewConfigError("%s must be an integer, got %q", name, raw)
	}
	if val < minVal {
		return 0, vmerrors.NewConfigError("%s must be >= %d, got %d", name, minVal, val)
	}
	if maxVal > 0 && val > maxVal {
		return 0, vmerrors.NewConfigError("%s must be <= %d, got %d", name, maxVal, val)
	}
	return val, nil
}

func validateDiskSize(raw string) (string, error) {
	if !diskSizeRE.MatchString(raw) {
		return "", vmerrors.NewConfigError("DISK_SIZE %q does not match ^\\d+[KMGTkmgt]?$", raw)
	}
	return raw, nil
}

// getEnvIndexed reads an indexed variant of name: index 1 is the bare
// name, index N>=2 splits name on its first underscore and inserts N,
// e.g. getEnvIndexed("NETWORK_MODE", 2) -> NETWORK2_MODE.
func getEnvIndexed(name string, index int) (string, bool) {
	if index == 1 {
		return getEnvOptional(name)
	}
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 {
		return getEnvOptional(fmt.Sprintf("%s%d", name, index))
	}
	return getEnvOptional(fmt.Sprintf("%s%d_%s", parts[0], index, parts[1]))
}

// looksLikeContainerID reports whether s is a 12-64 char lowercase
// hex string, the shape of a Docker/Podman/k8s container id — used to
// decide whether $HOSTNAME is a trustworthy default vm_name.
func looksLikeContainerID(s string) bool {
	return containerIDRE.MatchString(strings.ToLower(s))
}
