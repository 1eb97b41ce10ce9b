// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"vmsupervisor/catalog"
	"vmsupervisor/vmerrors"
)

var networkModeMap = map[string]string{
	"nat":    "user",
	"bridge": "bridge",
	"direct": "direct",
}

// buildNic resolves the Nth NIC's env vars, or returns (nil, nil) when
// index>=2 and NETWORK{N}_MODE is entirely unset (the signal that
// terminates the NIC loop).
func buildNic(index int, vmName string) (*NicConfig, error) {
	suffix := ""
	if index != 1 {
		suffix = fmt.Sprintf("%d", index)
	}

	modeRaw, modeSet := getEnvIndexed("NETWORK_MODE", index)
	if !modeSet || strings.TrimSpace(modeRaw) == "" {
		if index == 1 {
			modeRaw = "nat"
		} else {
			return nil, nil
		}
	}

	modeKey, ok := networkModeMap[strings.ToLower(strings.TrimSpace(modeRaw))]
	if !ok {
		return nil, vmerrors.NewConfigError(
			"unsupported NETWORK%s_MODE %q. Expected one of nat, bridge, direct", suffix, modeRaw)
	}

	var bridgeName, directDevice string
	switch modeKey {
	case "bridge":
		v, set := getEnvIndexed("NETWORK_BRIDGE", index)
		if !set || strings.TrimSpace(v) == "" {
			return nil, vmerrors.NewConfigError("NETWORK%s_BRIDGE is required when NETWORK%s_MODE=bridge", suffix, suffix)
		}
		bridgeName = strings.TrimSpace(v)
	case "direct":
		v, set := getEnvIndexed("NETWORK_DIRECT_DEV", index)
		if !set || strings.TrimSpace(v) == "" {
			return nil, vmerrors.NewConfigError("NETWORK%s_DIRECT_DEV is required when NETWORK%s_MODE=direct", suffix, suffix)
		}
		directDevice = strings.TrimSpace(v)
	}

	macAddress := ""
	if macRaw, set := getEnvIndexed("NETWORK_MAC", index); set && strings.TrimSpace(macRaw) != "" {
		macAddress = strings.ToLower(strings.TrimSpace(macRaw))
		if !macAddressRE.MatchString(macAddress) {
			return nil, vmerrors.NewConfigError("invalid NETWORK%s_MAC %q. Use format aa:bb:cc:dd:ee:ff", suffix, macRaw)
		}
	} else {
		macAddress = deterministicMAC(fmt.Sprintf("%s:%d", vmName, index))
	}

	model := "virtio"
	if modelRaw, set := getEnvIndexed("NETWORK_MODEL", index); set && strings.TrimSpace(modelRaw) != "" {
		model = strings.ToLower(strings.TrimSpace(modelRaw))
		if !catalog.SupportedNetworkModels[model] {
			return nil, vmerrors.NewConfigError("unsupported NETWORK%s_MODEL %q", suffix, modelRaw)
		}
	}

	nic := &NicConfig{
		Mode:         modeKey,
		BridgeName:   bridgeName,
		DirectDevice: directDevice,
		MACAddress:   macAddress,
		Model:        model,
	}

	if bootRaw, set := getEnvIndexed("NETWORK_BOOT", index); set {
		nic.Boot = truthy[strings.ToLower(strings.TrimSpace(bootRaw))]
	}
	return nic, nil
}

// buildFilesystem resolves the Nth FILESYSTEM{N}_* share, or returns
// (nil, nil) when none of its variables are set.
func buildFilesystem(index int) (*FilesystemConfig, error) {
	suffix := ""
	if index != 1 {
		suffix = fmt.Sprintf("%d", index)
	}

	sourceRaw, sourceSet := getEnvIndexed("FILESYSTEM_SOURCE", index)
	targetRaw, targetSet := getEnvIndexed("FILESYSTEM_TARGET", index)
	driverRaw, driverSet := getEnvIndexed("FILESYSTEM_DRIVER", index)
	accessRaw, accessSet := getEnvIndexed("FILESYSTEM_ACCESSMODE", index)
	readonlyRaw, readonlySet := getEnvIndexed("FILESYSTEM_READONLY", index)

	hasValue := (sourceSet && strings.TrimSpace(sourceRaw) != "") ||
		(targetSet && strings.TrimSpace(targetRaw) != "") ||
		(driverSet && strings.TrimSpace(driverRaw) != "") ||
		(accessSet && strings.TrimSpace(accessRaw) != "")
	if !hasValue && readonlySet && truthy[strings.ToLower(strings.TrimSpace(readonlyRaw))] {
		hasValue = true
	}
	if !hasValue {
		return nil, nil
	}

	if !sourceSet || strings.TrimSpace(sourceRaw) == "" {
		return nil, vmerrors.NewConfigError("FILESYSTEM%s_SOURCE is required when configuring a filesystem share", suffix)
	}

	readonly := readonlySet && truthy[strings.ToLower(strings.TrimSpace(readonlyRaw))]

	target := strings.TrimSpace(targetRaw)
	if !targetSet || target == "" {
		derived := filepath.Base(strings.TrimSpace(sourceRaw))
		if derived == "" || derived == "." || derived == "/" {
			return nil, vmerrors.NewConfigError(
				"FILESYSTEM%s_TARGET is required (could not auto-derive from source %q)", suffix, sourceRaw)
		}
		target = derived
	}
	if strings.Contains(target, "/") {
		return nil, vmerrors.NewConfigError("FILESYSTEM%s_TARGET %q must be a simple tag without '/' characters", suffix, target)
	}

	sourcePath := expandHome(strings.TrimSpace(sourceRaw))
	info, err := os.Stat(sourcePath)
	switch {
	case err == nil && !info.IsDir():
		return nil, vmerrors.NewConfigError("FILESYSTEM%s_SOURCE %s must point to a directory", suffix, sourcePath)
	case err != nil:
		if readonly {
			return nil, vmerrors.NewConfigError(
				"FILESYSTEM%s_SOURCE %s does not exist and cannot be created while readonly", suffix, sourcePath)
		}
		if err := os.MkdirAll(sourcePath, 0o755); err != nil {
			return nil, vmerrors.NewResourceError("cannot create FILESYSTEM%s_SOURCE %s: %v", suffix, sourcePath, err)
		}
	}

	driver := "virtiofs"
	if driverSet && strings.TrimSpace(driverRaw) != "" {
		driver = strings.ToLower(strings.TrimSpace(driverRaw))
	}
	if driver != "virtiofs" && driver != "9p" {
		return nil, vmerrors.NewConfigError("unsupported FILESYSTEM%s_DRIVER %q. Supported: virtiofs, 9p", suffix, driver)
	}

	accessmode := "passthrough"
	if accessSet && strings.TrimSpace(accessRaw) != "" {
		accessmode = strings.ToLower(strings.TrimSpace(accessRaw))
	}
	if accessmode != "passthrough" && accessmode != "mapped" && accessmode != "squash" {
		return nil, vmerrors.NewConfigError(
			"unsupported FILESYSTEM%s_ACCESSMODE %q. Supported values: passthrough, mapped, squash", suffix, accessmode)
	}
	if driver == "virtiofs" && accessmode != "passthrough" {
		return nil, vmerrors.NewConfigError(
			"FILESYSTEM%s_ACCESSMODE=%q is not supported with virtiofs. virtiofs only supports 'passthrough'. "+
				"Use FILESYSTEM_DRIVER=9p for 'mapped' or 'squash'", suffix, accessmode)
	}

	return &FilesystemConfig{
		Source:     sourcePath,
		Target:     target,
		Driver:     driver,
		AccessMode: accessmode,
		ReadOnly:   readonly,
	}, nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
