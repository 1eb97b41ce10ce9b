// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"vmsupervisor/logger"
	"vmsupervisor/vmerrors"
)

var cloudInitHeaders = []string{"#cloud-config", "#!", "#cloud-boothook", "#include", "#part-handler"}

// resolveCloudInitUserData validates CLOUD_INIT_USER_DATA: the file
// must exist and be regular, and when it looks like #cloud-config its
// contents must parse as a YAML mapping.
func resolveCloudInitUserData(path string, log logger.Logger) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", vmerrors.NewConfigError(
			"CLOUD_INIT_USER_DATA file not found: %s\n"+
				"  Ensure the file is bind-mounted into the container (e.g. -v /host/path:/container/path:ro)", path)
	}
	if !info.Mode().IsRegular() {
		return "", vmerrors.NewConfigError("CLOUD_INIT_USER_DATA must point to a regular file: %s", path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", vmerrors.NewConfigError("cannot read CLOUD_INIT_USER_DATA: %v", err)
	}

	firstLine := strings.TrimSpace(strings.SplitN(string(content), "\n", 2)[0])
	recognized := false
	for _, h := range cloudInitHeaders {
		if strings.HasPrefix(firstLine, h) {
			recognized = true
			break
		}
	}
	if !recognized {
		preview := firstLine
		if len(preview) > 60 {
			preview = preview[:60]
		}
		log.Warn("CLOUD_INIT_USER_DATA does not start with a recognized cloud-init header",
			"got", preview, "expected", "#cloud-config, #!/bin/bash, #cloud-boothook, #include, or #part-handler")
	}

	if firstLine == "#cloud-config" {
		var parsed map[string]interface{}
		if err := yaml.Unmarshal(content, &parsed); err != nil {
			return "", vmerrors.NewConfigError("CLOUD_INIT_USER_DATA contains invalid YAML: %v", err)
		}
		if parsed == nil {
			log.Warn("CLOUD_INIT_USER_DATA: #cloud-config should contain a YAML mapping, got an empty document")
		}
	}

	return path, nil
}
