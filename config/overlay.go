// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"vmsupervisor/vmerrors"
)

// LoadOverlay reads a YAML file of environment variable names to
// string values and applies each one with os.Setenv, skipping any name
// already present in the real process environment. Resolve treats
// every one of its ~80 inputs as an environment lookup, so overlaying
// onto the environment itself keeps "file first, real env always wins"
// precedence without re-deriving a parallel struct and a field-by-field
// merge for each of them.
func LoadOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return vmerrors.NewConfigError("read config overlay %s: %v", path, err)
	}

	var overlay map[string]string
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return vmerrors.NewConfigError("parse config overlay %s: %v", path, err)
	}

	for key, value := range overlay {
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return vmerrors.NewConfigError("apply config overlay key %s: %v", key, err)
		}
	}
	return nil
}
