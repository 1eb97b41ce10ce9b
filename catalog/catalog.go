// SPDX-License-Identifier: LGPL-3.0-or-later

// Package catalog loads the distribution catalog file and resolves
// architecture aliases against the supported-architecture capability
// matrix. Every other package treats a Distribution as immutable once
// loaded.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"vmsupervisor/vmerrors"
)

// Distribution is a single catalog entry: the defaults the config
// resolver falls back to when the corresponding env var is unset.
type Distribution struct {
	DisplayName string `yaml:"name"`
	ImageURL    string `yaml:"url"`
	LoginUser   string `yaml:"user"`
	ImageFormat string `yaml:"format"`
	Arch        string `yaml:"arch"`
}

// EffectiveImageFormat returns ImageFormat, defaulting to qcow2 when
// the catalog entry leaves it unset.
func (d Distribution) EffectiveImageFormat() string {
	if d.ImageFormat == "" {
		return "qcow2"
	}
	return d.ImageFormat
}

type catalogFile struct {
	Distributions map[string]Distribution `yaml:"distributions"`
}

// DefaultPath is where the catalog is mounted in the teacher's image.
const DefaultPath = "/config/distros.yaml"

// Catalog is the parsed set of distribution descriptors keyed by the
// catalog key used in DISTRO.
type Catalog struct {
	path      string
	distros   map[string]Distribution
}

// Load reads and parses the catalog file at path. An empty path uses
// DefaultPath.
func Load(path string) (*Catalog, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerrors.NewConfigError("distribution config missing: %s", path)
	}

	var parsed catalogFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, vmerrors.NewConfigError("distribution config %s is not valid YAML: %v", path, err)
	}

	return &Catalog{path: path, distros: parsed.Distributions}, nil
}

// Lookup resolves a distro key, returning a ConfigError listing the
// available keys when it isn't present — the same message shape the
// teacher's image prints on an unknown --distro.
func (c *Catalog) Lookup(distro string) (Distribution, error) {
	d, ok := c.distros[distro]
	if !ok {
		keys := c.Keys()
		msg := fmt.Sprintf("unknown distro %q\n  Available distributions:\n", distro)
		for _, k := range keys {
			msg += "    " + k + "\n"
		}
		msg += "  Use --list-distros to see details."
		return Distribution{}, vmerrors.NewConfigError("%s", msg)
	}
	return d, nil
}

// Keys returns the sorted list of catalog keys.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.distros))
	for k := range c.distros {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeysForArch returns the sorted catalog keys whose declared (or
// default) architecture resolves to the given canonical architecture.
func (c *Catalog) KeysForArch(arch string) []string {
	canon := NormalizeArch(arch)
	keys := make([]string, 0, len(c.distros))
	for k, d := range c.distros {
		declared := d.Arch
		if declared == "" {
			declared = "x86_64"
		}
		if NormalizeArch(declared) == canon {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
