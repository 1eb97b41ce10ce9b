// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverlayAppliesUnsetKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("MEMORY: \"8192\"\nCPUS: \"4\"\n"), 0o644))

	os.Unsetenv("MEMORY")
	os.Unsetenv("CPUS")
	defer os.Unsetenv("MEMORY")
	defer os.Unsetenv("CPUS")

	require.NoError(t, LoadOverlay(path))
	assert.Equal(t, "8192", os.Getenv("MEMORY"))
	assert.Equal(t, "4", os.Getenv("CPUS"))
}

func TestLoadOverlayRealEnvWins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("MEMORY: \"8192\"\n"), 0o644))

	t.Setenv("MEMORY", "2048")

	require.NoError(t, LoadOverlay(path))
	assert.Equal(t, "2048", os.Getenv("MEMORY"))
}

func TestLoadOverlayMissingFile(t *testing.T) {
	err := LoadOverlay(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
