// SPDX-License-Identifier: LGPL-3.0-or-later

package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
distributions:
  ubuntu-2404:
    name: Ubuntu 24.04 LTS
    url: https://cloud-images.ubuntu.com/noble/current/noble-server-cloudimg-amd64.img
    user: ubuntu
    format: qcow2
    arch: x86_64
  debian-12:
    name: Debian 12
    url: https://cloud.debian.org/images/cloud/bookworm/latest/debian-12-generic-amd64.qcow2
    user: debian
    format: qcow2
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "distros.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))
	return path
}

func TestLoadAndLookup(t *testing.T) {
	c, err := Load(writeCatalog(t))
	require.NoError(t, err)

	d, err := c.Lookup("ubuntu-2404")
	require.NoError(t, err)
	assert.Equal(t, "ubuntu", d.LoginUser)
	assert.Equal(t, "qcow2", d.ImageFormat)
}

func TestLookupUnknownListsAvailable(t *testing.T) {
	c, err := Load(writeCatalog(t))
	require.NoError(t, err)

	_, err = c.Lookup("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ubuntu-2404")
	assert.Contains(t, err.Error(), "debian-12")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/distros.yaml")
	require.Error(t, err)
}

func TestKeysForArch(t *testing.T) {
	c, err := Load(writeCatalog(t))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ubuntu-2404", "debian-12"}, c.KeysForArch("x86_64"))
	assert.Empty(t, c.KeysForArch("aarch64"))
}

func TestNormalizeArch(t *testing.T) {
	assert.Equal(t, "x86_64", NormalizeArch("amd64"))
	assert.Equal(t, "aarch64", NormalizeArch("arm64"))
	assert.Equal(t, "ppc64", NormalizeArch("ppc64le"))
	assert.Equal(t, "riscv64", NormalizeArch("riscv"))
	assert.Equal(t, "s390x", NormalizeArch("s390x"))
}

func TestResolveArchUnsupported(t *testing.T) {
	_, _, err := ResolveArch("sparc64")
	require.Error(t, err)
}

func TestResolveArchProfile(t *testing.T) {
	canon, profile, err := ResolveArch("amd64")
	require.NoError(t, err)
	assert.Equal(t, "x86_64", canon)
	assert.Equal(t, "q35", profile.Machine)
	assert.Equal(t, "qemu64", profile.TCGFallback)
}
