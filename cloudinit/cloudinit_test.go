// SPDX-License-Identifier: LGPL-3.0-or-later

package cloudinit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmsupervisor/config"
)

func TestSanitizeMountTarget(t *testing.T) {
	assert.Equal(t, "shared-data", sanitizeMountTarget("shared data"))
	assert.Equal(t, "share", sanitizeMountTarget("---"))
	assert.Equal(t, "abc", sanitizeMountTarget("-abc-"))
}

func TestHashPasswordProducesVerifiableBcryptHash(t *testing.T) {
	hash, err := hashPassword("s3cret-pass")
	require.NoError(t, err)
	assert.Contains(t, hash, "$2")
	assert.NotEqual(t, "s3cret-pass", hash)
}

func TestRenderVendorDataIncludesUserAndMounts(t *testing.T) {
	b := NewBuilder(nil)
	cfg := &config.VMConfig{
		LoginUser: "ubuntu",
		Password:  "s3cret-pass",
		SSHPubkey: "ssh-ed25519 AAAA...",
		Filesystems: []config.FilesystemConfig{
			{Target: "shared", Driver: "virtiofs", ReadOnly: false},
			{Target: "ro share", Driver: "9p", ReadOnly: true},
		},
	}

	data, err := b.renderVendorData(cfg)
	require.NoError(t, err)
	assert.Contains(t, data, "#cloud-config")
	assert.Contains(t, data, "ubuntu")
	assert.Contains(t, data, "ssh-ed25519")
	assert.Contains(t, data, "virtiofs")
	assert.Contains(t, data, "9p")
	assert.Contains(t, data, "/mnt/shared")
	assert.Contains(t, data, "/mnt/ro-share")
}
