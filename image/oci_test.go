// SPDX-License-Identifier: LGPL-3.0-or-later

package image

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortDigest(t *testing.T) {
	assert.Equal(t, "abcdef012345", shortDigest("sha256:abcdef012345678900000000"))
	assert.Equal(t, "short", shortDigest("short"))
}

func TestSanitizeOCIName(t *testing.T) {
	assert.Equal(t, "quay-io-org-name-tag", sanitizeOCIName("quay.io/org/name:tag"))
}

func TestHasDiskExtension(t *testing.T) {
	assert.True(t, hasDiskExtension("disk.qcow2"))
	assert.True(t, hasDiskExtension("rootfs/DISK.RAW"))
	assert.False(t, hasDiskExtension("manifest.json"))
}

func TestExtractDiskFromLayerFindsMatchingEntry(t *testing.T) {
	dir := t.TempDir()
	blobPath := filepath.Join(dir, "layer.tar")
	writeTestTar(t, blobPath, map[string][]byte{
		"README.txt": []byte("hello"),
		"disk.qcow2": []byte("fake-qcow2-bytes"),
	})

	diskPath := filepath.Join(dir, "out", "disk.qcow2")
	found, err := extractDiskFromLayer(blobPath, diskPath)
	assert.NoError(t, err)
	assert.True(t, found)

	data, err := os.ReadFile(diskPath)
	assert.NoError(t, err)
	assert.Equal(t, "fake-qcow2-bytes", string(data))
}

func TestExtractDiskFromLayerNoMatch(t *testing.T) {
	dir := t.TempDir()
	blobPath := filepath.Join(dir, "layer.tar")
	writeTestTar(t, blobPath, map[string][]byte{
		"README.txt": []byte("hello"),
	})

	found, err := extractDiskFromLayer(blobPath, filepath.Join(dir, "disk.qcow2"))
	assert.NoError(t, err)
	assert.False(t, found)
}
