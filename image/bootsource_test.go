// SPDX-License-Identifier: LGPL-3.0-or-later

package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsOCIReference(t *testing.T) {
	cases := []struct {
		ref  string
		want bool
	}{
		{"quay.io/containerdisks/centos:9", true},
		{"registry.example.com:5000/vms/ubuntu:22.04", true},
		{"docker.io/library/alpine:latest", true},
		{"/var/lib/images/disk.qcow2", false},
		{"relative/path/disk.qcow2", false},
		{"https://example.com/disk.qcow2", false},
		{"noSlashAtAll", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, isOCIReference(c.ref), "ref=%s", c.ref)
	}
}

func TestCacheFilenameForURLPreservesExtension(t *testing.T) {
	name := cacheFilenameForURL("https://example.com/images/noble.img?token=abc")
	assert.True(t, len(name) > len(".img"))
	assert.Equal(t, ".img", name[len(name)-4:])
}

func TestCacheFilenameForURLIsStable(t *testing.T) {
	a := cacheFilenameForURL("https://example.com/images/noble.img")
	b := cacheFilenameForURL("https://example.com/images/noble.img")
	assert.Equal(t, a, b)

	c := cacheFilenameForURL("https://example.com/images/other.img")
	assert.NotEqual(t, a, c)
}
