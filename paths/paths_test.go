// SPDX-License-Identifier: LGPL-3.0-or-later

package paths

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveWithDataDir(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/vmsup-data")
	p := Resolve()
	assert.Equal(t, "/tmp/vmsup-data", p.ImagesDir)
	assert.Equal(t, "/tmp/vmsup-data/base", p.BaseImagesDir)
	assert.Equal(t, "/tmp/vmsup-data/state", p.StateDir)
	assert.Equal(t, "/tmp/vmsup-data/state/boot-isos", p.BootISOCache)
}

func TestResolveWithoutDataDir(t *testing.T) {
	os.Unsetenv("DATA_DIR")
	p := Resolve()
	if p.ImagesDir != "/data" {
		assert.Equal(t, "/images", p.ImagesDir)
		assert.Equal(t, "/var/lib/vmsupervisor", p.StateDir)
	}
}

func TestVMDir(t *testing.T) {
	p := Paths{VMImagesDir: "/images/vms"}
	assert.Equal(t, "/images/vms/ubuntu-2404", p.VMDir("ubuntu-2404"))
}
