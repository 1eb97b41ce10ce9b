// SPDX-License-Identifier: LGPL-3.0-or-later

package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vmsupervisor/config"
)

func TestIndexExtraDisks(t *testing.T) {
	cfg := &config.VMConfig{
		ExtraDisks: []config.DiskConfig{{Index: 2, Size: "10G"}, {Index: 3, Size: "20G"}},
	}
	paths := []string{"/images/vms/test/disk2.qcow2", "/images/vms/test/disk3.qcow2"}
	got := indexExtraDisks(cfg, paths)
	assert.Equal(t, "/images/vms/test/disk2.qcow2", got[2])
	assert.Equal(t, "/images/vms/test/disk3.qcow2", got[3])
}

func TestIndexBlockDevices(t *testing.T) {
	cfg := &config.VMConfig{
		BlockDevices: []config.BlockDevice{{Index: 1, Path: "/dev/sdb"}},
	}
	got := indexBlockDevices(cfg)
	assert.Equal(t, "/dev/sdb", got[1])
}
