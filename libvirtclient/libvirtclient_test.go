// SPDX-License-Identifier: LGPL-3.0-or-later

package libvirtclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const sampleDominfo = `Id:             3
Name:           test-vm
UUID:           8f3c2b1a-1111-2222-3333-444455556666
OS Type:        hvm
State:          running
CPU(s):         4
CPU time:       12.3s
Max memory:     4194304 KiB
Used memory:    4194304 KiB
Persistent:     yes
Autostart:      disable
Managed save:   no
Security model: none
Security DOI:   0
`

func TestParseDomInfo(t *testing.T) {
	info := parseDomInfo(sampleDominfo)
	assert.Equal(t, "running", info.State)
	assert.Equal(t, 4, info.CPUs)
	assert.Equal(t, 4096, info.MemoryMB)
}

func TestParseDomInfoEmptyOutput(t *testing.T) {
	info := parseDomInfo("")
	assert.Equal(t, DomInfo{}, info)
}

func TestParseDomInfoIgnoresMalformedLines(t *testing.T) {
	info := parseDomInfo("not a colon line\nState:          shut off\n")
	assert.Equal(t, "shut off", info.State)
}
