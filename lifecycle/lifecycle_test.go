// SPDX-License-Identifier: LGPL-3.0-or-later

package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateIdle:      "idle",
		StateConnected: "connected",
		StatePrepared:  "prepared",
		StateRunning:   "running",
		StateStopped:   "stopped",
		StateCleaned:   "cleaned",
		State(99):      "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestResolveEffectiveCPUModelFallsBackWithoutKVM(t *testing.T) {
	assert.Equal(t, "qemu64", resolveEffectiveCPUModel("host", false, "qemu64"))
	assert.Equal(t, "qemu64", resolveEffectiveCPUModel("host-passthrough", false, "qemu64"))
}

func TestResolveEffectiveCPUModelPassesThroughWithKVM(t *testing.T) {
	assert.Equal(t, "host", resolveEffectiveCPUModel("host", true, "qemu64"))
}

func TestResolveEffectiveCPUModelPassesThroughExplicitModel(t *testing.T) {
	assert.Equal(t, "skylake-client", resolveEffectiveCPUModel("skylake-client", false, "qemu64"))
}
