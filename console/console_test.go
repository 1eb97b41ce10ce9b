// SPDX-License-Identifier: LGPL-3.0-or-later

package console

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeNilIsZero(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
}

func TestExitCodeFromExitError(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	assert.Equal(t, 7, exitCode(err))
}

func TestExitCodeFromOtherErrorDefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, exitCode(assert.AnError))
}
