// SPDX-License-Identifier: LGPL-3.0-or-later

package vmerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, Config, Classify(NewConfigError("MEMORY bad")))
	assert.Equal(t, Resource, Classify(NewResourceError("kvm missing")))
	assert.Equal(t, Libvirt, Classify(NewLibvirtError("connect failed")))
	assert.Equal(t, Operational, Classify(NewOperationalError("virtlogd died")))
	assert.Equal(t, Other, Classify(errors.New("boom")))
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Variable: "SSH_PORT", Value: "8080", Remediation: "pick another port"}
	assert.Contains(t, err.Error(), "SSH_PORT")
	assert.Contains(t, err.Error(), "8080")
	assert.Contains(t, err.Error(), "pick another port")
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "ConfigError", Config.String())
	assert.Equal(t, "Error", Other.String())
}
