// SPDX-License-Identifier: LGPL-3.0-or-later

package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmsupervisor/config"
	"vmsupervisor/logger"
	"vmsupervisor/paths"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	cfg := &config.VMConfig{
		RedfishEnabled:  true,
		RedfishUser:     "admin",
		RedfishPassword: "changeit",
		RedfishPort:     8000,
		NoVNCEnabled:    true,
		NoVNCPort:       6080,
		VNCPort:         5900,
	}
	p := paths.Paths{
		CertDir:      t.TempDir(),
		SushyConfDir: t.TempDir(),
	}
	return New(cfg, p, logger.NewTestLogger(t))
}

func TestNewDefaultsStoragePool(t *testing.T) {
	s := newTestSupervisor(t)
	assert.Equal(t, "default", s.storagePoolName)
	assert.Equal(t, "/var/lib/libvirt/images", s.storagePoolPath)
}

func TestNewStoragePoolFromEnv(t *testing.T) {
	t.Setenv("REDFISH_STORAGE_POOL", "custom")
	t.Setenv("REDFISH_STORAGE_PATH", "/srv/pool")
	s := newTestSupervisor(t)
	assert.Equal(t, "custom", s.storagePoolName)
	assert.Equal(t, "/srv/pool", s.storagePoolPath)
}

func TestWriteAuthFileProducesBcryptLine(t *testing.T) {
	s := newTestSupervisor(t)
	authPath, err := s.writeAuthFile()
	require.NoError(t, err)
	assert.FileExists(t, authPath)
	assert.Contains(t, authPath, "htpasswd")
}

func TestWriteSushyConfigContainsExpectedKeys(t *testing.T) {
	s := newTestSupervisor(t)
	configPath, err := s.writeSushyConfig("/tmp/cert.pem", "/tmp/key.pem", "/tmp/htpasswd")
	require.NoError(t, err)
	assert.FileExists(t, configPath)
}

func TestStopIsIdempotent(t *testing.T) {
	s := newTestSupervisor(t)
	s.Stop()
	s.Stop()
	assert.True(t, s.shutdown)
}

func TestLibvirtURIDefaultsToQemuSystem(t *testing.T) {
	assert.Equal(t, "qemu:///system", libvirtURI())
}

func TestLibvirtURIFromEnv(t *testing.T) {
	t.Setenv("LIBVIRT_URI", "qemu:///session")
	assert.Equal(t, "qemu:///session", libvirtURI())
}

func TestStartNoVNCDisabledIsNoop(t *testing.T) {
	s := newTestSupervisor(t)
	s.cfg.NoVNCEnabled = false
	assert.NoError(t, s.StartNoVNC())
}

func TestStartTPMDisabledIsNoop(t *testing.T) {
	s := newTestSupervisor(t)
	sock, err := s.StartTPM(false, "test-vm")
	assert.NoError(t, err)
	assert.Empty(t, sock)
}
