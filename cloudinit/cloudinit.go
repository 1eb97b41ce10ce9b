// SPDX-License-Identifier: LGPL-3.0-or-later

// Package cloudinit synthesizes the NoCloud seed ISO consumed by the
// guest's cloud-init datasource: meta-data, user-data and vendor-data
// written to a scratch directory and packed with genisoimage.
package cloudinit

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"vmsupervisor/config"
	"vmsupervisor/logger"
	"vmsupervisor/vmerrors"
)

// Builder synthesizes a cloud-init NoCloud seed ISO for a single guest.
type Builder struct {
	log logger.Logger
}

// NewBuilder returns a Builder that logs through log.
func NewBuilder(log logger.Logger) *Builder {
	return &Builder{log: log}
}

var mountTargetRE = regexp.MustCompile(`[^0-9A-Za-z._-]`)

// sanitizeMountTarget returns a filesystem-safe name for mounting a
// virtiofs/9p share inside the guest.
func sanitizeMountTarget(tag string) string {
	safe := mountTargetRE.ReplaceAllString(tag, "-")
	safe = strings.Trim(safe, "-")
	if safe == "" {
		return "share"
	}
	return safe
}

// hashPassword bcrypt-hashes password for inclusion in the vendor-data
// users[].passwd field.
func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Build generates meta-data/user-data/vendor-data in a scratch
// directory and packs them into a NoCloud seed ISO at isoPath via
// genisoimage. It is a no-op when cfg.CloudInitEnabled is false.
func (b *Builder) Build(ctx context.Context, cfg *config.VMConfig, isoPath string) error {
	if !cfg.CloudInitEnabled {
		return nil
	}

	tmpDir, err := os.MkdirTemp("", "vmsupervisor-cloudinit-")
	if err != nil {
		return vmerrors.NewResourceError("cannot create cloud-init scratch dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	vendorData, err := b.renderVendorData(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "vendor-data"), []byte(vendorData), 0o644); err != nil {
		return vmerrors.NewResourceError("cannot write vendor-data: %v", err)
	}

	userData, err := b.renderUserData(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "user-data"), []byte(userData), 0o644); err != nil {
		return vmerrors.NewResourceError("cannot write user-data: %v", err)
	}

	metaData := fmt.Sprintf("instance-id: iid-%s\nlocal-hostname: %s\n", cfg.VMName, cfg.VMName)
	if err := os.WriteFile(filepath.Join(tmpDir, "meta-data"), []byte(metaData), 0o644); err != nil {
		return vmerrors.NewResourceError("cannot write meta-data: %v", err)
	}

	args := []string{
		"-output", isoPath,
		"-volid", "cidata",
		"-joliet", "-rock",
		filepath.Join(tmpDir, "meta-data"),
		filepath.Join(tmpDir, "user-data"),
		filepath.Join(tmpDir, "vendor-data"),
	}
	cmd := exec.CommandContext(ctx, "genisoimage", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return vmerrors.NewResourceError("genisoimage failed: %v: %s", err, string(output))
	}

	b.log.Info("cloud-init seed ISO generated", "path", isoPath)
	return nil
}

// vendorCloudConfig mirrors the subset of cloud-config keys the
// supervisor manages. Field order matches the rendering order the
// guest's cloud-init expects for deterministic diffing between runs.
type vendorCloudConfig struct {
	Packages  []string       `yaml:"packages"`
	Users     []vendorUser   `yaml:"users"`
	Chpasswd  chpasswdConfig `yaml:"chpasswd"`
	SSHPwAuth bool           `yaml:"ssh_pwauth"`
	WriteFiles []writeFile   `yaml:"write_files"`
	RunCmd    [][]string     `yaml:"runcmd"`
	Mounts    [][]string     `yaml:"mounts,omitempty"`
}

type vendorUser struct {
	Name              string   `yaml:"name"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	Sudo              string   `yaml:"sudo"`
	Shell             string   `yaml:"shell"`
	Passwd            string   `yaml:"passwd"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

type chpasswdConfig struct {
	Expire bool `yaml:"expire"`
}

type writeFile struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
}

func (b *Builder) renderVendorData(cfg *config.VMConfig) (string, error) {
	passwdHash, err := hashPassword(cfg.Password)
	if err != nil {
		return "", vmerrors.NewResourceError("cannot hash GUEST_PASSWORD: %v", err)
	}

	user := vendorUser{
		Name:       cfg.LoginUser,
		LockPasswd: false,
		Sudo:       "ALL=(ALL) NOPASSWD:ALL",
		Shell:      "/bin/bash",
		Passwd:     passwdHash,
	}
	if cfg.SSHPubkey != "" {
		user.SSHAuthorizedKeys = []string{cfg.SSHPubkey}
	}

	vendor := vendorCloudConfig{
		Packages: []string{"qemu-guest-agent"},
		Users:    []vendorUser{user},
		Chpasswd: chpasswdConfig{Expire: false},
		SSHPwAuth: true,
		WriteFiles: []writeFile{
			{
				Path:    "/etc/sysconfig/qemu-ga",
				Content: "# Managed by vmsupervisor\nBLACKLIST_RPC=\n",
			},
			{
				Path: "/etc/conf.d/qemu-guest-agent",
				Content: "# Managed by vmsupervisor\n" +
					"# Auto-detect virtio guest agent port\n" +
					"GA_PATH=\"$(find /dev -name 'vport*p1' 2>/dev/null | head -1)\"\n",
			},
		},
		RunCmd: [][]string{
			{"sh", "-c", "command -v semanage >/dev/null 2>&1 && semanage permissive -a virt_qemu_ga_t || true"},
			{"sh", "-c", "command -v systemctl >/dev/null 2>&1 && systemctl enable qemu-guest-agent && systemctl restart qemu-guest-agent || true"},
			{"sh", "-c", "command -v rc-update >/dev/null 2>&1 && rc-update add qemu-guest-agent default && rc-service qemu-guest-agent restart || true"},
		},
	}

	for _, fs := range cfg.Filesystems {
		safeTarget := sanitizeMountTarget(fs.Target)
		mountDir := "/mnt/" + safeTarget
		vendor.RunCmd = append(vendor.RunCmd, []string{"mkdir", "-p", mountDir})

		var fstype string
		options := []string{"defaults", "_netdev"}
		if fs.Driver == "virtiofs" {
			fstype = "virtiofs"
		} else {
			fstype = "9p"
			options = []string{"trans=virtio,version=9p2000.L", "_netdev"}
		}
		if fs.ReadOnly {
			options = append(options, "ro")
		}
		vendor.Mounts = append(vendor.Mounts, []string{
			fs.Target, mountDir, fstype, strings.Join(options, ","), "0", "0",
		})
	}

	body, err := yaml.Marshal(vendor)
	if err != nil {
		return "", vmerrors.NewResourceError("cannot render vendor-data: %v", err)
	}
	return "#cloud-config\n" + string(body), nil
}

func (b *Builder) renderUserData(cfg *config.VMConfig) (string, error) {
	if cfg.CloudInitUserDataPath == "" {
		return "", nil
	}
	content, err := os.ReadFile(cfg.CloudInitUserDataPath)
	if err != nil {
		return "", vmerrors.NewResourceError("cannot read CLOUD_INIT_USER_DATA: %v", err)
	}
	if strings.TrimSpace(string(content)) == "" {
		b.log.Warn("CLOUD_INIT_USER_DATA file is empty; ignored", "path", cfg.CloudInitUserDataPath)
		return "", nil
	}
	b.log.Info("using user cloud-init data", "path", cfg.CloudInitUserDataPath)
	return string(content), nil
}
