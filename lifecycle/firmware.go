// SPDX-License-Identifier: LGPL-3.0-or-later

package lifecycle

import (
	"io"
	"os"
	"path/filepath"

	"vmsupervisor/vmerrors"
)

// prepareFirmware resolves the loader/vars-template pair this domain's
// architecture and boot mode need, and copies the vars template into a
// per-VM NVRAM file the first time it's needed. A legacy-mode x86_64
// domain, or any architecture with no firmware entry in the catalog,
// needs none of this.
func (c *Controller) prepareFirmware() error {
	cfg := c.cfg
	needFirmware := (cfg.Arch == "x86_64" && cfg.BootMode != "legacy") ||
		(cfg.Arch != "x86_64" && c.archProfile.Firmware != nil)
	if !needFirmware {
		return nil
	}

	mode := cfg.BootMode
	if cfg.Arch != "x86_64" {
		mode = "uefi"
	}
	fw, ok := c.archProfile.Firmware[mode]
	if !ok {
		return vmerrors.NewResourceError("no firmware profile for architecture %s boot mode %s", cfg.Arch, mode)
	}
	if !fileExists(fw.Loader) {
		return vmerrors.NewResourceError("firmware loader not found at %s", fw.Loader)
	}
	if !fileExists(fw.VarsTemplate) {
		return vmerrors.NewResourceError("firmware vars template not found at %s", fw.VarsTemplate)
	}

	if err := os.MkdirAll(c.paths.FirmwareDir, 0o755); err != nil {
		return vmerrors.NewOperationalError("create firmware dir: %v", err)
	}
	varsPath := filepath.Join(c.paths.FirmwareDir, cfg.VMName+"-vars.fd")
	if !fileExists(varsPath) {
		if err := copyFirmwareVars(fw.VarsTemplate, varsPath); err != nil {
			return vmerrors.NewResourceError("copy firmware vars template: %v", err)
		}
		c.log.Info("firmware vars file created", "path", varsPath)
	}

	c.firmwareLoaderPath = fw.Loader
	c.firmwareVarsPath = varsPath
	c.usedFirmware = true
	return nil
}

func copyFirmwareVars(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
