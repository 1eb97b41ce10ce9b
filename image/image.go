// SPDX-License-Identifier: LGPL-3.0-or-later

// Package image resolves a VM's boot source, downloads and prepares the
// base disk image, and prepares the per-VM work disk and any extra
// data disks. It shells out to qemu-img/skopeo/tar for the heavy
// lifting the same way the rest of this engine shells out to virsh.
package image

import (
	"context"
	"os"
	"path/filepath"

	"vmsupervisor/config"
	"vmsupervisor/logger"
	"vmsupervisor/paths"
	"vmsupervisor/vmerrors"
)

// Preparer owns the image pipeline for a single VM. It holds no state
// beyond its inputs; every method is safe to call once per prepare run.
type Preparer struct {
	cfg   *config.VMConfig
	paths paths.Paths
	log   logger.Logger
}

func NewPreparer(cfg *config.VMConfig, p paths.Paths, log logger.Logger) *Preparer {
	return &Preparer{cfg: cfg, paths: p, log: log}
}

// BaseImagePath is where the prepared (qcow2, decompressed) base image
// for this distro lives, regardless of which boot source produced it.
func (p *Preparer) BaseImagePath() string {
	name := p.cfg.Distro + ".qcow2"
	return filepath.Join(p.paths.BaseImagesDir, name)
}

// WorkImagePath is the per-VM writable disk libvirt boots from.
func (p *Preparer) WorkImagePath() string {
	return filepath.Join(p.paths.VMDir(p.cfg.VMName), "disk.qcow2")
}

// installMarkerPath is written once a VM has completed a first boot
// with an installer ISO attached, so later runs can skip re-attaching
// the ISO and just boot from the work disk. See IsInstalled/MarkInstalled.
func (p *Preparer) installMarkerPath() string {
	return filepath.Join(p.paths.VMDir(p.cfg.VMName), paths.InstalledMarkerName())
}

// IsInstalled reports whether a previous run already completed the
// installer pass for this VM's work disk.
func (p *Preparer) IsInstalled() bool {
	_, err := os.Stat(p.installMarkerPath())
	return err == nil
}

// MarkInstalled writes the install-complete sentinel.
func (p *Preparer) MarkInstalled() error {
	if err := os.MkdirAll(p.paths.VMDir(p.cfg.VMName), 0o755); err != nil {
		return vmerrors.NewResourceError("create vm directory: %v", err)
	}
	if err := os.WriteFile(p.installMarkerPath(), []byte("installed\n"), 0o644); err != nil {
		return vmerrors.NewResourceError("write install marker: %v", err)
	}
	return nil
}

// ensureParentDir creates the directory a path will be written into.
func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// fileExists reports whether path names a regular file of nonzero size.
// Cache hits throughout this package use this instead of a bare
// os.Stat check, since a zero-byte file left behind by an interrupted
// download must not be mistaken for a valid cached artifact.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// PrepareResult describes the outcome of a full prepare pass: the base
// image, the work disk, and whether the resolved boot source turned
// out to be an installer ISO that still needs attaching.
type PrepareResult struct {
	BaseImagePath string
	WorkImagePath string
	BootISOPath   string
	ExtraDisks    []string
}

// Prepare runs the complete image pipeline: resolve the configured boot
// source, ensure the base image, prepare the work disk, and prepare any
// extra data disks. It mirrors the smart install-skip behavior: once a
// VM has an install marker and persistence is on, a previously-attached
// installer ISO is dropped on subsequent runs unless FORCE_ISO is set.
func (p *Preparer) Prepare(ctx context.Context) (*PrepareResult, error) {
	result := &PrepareResult{}

	boot, err := p.ResolveBootFrom(ctx)
	if err != nil {
		return nil, err
	}

	switch {
	case boot == nil:
		// No BOOT_FROM override; fall back to the catalog-declared image.
		if !p.cfg.BlankWorkDisk {
			if err := p.EnsureBaseImage(ctx); err != nil {
				return nil, err
			}
		}
	case boot.IsISO:
		result.BootISOPath = boot.Path
	default:
		if err := p.adoptAsBaseImage(ctx, boot.Path); err != nil {
			return nil, err
		}
	}

	if result.BootISOPath == "" && p.cfg.BootISOPath != "" {
		result.BootISOPath = p.cfg.BootISOPath
	}

	if result.BootISOPath != "" && p.cfg.Persist && p.IsInstalled() && !p.cfg.ForceISO {
		p.log.Info("install marker present, dropping boot ISO", "vm", p.cfg.VMName)
		result.BootISOPath = ""
	}

	if err := p.PrepareWorkImage(ctx); err != nil {
		return nil, err
	}
	result.BaseImagePath = p.BaseImagePath()
	result.WorkImagePath = p.WorkImagePath()

	// WorkImagePath is always qcow2 on disk regardless of the catalog-
	// declared source format: postProcessImage normalizes every non-ISO
	// boot source to qcow2 before it becomes the base image, and the
	// work disk is either a copy of that base image or a qemu-img
	// -created blank qcow2. domainxml's <driver type=...> must reflect
	// that, not the originally-declared format.
	p.cfg.ImageFormat = "qcow2"

	extras, err := p.PrepareExtraDisks(ctx)
	if err != nil {
		return nil, err
	}
	result.ExtraDisks = extras

	return result, nil
}

// adoptAsBaseImage copies/converts a resolved non-ISO boot source into
// the canonical base image location, running it through the same
// format-normalization path as a catalog-declared image.
func (p *Preparer) adoptAsBaseImage(ctx context.Context, resolvedPath string) error {
	target := p.BaseImagePath()
	if fileExists(target) {
		return nil
	}
	if err := ensureParentDir(target); err != nil {
		return vmerrors.NewResourceError("create base image directory: %v", err)
	}
	return p.postProcessImage(ctx, resolvedPath, target)
}
