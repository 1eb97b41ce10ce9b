// SPDX-License-Identifier: LGPL-3.0-or-later

package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"vmsupervisor/providers/formats"
	"vmsupervisor/vmerrors"
)

// cachedWorkImageMinSize mirrors cachedImageMinSize's truncation check,
// applied to a reused persistent work disk instead of the base image.
const cachedWorkImageMinSize = 1024 * 1024

// PrepareWorkImage produces the per-VM writable disk libvirt boots
// from: reusing and expanding a persistent disk if one already exists,
// creating a blank disk if BLANK_DISK was requested, or copying the
// base image and expanding it to the configured size otherwise.
func (p *Preparer) PrepareWorkImage(ctx context.Context) error {
	workPath := p.WorkImagePath()
	if err := os.MkdirAll(filepath.Dir(workPath), 0o755); err != nil {
		return vmerrors.NewResourceError("create vm directory: %v", err)
	}

	sizeBytes, err := parseSizeToBytes(p.cfg.DiskSize)
	if err != nil {
		return vmerrors.NewConfigError("DISK_SIZE %q is invalid: %v", p.cfg.DiskSize, err)
	}

	if p.cfg.Persist && fileExists(workPath) {
		info, statErr := os.Stat(workPath)
		if statErr == nil && info.Size() >= cachedWorkImageMinSize {
			p.log.Info("reusing persistent work disk", "path", workPath)
			return p.expandWorkImageIfNeeded(ctx, workPath, sizeBytes)
		}
		p.log.Warn("persistent work disk looks truncated, recreating", "path", workPath)
	}

	if p.cfg.BlankWorkDisk {
		return createBlankDisk(ctx, workPath, sizeBytes, p.cfg.DiskPreallocate)
	}

	base := p.BaseImagePath()
	if !fileExists(base) {
		return vmerrors.NewResourceError("base image %s is missing, cannot create work disk", base)
	}
	if err := copyFileContents(base, workPath); err != nil {
		return vmerrors.NewResourceError("copy base image to work disk: %v", err)
	}
	return p.expandWorkImageIfNeeded(ctx, workPath, sizeBytes)
}

// PrepareExtraDisks creates one qcow2 disk per configured extra data
// disk (DISK2_SIZE..DISK6_SIZE), skipping any that already exist when
// persistence is enabled.
func (p *Preparer) PrepareExtraDisks(ctx context.Context) ([]string, error) {
	var created []string
	vmDir := p.paths.VMDir(p.cfg.VMName)

	for _, disk := range p.cfg.ExtraDisks {
		path := filepath.Join(vmDir, fmt.Sprintf("disk%d.qcow2", disk.Index))
		if p.cfg.Persist && fileExists(path) {
			p.log.Info("reusing persistent extra disk", "path", path, "index", disk.Index)
			created = append(created, path)
			continue
		}

		sizeBytes, err := parseSizeToBytes(disk.Size)
		if err != nil {
			return nil, vmerrors.NewConfigError("DISK%d_SIZE %q is invalid: %v", disk.Index, disk.Size, err)
		}
		if err := createBlankDisk(ctx, path, sizeBytes, p.cfg.DiskPreallocate); err != nil {
			return nil, err
		}
		created = append(created, path)
	}

	return created, nil
}

func createBlankDisk(ctx context.Context, path string, sizeBytes int64, preallocate bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return vmerrors.NewResourceError("create disk directory: %v", err)
	}
	args := []string{"create", "-f", "qcow2"}
	if preallocate {
		args = append(args, "-o", "preallocation=falloc")
	}
	args = append(args, path, strconv.FormatInt(sizeBytes, 10))

	cmd := exec.CommandContext(ctx, "qemu-img", args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return vmerrors.NewResourceError("qemu-img create %s: %v: %s", path, err, out.String())
	}
	return nil
}

type qemuImgInfo struct {
	VirtualSize int64 `json:"virtual-size"`
}

// expandWorkImageIfNeeded grows path to sizeBytes if it's currently
// smaller. It never shrinks an existing disk: a DISK_SIZE smaller than
// a reused persistent disk's current size is a no-op, not data loss.
func (p *Preparer) expandWorkImageIfNeeded(ctx context.Context, path string, sizeBytes int64) error {
	cmd := exec.CommandContext(ctx, "qemu-img", "info", "--output=json", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return vmerrors.NewResourceError("qemu-img info %s: %v: %s", path, err, out.String())
	}

	var info qemuImgInfo
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		return vmerrors.NewResourceError("parse qemu-img info for %s: %v", path, err)
	}

	if sizeBytes <= info.VirtualSize {
		return nil
	}

	p.log.Info("expanding work disk", "path", path, "from_bytes", info.VirtualSize, "to_bytes", sizeBytes)
	if err := formats.ResizeDisk(ctx, path, sizeBytes); err != nil {
		return vmerrors.NewResourceError("expand work disk %s: %v", path, err)
	}
	return nil
}

// parseSizeToBytes parses sizes like "20G", "512M", "10240K", or a bare
// byte count, matching the units DISK_SIZE/DISKn_SIZE accept.
func parseSizeToBytes(size string) (int64, error) {
	size = strings.TrimSpace(size)
	if size == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	unit := size[len(size)-1]
	numeric := size
	switch unit {
	case 'g', 'G':
		multiplier = 1024 * 1024 * 1024
		numeric = size[:len(size)-1]
	case 'm', 'M':
		multiplier = 1024 * 1024
		numeric = size[:len(size)-1]
	case 'k', 'K':
		multiplier = 1024
		numeric = size[:len(size)-1]
	}

	value, err := strconv.ParseInt(strings.TrimSpace(numeric), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a recognized size", size)
	}
	return value * multiplier, nil
}

func copyFileContents(src, dst string) error {
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

	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Sync()
}
