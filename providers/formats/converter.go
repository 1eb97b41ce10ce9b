// SPDX-License-Identifier: LGPL-3.0-or-later

package formats

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"vmsupervisor/logger"
)

// Converter drives qemu-img to move a disk image between formats. It
// shells out rather than parsing/writing QCOW2, VMDK, or VHD structures
// itself — qemu-img already knows every quirk of those containers.
type Converter struct {
	logger logger.Logger
}

// NewConverter creates a new format converter
func NewConverter(log logger.Logger) *Converter {
	return &Converter{
		logger: log,
	}
}

// ConversionOptions holds options for conversion
type ConversionOptions struct {
	SourceFormat      DiskFormat
	TargetFormat      DiskFormat
	Compress          bool
	PreallocateTarget bool
}

// DefaultConversionOptions returns default conversion options
func DefaultConversionOptions() *ConversionOptions {
	return &ConversionOptions{
		PreallocateTarget: false,
	}
}

// ConversionResult holds the result of a conversion
type ConversionResult struct {
	SourcePath   string
	TargetPath   string
	SourceFormat DiskFormat
	TargetFormat DiskFormat
	SourceSize   int64
	TargetSize   int64
	Duration     time.Duration
	Compressed   bool
}

// Convert converts a disk image from one format to another via
// `qemu-img convert`.
func (c *Converter) Convert(ctx context.Context, sourcePath, targetPath string, opts *ConversionOptions) (*ConversionResult, error) {
	startTime := time.Now()

	if opts.SourceFormat == FormatUnknown || opts.SourceFormat == "" {
		detected, err := DetectFormat(sourcePath)
		if err != nil {
			return nil, fmt.Errorf("detect source format: %w", err)
		}
		opts.SourceFormat = detected
	}
	if err := c.validateFormats(opts.SourceFormat, opts.TargetFormat); err != nil {
		return nil, err
	}

	sourceInfo, err := os.Stat(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}

	c.logger.Info("converting disk image",
		"source", sourcePath,
		"target", targetPath,
		"source_format", opts.SourceFormat,
		"target_format", opts.TargetFormat)

	if opts.SourceFormat == opts.TargetFormat {
		if err := copyFile(sourcePath, targetPath); err != nil {
			return nil, fmt.Errorf("copy %s to %s: %w", sourcePath, targetPath, err)
		}
	} else {
		args := []string{"convert", "-f", string(opts.SourceFormat), "-O", string(opts.TargetFormat)}
		if opts.Compress && opts.TargetFormat == FormatQCOW2 {
			args = append(args, "-c")
		}
		if opts.PreallocateTarget {
			args = append(args, "-o", "preallocation=falloc")
		}
		args = append(args, sourcePath, targetPath)

		cmd := exec.CommandContext(ctx, "qemu-img", args...)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("qemu-img convert %s -> %s: %w: %s", opts.SourceFormat, opts.TargetFormat, err, out.String())
		}
	}

	var targetSize int64
	if targetInfo, err := os.Stat(targetPath); err == nil {
		targetSize = targetInfo.Size()
	}

	result := &ConversionResult{
		SourcePath:   sourcePath,
		TargetPath:   targetPath,
		SourceFormat: opts.SourceFormat,
		TargetFormat: opts.TargetFormat,
		SourceSize:   sourceInfo.Size(),
		TargetSize:   targetSize,
		Duration:     time.Since(startTime),
		Compressed:   opts.Compress,
	}

	c.logger.Info("conversion completed",
		"duration", result.Duration,
		"source_size_mb", result.SourceSize/1024/1024,
		"target_size_mb", result.TargetSize/1024/1024)

	return result, nil
}

func copyFile(sourcePath, targetPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(targetPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := dst.ReadFrom(src); err != nil {
		return err
	}
	return dst.Sync()
}

// validateFormats rejects unknown formats; any known-to-known pair is
// something qemu-img convert can attempt.
func (c *Converter) validateFormats(source, target DiskFormat) error {
	if source == FormatUnknown {
		return fmt.Errorf("unknown source format")
	}
	if target == FormatUnknown {
		return fmt.Errorf("unknown target format")
	}
	return nil
}

// ConvertInPlace converts a file in place (creates temp file, then replaces)
func (c *Converter) ConvertInPlace(ctx context.Context, path string, targetFormat DiskFormat, opts *ConversionOptions) (*ConversionResult, error) {
	tempPath := path + ".converting"

	result, err := c.Convert(ctx, path, tempPath, opts)
	if err != nil {
		os.Remove(tempPath)
		return nil, err
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return nil, fmt.Errorf("replace original: %w", err)
	}

	result.TargetPath = path
	return result, nil
}

// ResizeDisk grows path to sizeBytes via `qemu-img resize`. qemu-img
// refuses to shrink an image that isn't explicitly told to with
// --shrink, which is exactly the expand-only semantics disk reuse wants.
func ResizeDisk(ctx context.Context, path string, sizeBytes int64) error {
	cmd := exec.CommandContext(ctx, "qemu-img", "resize", path, strconv.FormatInt(sizeBytes, 10))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("qemu-img resize %s to %d: %w: %s", path, sizeBytes, err, out.String())
	}
	return nil
}

// SuggestTargetPath suggests an output path based on source path and target format
func SuggestTargetPath(sourcePath string, targetFormat DiskFormat) string {
	dir := filepath.Dir(sourcePath)
	base := filepath.Base(sourcePath)
	ext := filepath.Ext(base)
	nameWithoutExt := base[:len(base)-len(ext)]
	return filepath.Join(dir, nameWithoutExt+targetFormat.Extension())
}
