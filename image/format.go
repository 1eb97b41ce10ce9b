// SPDX-License-Identifier: LGPL-3.0-or-later

package image

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"vmsupervisor/providers/formats"
	"vmsupervisor/vmerrors"
)

// compressedExtensions are layers postProcessImage peels off one at a
// time before format detection runs on what's left.
var compressedExtensions = map[string]bool{
	".gz": true, ".xz": true, ".7z": true, ".zip": true,
	".bz2": true, ".rar": true, ".tar": true, ".ova": true,
}

// postProcessImage peels off any compressed/archive layers from src,
// detects the resulting disk format, converts it to qcow2 if needed,
// and writes the final result to target. Intermediate files created
// along the way (extracted layers, the original compressed download)
// are removed once the final image is in place.
func (p *Preparer) postProcessImage(ctx context.Context, src, target string) error {
	current := src
	var intermediates []string

	for {
		ext := strings.ToLower(filepath.Ext(current))
		if !compressedExtensions[ext] {
			break
		}
		extracted, err := extractArchiveLayer(ctx, current, ext)
		if err != nil {
			return err
		}
		intermediates = append(intermediates, current)
		current = extracted
	}

	format, err := formats.DetectFormat(current)
	if err != nil {
		return vmerrors.NewResourceError("detect format of %s: %v", current, err)
	}
	if format == formats.FormatUnknown {
		return vmerrors.NewResourceError("could not determine disk format of %s", current)
	}

	if format == formats.FormatQCOW2 {
		if err := renameOrCopy(current, target); err != nil {
			return vmerrors.NewResourceError("place base image %s: %v", target, err)
		}
	} else {
		converter := formats.NewConverter(p.log)
		opts := formats.DefaultConversionOptions()
		opts.SourceFormat = format
		opts.TargetFormat = formats.FormatQCOW2
		if _, err := converter.Convert(ctx, current, target, opts); err != nil {
			return vmerrors.NewResourceError("convert %s (%s) to qcow2: %v", current, format, err)
		}
		intermediates = append(intermediates, current)
	}

	for _, path := range intermediates {
		if path == target {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.log.Warn("failed to remove intermediate image file", "path", path, "error", err)
		}
	}

	p.log.Info("base image ready", "path", target)
	return nil
}

func renameOrCopy(src, dst string) error {
	if err := ensureParentDir(dst); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Cross-device rename fails; fall back to copy+remove.
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
	if err := out.Sync(); err != nil {
		return err
	}
	in.Close()
	return os.Remove(src)
}

// extractArchiveLayer peels one compression/archive layer off path,
// shelling out to the matching system tool, and returns the path to
// the extracted result (named by dropping path's outer extension).
func extractArchiveLayer(ctx context.Context, path, ext string) (string, error) {
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), ext)
	dest := filepath.Join(dir, base)

	var cmd *exec.Cmd
	switch ext {
	case ".gz":
		cmd = exec.CommandContext(ctx, "sh", "-c", shellQuote("gunzip", "-c", path)+" > "+shellQuote(dest))
	case ".bz2":
		cmd = exec.CommandContext(ctx, "sh", "-c", shellQuote("bunzip2", "-c", path)+" > "+shellQuote(dest))
	case ".xz":
		cmd = exec.CommandContext(ctx, "sh", "-c", shellQuote("unxz", "-c", path)+" > "+shellQuote(dest))
	case ".zip":
		cmd = exec.CommandContext(ctx, "unzip", "-o", path, "-d", dir)
		return dest, runAndFindExtracted(cmd, dir, dest)
	case ".7z":
		cmd = exec.CommandContext(ctx, "7z", "x", "-y", "-o"+dir, path)
		return dest, runAndFindExtracted(cmd, dir, dest)
	case ".rar":
		cmd = exec.CommandContext(ctx, "unrar", "x", "-y", path, dir+string(filepath.Separator))
		return dest, runAndFindExtracted(cmd, dir, dest)
	case ".tar", ".ova":
		cmd = exec.CommandContext(ctx, "tar", "-xf", path, "-C", dir)
		return dest, runAndFindExtracted(cmd, dir, dest)
	default:
		return "", vmerrors.NewResourceError("no extractor registered for %s", ext)
	}

	if output, err := cmd.CombinedOutput(); err != nil {
		return "", vmerrors.NewResourceError("extract %s: %v: %s", path, err, string(output))
	}
	return dest, nil
}

// runAndFindExtracted runs an archive extractor that unpacks into dir
// (rather than producing a single named output stream) and locates the
// disk image member it dropped there.
func runAndFindExtracted(cmd *exec.Cmd, dir, preferredName string) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return vmerrors.NewResourceError("extract archive: %v: %s", err, string(output))
	}
	if fileExists(preferredName) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return vmerrors.NewResourceError("list extracted archive contents: %v", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if hasDiskExtension(entry.Name()) {
			return os.Rename(filepath.Join(dir, entry.Name()), preferredName)
		}
	}
	return vmerrors.NewResourceError("no disk image found after extracting into %s", dir)
}

func shellQuote(parts ...string) string {
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = "'" + strings.ReplaceAll(part, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
