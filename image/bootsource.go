// SPDX-License-Identifier: LGPL-3.0-or-later

package image

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"

	"vmsupervisor/vmerrors"
)

// BootSourceResult is the classified, locally-available artifact a
// BOOT_FROM value resolved to: either a disk image (adopted as the base
// image) or an ISO (attached as cdrom).
type BootSourceResult struct {
	Path  string
	IsISO bool
}

// ResolveBootFrom classifies cfg.BootFrom as a URL, an OCI image
// reference, or a local path, fetches it if needed, and reports whether
// the resulting artifact is an installer ISO or a disk image. It
// returns (nil, nil) when BOOT_FROM was not set.
func (p *Preparer) ResolveBootFrom(ctx context.Context) (*BootSourceResult, error) {
	ref := strings.TrimSpace(p.cfg.BootFrom)
	if ref == "" {
		return nil, nil
	}

	var resolvedPath string
	switch {
	case strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://"):
		resolvedPath = filepath.Join(p.paths.BootISOCache, cacheFilenameForURL(ref))
		if fileExists(resolvedPath) {
			p.log.Info("using cached boot source", "ref", ref, "path", resolvedPath)
		} else if err := p.downloadFile(ctx, ref, resolvedPath, filepath.Base(resolvedPath)); err != nil {
			return nil, err
		}

	case isOCIReference(ref):
		path, err := p.pullOCIDisk(ctx, ref)
		if err != nil {
			return nil, err
		}
		resolvedPath = path

	default:
		if !fileExists(ref) {
			return nil, vmerrors.NewConfigError("BOOT_FROM path %s does not exist", ref)
		}
		resolvedPath = ref
	}

	return &BootSourceResult{
		Path:  resolvedPath,
		IsISO: strings.EqualFold(filepath.Ext(resolvedPath), ".iso"),
	}, nil
}

// isOCIReference reports whether ref looks like a container image
// reference rather than a bare filesystem path: its first path segment
// names a registry host (contains a dot or a port colon) and there is
// at least one more segment after it.
func isOCIReference(ref string) bool {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return false
	}
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		return false
	}
	return strings.ContainsAny(parts[0], ".:")
}

// cacheFilenameForURL derives a stable, collision-resistant cache
// filename from a BOOT_FROM URL, preserving its extension so later
// format detection still has something to key off.
func cacheFilenameForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	ext := filepath.Ext(url)
	if i := strings.IndexAny(ext, "?#"); i >= 0 {
		ext = ext[:i]
	}
	return hex.EncodeToString(sum[:])[:16] + ext
}
