// SPDX-License-Identifier: LGPL-3.0-or-later

package image

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"vmsupervisor/vmerrors"
)

// cachedImageMinSize is the threshold below which a file at the base
// image path is treated as a truncated leftover from an interrupted
// download rather than a valid cached artifact, and re-fetched.
const cachedImageMinSize = 100 * 1024 * 1024

// EnsureBaseImage makes sure the catalog-declared distro image is
// present at BaseImagePath, downloading and normalizing it to qcow2 if
// it isn't already cached.
func (p *Preparer) EnsureBaseImage(ctx context.Context) error {
	target := p.BaseImagePath()
	if info, err := os.Stat(target); err == nil {
		if info.Size() >= cachedImageMinSize {
			p.log.Info("using cached base image", "path", target, "size_mb", info.Size()/1024/1024)
			return nil
		}
		p.log.Warn("cached base image looks truncated, re-fetching", "path", target, "size", info.Size())
	}

	if p.cfg.ImageURL == "" {
		return vmerrors.NewConfigError("no image URL configured for distro %s", p.cfg.Distro)
	}

	downloadPath := filepath.Join(p.paths.BaseImagesDir, p.cfg.Distro+urlExtension(p.cfg.ImageURL))
	if err := p.downloadFile(ctx, p.cfg.ImageURL, downloadPath, p.cfg.Distro); err != nil {
		return err
	}

	return p.postProcessImage(ctx, downloadPath, target)
}

// urlExtension returns a URL's path extension, stripping any query
// string or fragment, so the downloaded file keeps the hint
// postProcessImage's archive-peeling loop needs.
func urlExtension(url string) string {
	ext := filepath.Ext(url)
	if i := strings.IndexAny(ext, "?#"); i >= 0 {
		ext = ext[:i]
	}
	return ext
}
