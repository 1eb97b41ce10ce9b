// SPDX-License-Identifier: LGPL-3.0-or-later

package image

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"vmsupervisor/vmerrors"
)

// ociIndex mirrors the top-level index.json of an OCI image layout.
type ociIndex struct {
	Manifests []ociDescriptor `json:"manifests"`
}

type ociDescriptor struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
}

// ociManifest mirrors the subset of an OCI image manifest this package reads.
type ociManifest struct {
	Layers []ociDescriptor `json:"layers"`
}

// diskExtensions are the disk image suffixes worth extracting from an
// OCI containerDisk layer, in preference order.
var diskExtensions = []string{".qcow2", ".raw", ".img"}

// pullOCIDisk resolves an OCI image reference to a local qcow2 disk
// image, caching the extracted result under a digest-prefixed
// directory guarded by a sentinel file. skopeo's own layer cache isn't
// enough on its own: the same digest must always map back to the same
// already-extracted disk, which the sentinel gives us for free without
// re-extracting every run.
func (p *Preparer) pullOCIDisk(ctx context.Context, ref string) (string, error) {
	digest, err := p.inspectDigest(ctx, ref)
	if err != nil {
		return "", err
	}

	digestPrefix := shortDigest(digest)
	safeName := sanitizeOCIName(ref)
	cacheDir := filepath.Join(p.paths.OCIDiskCache, digestPrefix+"-"+safeName)
	diskPath := filepath.Join(cacheDir, "disk.qcow2")
	sentinel := filepath.Join(p.paths.OCIDiskCache, digestPrefix+"-"+safeName+".done")

	if fileExists(sentinel) && fileExists(diskPath) {
		p.log.Info("using cached OCI containerDisk", "ref", ref, "path", diskPath)
		return diskPath, nil
	}

	layoutDir, err := os.MkdirTemp("", "vmsupervisor-oci-layout-*")
	if err != nil {
		return "", vmerrors.NewResourceError("create OCI layout temp dir: %v", err)
	}
	defer os.RemoveAll(layoutDir)

	if err := p.skopeoCopy(ctx, ref, layoutDir); err != nil {
		return "", err
	}

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", vmerrors.NewResourceError("create OCI disk cache dir: %v", err)
	}
	if err := extractDiskFromOCILayout(layoutDir, diskPath); err != nil {
		return "", err
	}
	if err := os.WriteFile(sentinel, []byte(digest+"\n"), 0o644); err != nil {
		return "", vmerrors.NewResourceError("write OCI cache sentinel: %v", err)
	}

	p.log.Info("extracted OCI containerDisk", "ref", ref, "digest", digest, "path", diskPath)
	return diskPath, nil
}

type skopeoInspectOutput struct {
	Digest string `json:"Digest"`
}

func (p *Preparer) inspectDigest(ctx context.Context, ref string) (string, error) {
	cmd := exec.CommandContext(ctx, "skopeo", "inspect", "docker://"+ref)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", vmerrors.NewResourceError("skopeo inspect %s: %v: %s", ref, err, stderr.String())
	}
	var parsed skopeoInspectOutput
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		return "", vmerrors.NewResourceError("parse skopeo inspect output for %s: %v", ref, err)
	}
	if parsed.Digest == "" {
		return "", vmerrors.NewResourceError("skopeo inspect %s returned no digest", ref)
	}
	return parsed.Digest, nil
}

func (p *Preparer) skopeoCopy(ctx context.Context, ref, layoutDir string) error {
	dest := fmt.Sprintf("oci:%s:latest", layoutDir)
	cmd := exec.CommandContext(ctx, "skopeo", "copy", "docker://"+ref, dest)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return vmerrors.NewResourceError("skopeo copy %s: %v: %s", ref, err, out.String())
	}
	return nil
}

// extractDiskFromOCILayout walks index.json -> manifest -> layers,
// looking inside each layer tarball for a disk image file, and writes
// the first one found to diskPath.
func extractDiskFromOCILayout(layoutDir, diskPath string) error {
	index, err := readOCIIndex(filepath.Join(layoutDir, "index.json"))
	if err != nil {
		return err
	}
	if len(index.Manifests) == 0 {
		return vmerrors.NewResourceError("OCI layout at %s has no manifests", layoutDir)
	}

	manifest, err := readOCIManifest(layoutDir, index.Manifests[0].Digest)
	if err != nil {
		return err
	}

	for _, layer := range manifest.Layers {
		blobPath := blobPathFor(layoutDir, layer.Digest)
		found, err := extractDiskFromLayer(blobPath, diskPath)
		if err != nil {
			return err
		}
		if found {
			return nil
		}
	}

	return vmerrors.NewResourceError("no disk image found in any OCI layer under %s", layoutDir)
}

func readOCIIndex(path string) (*ociIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vmerrors.NewResourceError("read OCI index.json: %v", err)
	}
	var index ociIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, vmerrors.NewResourceError("parse OCI index.json: %v", err)
	}
	return &index, nil
}

func readOCIManifest(layoutDir, digest string) (*ociManifest, error) {
	data, err := os.ReadFile(blobPathFor(layoutDir, digest))
	if err != nil {
		return nil, vmerrors.NewResourceError("read OCI manifest blob: %v", err)
	}
	var manifest ociManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, vmerrors.NewResourceError("parse OCI manifest: %v", err)
	}
	return &manifest, nil
}

func blobPathFor(layoutDir, digest string) string {
	algo, hash, _ := strings.Cut(digest, ":")
	return filepath.Join(layoutDir, "blobs", algo, hash)
}

// extractDiskFromLayer reads a single OCI layer blob (a tar, optionally
// gzip-compressed) and copies out the first entry whose name carries a
// recognized disk image extension. Returns false, nil if the layer
// contains no disk image.
func extractDiskFromLayer(blobPath, diskPath string) (bool, error) {
	f, err := os.Open(blobPath)
	if err != nil {
		return false, vmerrors.NewResourceError("open OCI layer blob: %v", err)
	}
	defer f.Close()

	var r io.Reader = f
	if gz, err := gzip.NewReader(f); err == nil {
		defer gz.Close()
		r = gz
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return false, vmerrors.NewResourceError("rewind OCI layer blob: %v", err)
		}
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, vmerrors.NewResourceError("read OCI layer tar: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if !hasDiskExtension(hdr.Name) {
			continue
		}

		if err := ensureParentDir(diskPath); err != nil {
			return false, vmerrors.NewResourceError("create disk cache dir: %v", err)
		}
		out, err := os.Create(diskPath)
		if err != nil {
			return false, vmerrors.NewResourceError("create extracted disk file: %v", err)
		}
		defer out.Close()
		if _, err := io.Copy(out, tr); err != nil {
			return false, vmerrors.NewResourceError("extract disk image from layer: %v", err)
		}
		return true, nil
	}
}

func hasDiskExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range diskExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func shortDigest(digest string) string {
	_, hash, found := strings.Cut(digest, ":")
	if !found {
		hash = digest
	}
	if len(hash) > 12 {
		hash = hash[:12]
	}
	return hash
}

// sanitizeOCIName turns a reference like "quay.io/org/name:tag" into a
// filesystem-safe cache directory component.
func sanitizeOCIName(ref string) string {
	var b strings.Builder
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
