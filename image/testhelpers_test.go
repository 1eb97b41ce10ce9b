// SPDX-License-Identifier: LGPL-3.0-or-later

package image

import (
	"archive/tar"
	"os"
	"testing"
)

// writeTestTar writes a plain (uncompressed) tar archive at path
// containing the given name -> contents entries.
func writeTestTar(t *testing.T, path string, entries map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create tar: %v", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	for name, contents := range entries {
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(contents)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if _, err := tw.Write(contents); err != nil {
			t.Fatalf("write tar contents: %v", err)
		}
	}
}
