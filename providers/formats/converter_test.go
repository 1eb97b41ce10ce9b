// SPDX-License-Identifier: LGPL-3.0-or-later

package formats

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFormatsRejectsUnknown(t *testing.T) {
	c := NewConverter(nil)
	assert.Error(t, c.validateFormats(FormatUnknown, FormatQCOW2))
	assert.Error(t, c.validateFormats(FormatRAW, FormatUnknown))
	assert.NoError(t, c.validateFormats(FormatRAW, FormatQCOW2))
}

func TestSuggestTargetPath(t *testing.T) {
	got := SuggestTargetPath("/tmp/disk.raw", FormatQCOW2)
	assert.Equal(t, filepath.Join("/tmp", "disk.qcow2"), got)
}
