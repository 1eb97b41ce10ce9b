// SPDX-License-Identifier: LGPL-3.0-or-later

package image

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSizeToBytes(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"20G", 20 * 1024 * 1024 * 1024},
		{"512M", 512 * 1024 * 1024},
		{"10K", 10 * 1024},
		{"1048576", 1048576},
	}
	for _, c := range cases {
		got, err := parseSizeToBytes(c.in)
		require.NoError(t, err, "input=%s", c.in)
		assert.Equal(t, c.want, got, "input=%s", c.in)
	}
}

func TestParseSizeToBytesRejectsGarbage(t *testing.T) {
	_, err := parseSizeToBytes("not-a-size")
	assert.Error(t, err)

	_, err = parseSizeToBytes("")
	assert.Error(t, err)
}
