// SPDX-License-Identifier: LGPL-3.0-or-later

package lifecycle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPasstBackendElementStripping(t *testing.T) {
	xml := `<interface type="user"><mac address="52:54:00:00:00:01"/><backend type="passt"/></interface>`
	assert.True(t, strings.Contains(xml, passtBackendElement))
	patched := strings.ReplaceAll(xml, passtBackendElement, "")
	assert.False(t, strings.Contains(patched, passtBackendElement))
	assert.Contains(t, patched, `<interface type="user">`)
}
