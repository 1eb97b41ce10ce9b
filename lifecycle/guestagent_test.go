// SPDX-License-Identifier: LGPL-3.0-or-later

package lifecycle

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuestExecResultDecodesStartReply(t *testing.T) {
	raw := `{"return":{"pid":4321}}`
	var started guestExecResult
	require.NoError(t, json.Unmarshal([]byte(raw), &started))
	assert.Equal(t, 4321, started.Return.PID)
	assert.False(t, started.Return.Exited)
}

func TestGuestExecResultDecodesStatusReplyWithOutput(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("status: done\n"))
	raw := `{"return":{"exited":true,"exitcode":0,"out-data":"` + encoded + `"}}`
	var status guestExecResult
	require.NoError(t, json.Unmarshal([]byte(raw), &status))
	require.True(t, status.Return.Exited)

	decoded, err := base64.StdEncoding.DecodeString(status.Return.OutData)
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "done")
}
