// SPDX-License-Identifier: LGPL-3.0-or-later

package statusd

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmsupervisor/lifecycle"
	"vmsupervisor/logger"
)

type fakeReporter struct {
	state lifecycle.State
}

func (f fakeReporter) State() lifecycle.State { return f.state }

func TestHealthzReportsRunningState(t *testing.T) {
	srv := NewServer("127.0.0.1:0", fakeReporter{state: lifecycle.StateRunning}, "demo-vm", "test", nil, logger.NewTestLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"running"`)
	assert.Contains(t, rec.Body.String(), "demo-vm")
}

func TestHealthzReportsUnavailableWhenIdle(t *testing.T) {
	srv := NewServer("127.0.0.1:0", fakeReporter{state: lifecycle.StateIdle}, "demo-vm", "test", nil, logger.NewTestLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOpenAPIHandlerServesJSON(t *testing.T) {
	srv := NewServer("127.0.0.1:0", fakeReporter{state: lifecycle.StateRunning}, "demo-vm", "test", nil, logger.NewTestLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/openapi.json", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")
	assert.Contains(t, rec.Body.String(), "/healthz")
}
