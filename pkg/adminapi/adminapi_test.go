package adminapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/pkg/adminapi"
	"github.com/fleetd/fleetd/pkg/agentclient"
	"github.com/fleetd/fleetd/pkg/health"
	"github.com/fleetd/fleetd/pkg/log"
	"github.com/fleetd/fleetd/pkg/supervisor"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	client := agentclient.New(agentclient.Config{ConductorURL: "ws://unused/workers", Logger: log.Logger})
	sup := supervisor.New(nil, nil, log.Logger)
	checker := health.NewFuncChecker("agent", func(ctx context.Context) error { return nil })

	srv := adminapi.New(client, sup, checker, log.Logger)
	engine := gin.New()
	srv.Routes(engine)
	return httptest.NewServer(engine)
}

func TestHealthReportsDisconnectedBeforeActive(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusReturnsWorkerState(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "boot", body["conductor_state"])
}

func TestGetUnknownServiceReturns404(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/services/nonexistent")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListServicesEmpty(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/services")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
