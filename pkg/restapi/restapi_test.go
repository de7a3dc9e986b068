package restapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/pkg/auth"
	"github.com/fleetd/fleetd/pkg/health"
	"github.com/fleetd/fleetd/pkg/log"
	"github.com/fleetd/fleetd/pkg/registry"
	"github.com/fleetd/fleetd/pkg/restapi"
	"github.com/fleetd/fleetd/pkg/storage"
	"github.com/fleetd/fleetd/pkg/token"
	"github.com/fleetd/fleetd/pkg/types"
)

func newTestServer(t *testing.T) (*httptest.Server, *types.Operator) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := storage.NewMemoryStore()
	hash, err := auth.HashSecret("s3cret")
	require.NoError(t, err)
	op := &types.Operator{ID: "op-1", Username: "alice", SecretHash: hash}
	require.NoError(t, backend.UpsertOperator(op))

	authSvc := auth.New(backend, []byte("test-secret"), time.Hour)
	tokens := token.New(backend)
	reg := registry.New(backend, tokens)
	checker := health.NewFuncChecker("storage", func(ctx context.Context) error {
		_, err := backend.GetOperator(op.ID)
		return err
	})

	srv := restapi.New(authSvc, tokens, reg, checker, log.Logger)
	engine := gin.New()
	srv.Routes(engine)
	return httptest.NewServer(engine), op
}

func doJSON(t *testing.T, method, url, bearer string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestLoginAndMe(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/auth/login", "", map[string]string{"username": "alice", "secret": "s3cret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var loginBody map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginBody))
	token, ok := loginBody["token"].(string)
	require.True(t, ok)
	require.NotEmpty(t, token)

	resp = doJSON(t, http.MethodGet, ts.URL+"/auth/me", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginRejectsWrongSecret(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp := doJSON(t, http.MethodPost, ts.URL+"/auth/login", "", map[string]string{"username": "alice", "secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenRegenerateReturnsNewValue(t *testing.T) {
	ts, op := newTestServer(t)
	defer ts.Close()

	loginResp := doJSON(t, http.MethodPost, ts.URL+"/auth/login", "", map[string]string{"username": "alice", "secret": "s3cret"})
	var loginBody map[string]interface{}
	require.NoError(t, json.NewDecoder(loginResp.Body).Decode(&loginBody))
	bearer := loginBody["token"].(string)

	getResp := doJSON(t, http.MethodGet, ts.URL+"/token", bearer, nil)
	var getBody struct {
		Token types.RegistrationToken `json:"token"`
	}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&getBody))
	oldValue := getBody.Token.Value
	require.Equal(t, op.ID, getBody.Token.OperatorID)

	regenResp := doJSON(t, http.MethodPost, ts.URL+"/token/regenerate", bearer, nil)
	require.Equal(t, http.StatusOK, regenResp.StatusCode)
	var regenBody struct {
		Token types.RegistrationToken `json:"token"`
	}
	require.NoError(t, json.NewDecoder(regenResp.Body).Decode(&regenBody))
	assert.NotEqual(t, oldValue, regenBody.Token.Value)
}

func TestUnauthorizedWithoutBearer(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp := doJSON(t, http.MethodGet, ts.URL+"/workers", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
