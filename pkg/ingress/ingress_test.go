package ingress_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/pkg/auth"
	"github.com/fleetd/fleetd/pkg/hub"
	"github.com/fleetd/fleetd/pkg/ingress"
	"github.com/fleetd/fleetd/pkg/log"
	"github.com/fleetd/fleetd/pkg/registry"
	"github.com/fleetd/fleetd/pkg/session"
	"github.com/fleetd/fleetd/pkg/storage"
	"github.com/fleetd/fleetd/pkg/token"
	"github.com/fleetd/fleetd/pkg/types"
	"github.com/fleetd/fleetd/pkg/wire"
)

type testHarness struct {
	server   *httptest.Server
	tokens   *token.Store
	registry *registry.Registry
	authSvc  *auth.Service
	tok      *types.RegistrationToken
	operator *types.Operator
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend := storage.NewMemoryStore()
	hash, err := auth.HashSecret("s3cret")
	require.NoError(t, err)
	op := &types.Operator{ID: "op-1", Username: "alice", SecretHash: hash}
	require.NoError(t, backend.UpsertOperator(op))

	tokens := token.New(backend)
	tok, err := tokens.GetActive(op.ID)
	require.NoError(t, err)

	reg := registry.New(backend, tokens)
	h := hub.New()
	hub.BindRegistry(reg, h)
	sessions := session.New(2 * time.Second)
	authSvc := auth.New(backend, []byte("test-secret"), time.Hour)

	srv := ingress.New(tokens, reg, sessions, h, authSvc, log.Logger)
	engine := gin.New()
	srv.Routes(engine)
	ts := httptest.NewServer(engine)

	return &testHarness{server: ts, tokens: tokens, registry: reg, authSvc: authSvc, tok: tok, operator: op}
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env wire.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestWorkerRegisterReceivesRegistered(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	conn := dial(t, wsURL(h.server.URL, "/workers"))
	defer conn.Close()

	frame, err := wire.Encode(wire.EventWorkerRegister, wire.RegisterPayload{
		Token:     h.tok.Value,
		Hostname:  "w1",
		IPAddress: "10.0.0.2",
		Resources: &types.DeclaredResources{CPUCores: 4, RAMGB: 8, DiskGB: 100},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	env := readEnvelope(t, conn)
	require.Equal(t, wire.EventWorkerRegistered, env.Event)

	var p wire.RegisteredPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.NotEmpty(t, p.WorkerID)
	require.Equal(t, types.WorkerOnline, p.Status)
}

func TestWorkerRegisterInvalidTokenIsRejected(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	conn := dial(t, wsURL(h.server.URL, "/workers"))
	defer conn.Close()

	frame, err := wire.Encode(wire.EventWorkerRegister, wire.RegisterPayload{
		Token:     "not-a-real-token",
		Hostname:  "w1",
		IPAddress: "10.0.0.2",
		Resources: &types.DeclaredResources{},
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	env := readEnvelope(t, conn)
	require.Equal(t, wire.EventError, env.Event)
}

func TestReconnectKeepsSameWorkerID(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	register := func() string {
		conn := dial(t, wsURL(h.server.URL, "/workers"))
		defer conn.Close()
		frame, err := wire.Encode(wire.EventWorkerRegister, wire.RegisterPayload{
			Token:     h.tok.Value,
			Hostname:  "w1",
			IPAddress: "10.0.0.2",
			Resources: &types.DeclaredResources{},
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
		env := readEnvelope(t, conn)
		var p wire.RegisteredPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		return p.WorkerID
	}

	first := register()
	second := register()
	require.Equal(t, first, second)
}

func TestOperatorWildcardReceivesWorkerOnline(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	_, token, err := h.authSvc.Login("alice", "s3cret")
	_ = token
	require.NoError(t, err)

	opConn := dial(t, wsURL(h.server.URL, "/operators")+"?token="+token)
	defer opConn.Close()

	// Default wildcard subscription: register a worker and expect
	// worker:online to arrive.
	wConn := dial(t, wsURL(h.server.URL, "/workers"))
	defer wConn.Close()
	frame, err := wire.Encode(wire.EventWorkerRegister, wire.RegisterPayload{
		Token:     h.tok.Value,
		Hostname:  "w1",
		IPAddress: "10.0.0.2",
		Resources: &types.DeclaredResources{},
	})
	require.NoError(t, err)
	require.NoError(t, wConn.WriteMessage(websocket.TextMessage, frame))
	readEnvelope(t, wConn) // worker:registered

	env := readEnvelope(t, opConn)
	require.Equal(t, wire.EventWorkerOnline, env.Event)
}

func TestOperatorRejectedWithoutBearer(t *testing.T) {
	h := newHarness(t)
	defer h.server.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(h.server.URL, "/operators"), nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 401, resp.StatusCode)
	}
}
