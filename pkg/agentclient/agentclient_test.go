package agentclient_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/pkg/agentclient"
	"github.com/fleetd/fleetd/pkg/log"
	"github.com/fleetd/fleetd/pkg/types"
	"github.com/fleetd/fleetd/pkg/wire"
)

var testUpgrader = websocket.Upgrader{}

// fakeConductor accepts exactly one /workers connection, replies
// worker:registered with a fixed id, then echoes a deployment
// instruction once it sees the first worker:ping.
func fakeConductor(t *testing.T, workerID string) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.GET("/workers", func(c *gin.Context) {
		conn, err := testUpgrader.Upgrade(c.Writer, c.Request, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var env wire.Envelope
		require.NoError(t, json.Unmarshal(raw, &env))
		require.Equal(t, wire.EventWorkerRegister, env.Event)

		data, err := wire.Encode(wire.EventWorkerRegistered, wire.RegisteredPayload{
			WorkerID: workerID,
			Status:   types.WorkerOnline,
		})
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))

		_, raw, err = conn.ReadMessage()
		if err != nil {
			return
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		assert.Equal(t, wire.EventWorkerPing, env.Event)

		depData, err := wire.Encode(wire.EventDeployment, wire.DeploymentPayload{
			Service: "web",
			Image:   "nginx:latest",
			Action:  types.ActionStart,
		})
		require.NoError(t, err)
		conn.WriteMessage(websocket.TextMessage, depData)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(engine)
}

func TestClientRegistersAndReceivesDeployment(t *testing.T) {
	ts := fakeConductor(t, "worker-123")
	defer ts.Close()

	received := make(chan wire.DeploymentPayload, 1)
	c := agentclient.New(agentclient.Config{
		ConductorURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/workers",
		Token:        "tok",
		Hostname:     "host-1",
		IPAddress:    "10.0.0.1",
		Declared:     &types.DeclaredResources{},
		PingCadence:  50 * time.Millisecond,
		OnDeployment: func(p wire.DeploymentPayload) { received <- p },
		Logger:       log.Logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go c.Run(ctx)

	select {
	case p := <-received:
		assert.Equal(t, "web", p.Service)
		assert.Equal(t, types.ActionStart, p.Action)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive deployment instruction in time")
	}

	assert.Equal(t, "worker-123", c.WorkerID())
	assert.Equal(t, agentclient.StateActive, c.State())
}
