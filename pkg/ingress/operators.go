package ingress

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/hub"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/wire"
)

// handleOperatorUpgrade upgrades the request to a websocket after
// verifying a bearer token, then drives one /operators session: inbound
// subscribe/unsubscribe, outbound fan-out frames (spec §4.5, §6).
func (s *Server) handleOperatorUpgrade(c *gin.Context) {
	bearer := bearerFromRequest(c.Request)
	if bearer == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": ferrors.Unauthorized.WireCode(), "message": "missing bearer token"}})
		return
	}
	operator, err := s.auth.VerifyBearer(bearer)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": ferrors.Unauthorized.WireCode(), "message": err.Error()}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("operator websocket upgrade failed")
		return
	}

	socketID := newSocketID()
	ch := s.hub.Register(socketID)
	metrics.SessionsActive.WithLabelValues("operators").Inc()

	log := s.logger.With().Str("socket_id", socketID).Str("operator_id", operator.ID).Logger()
	log.Debug().Msg("operator connected")

	done := make(chan struct{})
	go s.operatorWritePump(conn, ch, done)
	s.operatorReadPump(conn, socketID)

	close(done)
	conn.Close()
	s.hub.Unregister(socketID)
	metrics.SessionsActive.WithLabelValues("operators").Dec()
	log.Debug().Msg("operator disconnected")
}

func bearerFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) operatorReadPump(conn *websocket.Conn, socketID string) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		var p wire.SubscribePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			continue
		}

		switch env.Event {
		case wire.EventWorkerSubscribe:
			s.hub.Subscribe(socketID, p.WorkerID)
		case wire.EventWorkerUnsubscribe:
			s.hub.Unsubscribe(socketID, p.WorkerID)
		}
	}
}

func (s *Server) operatorWritePump(conn *websocket.Conn, ch <-chan hub.Frame, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-ch:
			if err := writeFrame(conn, frame.Payload, func(w io.Writer) error {
				n := len(ch)
				for i := 0; i < n; i++ {
					if _, err := w.Write((<-ch).Payload); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
