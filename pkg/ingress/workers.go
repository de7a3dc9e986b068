package ingress

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/session"
	"github.com/fleetd/fleetd/pkg/types"
	"github.com/fleetd/fleetd/pkg/wire"
)

// handleWorkerUpgrade upgrades the request to a websocket and drives one
// /workers session through CONNECTED -> AUTHENTICATED -> CLOSED (spec
// §4.3).
func (s *Server) handleWorkerUpgrade(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("worker websocket upgrade failed")
		return
	}

	socketID := newSocketID()
	sess := s.sessions.Open(socketID)
	sendCh := make(chan []byte, sendQueueSize)

	s.connsMu.Lock()
	s.conns[socketID] = sendCh
	s.connsMu.Unlock()
	metrics.SessionsActive.WithLabelValues("workers").Inc()

	log := s.logger.With().Str("socket_id", socketID).Logger()
	log.Debug().Msg("worker connected")

	done := make(chan struct{})
	go s.workerWritePump(conn, sess, sendCh, done)
	s.workerReadPump(conn, sess, log)

	close(done)
	conn.Close()

	s.connsMu.Lock()
	delete(s.conns, socketID)
	s.connsMu.Unlock()
	s.sessions.Close(socketID, "disconnect")
	metrics.SessionsActive.WithLabelValues("workers").Dec()
	log.Debug().Msg("worker disconnected")
}

func (s *Server) workerReadPump(conn *websocket.Conn, sess *session.Session, log zerolog.Logger) {
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
			s.sendError(conn, "malformed envelope", ferrors.Validation.WireCode(), false)
			continue
		}

		if err := s.dispatchWorkerEvent(conn, sess, env); err != nil {
			fatal := ferrors.Is(err, ferrors.Unauthorized)
			s.sendError(conn, err.Error(), ferrors.KindOf(err).WireCode(), fatal)
			if fatal {
				s.sessions.Close(sess.SocketID, "unauthorized")
				return
			}
		}
	}
}

func (s *Server) dispatchWorkerEvent(conn *websocket.Conn, sess *session.Session, env wire.Envelope) error {
	cur, ok := s.sessions.Get(sess.SocketID)
	if !ok {
		return ferrors.New(ferrors.Internal, "session vanished mid-dispatch")
	}

	switch env.Event {
	case wire.EventWorkerRegister:
		if cur.State != types.SessionConnected {
			return ferrors.New(ferrors.Validation, "already registered on this session")
		}
		return s.handleRegister(conn, sess, env.Payload)

	case wire.EventWorkerPing:
		if cur.State != types.SessionAuthenticated {
			return ferrors.New(ferrors.Validation, "ping before registration")
		}
		return s.handlePing(cur, env.Payload)

	case wire.EventWorkerResources:
		if cur.State != types.SessionAuthenticated {
			return ferrors.New(ferrors.Validation, "resources before registration")
		}
		return s.handleResources(cur, env.Payload)

	case wire.EventWorkerServiceStatus:
		if cur.State != types.SessionAuthenticated {
			return ferrors.New(ferrors.Validation, "service status before registration")
		}
		return s.handleServiceStatus(cur, env.Payload)

	default:
		return ferrors.Newf(ferrors.Validation, "unknown event %q", env.Event)
	}
}

func (s *Server) handleRegister(conn *websocket.Conn, sess *session.Session, raw []byte) error {
	var p wire.RegisterPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ferrors.Wrap(ferrors.Validation, err, "decode worker:register payload")
	}

	worker, err := s.registry.RegisterOrRebind(p.Token, p.Hostname, p.IPAddress, p.Resources, p.WorkerID)
	if err != nil {
		metrics.WorkerRegistrationsTotal.WithLabelValues("rejected").Inc()
		return err
	}

	supersededSocketID, err := s.sessions.Authenticate(sess.SocketID, worker.ID)
	if err != nil {
		metrics.WorkerRegistrationsTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if supersededSocketID != "" {
		metrics.SessionsSupersededTotal.Inc()
	}
	metrics.WorkerRegistrationsTotal.WithLabelValues("accepted").Inc()

	data, err := wire.Encode(wire.EventWorkerRegistered, wire.RegisteredPayload{
		WorkerID:  worker.ID,
		Hostname:  worker.Hostname,
		IPAddress: worker.IPAddress,
		Status:    worker.Status,
	})
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "encode worker:registered")
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) handlePing(sess *session.Session, raw []byte) error {
	var p wire.PingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ferrors.Wrap(ferrors.Validation, err, "decode worker:ping payload")
	}
	metrics.WorkerPingsTotal.Inc()
	if err := s.registry.RecordPing(sess.WorkerID, p.Timestamp, p.Resources); err != nil {
		return err
	}
	return s.sessions.RecordPing(sess.SocketID)
}

func (s *Server) handleResources(sess *session.Session, raw []byte) error {
	var p wire.ResourcesPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ferrors.Wrap(ferrors.Validation, err, "decode worker:resources payload")
	}
	return s.registry.RecordResources(sess.WorkerID, p.Resources)
}

func (s *Server) handleServiceStatus(sess *session.Session, raw []byte) error {
	var p wire.ServiceStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ferrors.Wrap(ferrors.Validation, err, "decode worker:service:status payload")
	}
	log := s.logger.With().Str("worker_id", sess.WorkerID).Str("service", p.Service).Logger()
	if p.Error != "" {
		log.Warn().Str("status", string(p.Status)).Str("error", p.Error).Msg("service status report")
	} else {
		log.Debug().Str("status", string(p.Status)).Msg("service status report")
	}
	return nil
}

func (s *Server) sendError(conn *websocket.Conn, message, code string, fatal bool) {
	data, err := wire.Encode(wire.EventError, wire.ErrorPayload{Message: message, Code: code, Fatal: fatal})
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) workerWritePump(conn *websocket.Conn, sess *session.Session, sendCh chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-sendCh:
			if err := writeFrame(conn, data, func(w io.Writer) error {
				n := len(sendCh)
				for i := 0; i < n; i++ {
					if _, err := w.Write(<-sendCh); err != nil {
						return err
					}
				}
				return nil
			}); err != nil {
				return
			}

		case reason := <-sess.Closed:
			s.sendError(conn, "session closed: "+reason, reason, true)
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
			return

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
