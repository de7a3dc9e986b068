// Package ingress implements the conductor-side /workers and /operators
// streaming namespaces (spec §4.3, §6): websocket upgrade, per-connection
// read/write pumps, and the protocol state machine each worker socket
// moves through. Grounded on Altacee-dockation's gin+gorilla/websocket
// hub (per-connection send channel, read/write pump goroutines) and
// teranos-QNTX's use of the same library for a long-lived streaming
// surface.
package ingress

import (
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetd/fleetd/pkg/auth"
	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/hub"
	"github.com/fleetd/fleetd/pkg/registry"
	"github.com/fleetd/fleetd/pkg/session"
	"github.com/fleetd/fleetd/pkg/token"
	"github.com/fleetd/fleetd/pkg/wire"
)

const (
	writeWait      = 5 * time.Second // spec §5: socket write deadline
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server holds every conductor subsystem the ingress handlers need and
// the live worker-connection registry used to push deployment
// instructions (spec §4.9) out-of-band from the read loop.
type Server struct {
	logger   zerolog.Logger
	tokens   *token.Store
	registry *registry.Registry
	sessions *session.Manager
	hub      *hub.Hub
	auth     *auth.Service

	connsMu sync.Mutex
	conns   map[string]chan []byte // socket id -> outbound queue, /workers only
}

// New wires a Server over the conductor's core components.
func New(tokens *token.Store, reg *registry.Registry, sessions *session.Manager, h *hub.Hub, authSvc *auth.Service, logger zerolog.Logger) *Server {
	return &Server{
		logger:   logger,
		tokens:   tokens,
		registry: reg,
		sessions: sessions,
		hub:      h,
		auth:     authSvc,
		conns:    make(map[string]chan []byte),
	}
}

// Routes registers the /workers and /operators upgrade endpoints onto r.
func (s *Server) Routes(r gin.IRouter) {
	r.GET("/workers", s.handleWorkerUpgrade)
	r.GET("/operators", s.handleOperatorUpgrade)
}

// SendDeployment pushes a deployment instruction to workerID's live
// session, if any. Fails with NotFound if the worker has no
// AUTHENTICATED session, Transient if its send queue is saturated.
func (s *Server) SendDeployment(workerID string, payload wire.DeploymentPayload) error {
	sess, ok := s.sessions.GetByWorkerID(workerID)
	if !ok {
		return ferrors.Newf(ferrors.NotFound, "no active session for worker %s", workerID)
	}
	data, err := wire.Encode(wire.EventDeployment, payload)
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "encode deployment frame")
	}

	s.connsMu.Lock()
	sendCh, ok := s.conns[sess.SocketID]
	s.connsMu.Unlock()
	if !ok {
		return ferrors.Newf(ferrors.NotFound, "no active connection for worker %s", workerID)
	}

	select {
	case sendCh <- data:
		return nil
	default:
		return ferrors.Newf(ferrors.Transient, "deployment send queue full for worker %s", workerID)
	}
}

func newSocketID() string {
	return uuid.NewString()
}

// writeFrame writes one pre-encoded frame as a single websocket text
// message, opportunistically batching any further frames already queued
// behind it (Altacee-dockation's writePump idiom).
func writeFrame(conn *websocket.Conn, first []byte, drainMore func(w io.Writer) error) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(first); err != nil {
		w.Close()
		return err
	}
	if drainMore != nil {
		if err := drainMore(w); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}
