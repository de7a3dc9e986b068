// Package agentclient implements the Worker Agent's Conductor Client
// (spec §4.7): a single cooperative connect/register/ping loop driving
// a BOOT -> CONNECTING -> REGISTERING -> ACTIVE state machine over the
// /workers websocket namespace. Grounded on teacher
// `pkg/worker/worker.go`'s `heartbeatLoop`/`sendHeartbeat`/
// `connectWithMTLS` shape (ticker-driven loop around a long-lived
// connection, torn down and re-established by the caller on failure),
// replaced here with gorilla/websocket dialing against the wire
// protocol and the explicit backoff/jitter/id-reconciliation behavior
// this spec adds that the teacher's gRPC dial retry didn't need.
package agentclient

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/types"
	"github.com/fleetd/fleetd/pkg/wire"
)

// State is the Conductor Client's connection lifecycle state (spec §4.7).
type State string

const (
	StateBoot        State = "boot"
	StateConnecting  State = "connecting"
	StateRegistering State = "registering"
	StateActive      State = "active"
)

const (
	backoffBase   = time.Second
	backoffCap    = 30 * time.Second
	backoffJitter = 0.2

	registrationWindow = 10 * time.Second
	writeWait          = 5 * time.Second
	pongWait           = 60 * time.Second
	maxMessageSize     = 1 << 20

	// noiseFloor is the minimum fractional change in any top-level
	// resource field that triggers attaching a full snapshot to a ping
	// (spec §4.7).
	noiseFloor = 0.05
)

// DeploymentHandler is invoked for every deployment instruction the
// conductor pushes; the Deployment Supervisor implements this.
type DeploymentHandler func(wire.DeploymentPayload)

// ProbeFunc samples current resource usage; pkg/probe.Probe.Sample
// satisfies this signature.
type ProbeFunc func(ctx context.Context) *types.ResourceSnapshot

// Config configures a Client.
type Config struct {
	ConductorURL string // e.g. ws://conductor:8080/workers
	Token        string
	Hostname     string
	IPAddress    string
	Declared     *types.DeclaredResources
	PingCadence  time.Duration
	Probe        ProbeFunc
	OnDeployment DeploymentHandler
	Logger       zerolog.Logger
}

// Client drives the connect/register/ping loop against one conductor.
type Client struct {
	cfg Config

	mu       sync.RWMutex
	state    State
	workerID string
	last     *types.ResourceSnapshot

	outbox chan []byte
}

// New constructs a Client in state BOOT.
func New(cfg Config) *Client {
	if cfg.PingCadence <= 0 {
		cfg.PingCadence = 30 * time.Second
	}
	return &Client{cfg: cfg, state: StateBoot, outbox: make(chan []byte, 32)}
}

// SendServiceStatus enqueues a worker:service:status frame for the
// next active connection to deliver (spec §4.9's status report back to
// the conductor). It is a best-effort, non-blocking send: the report
// is queued whatever the client's state, and dropped if the outbox is
// full.
func (c *Client) SendServiceStatus(service string, status types.ServiceStatus, errMsg string) {
	data, err := wire.Encode(wire.EventWorkerServiceStatus, wire.ServiceStatusPayload{
		Service: service,
		Status:  status,
		Error:   errMsg,
	})
	if err != nil {
		c.cfg.Logger.Warn().Err(err).Msg("agentclient: encode service status failed")
		return
	}
	select {
	case c.outbox <- data:
	default:
		c.cfg.Logger.Warn().Str("service", service).Msg("agentclient: outbox full, dropping service status report")
	}
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// WorkerID returns the id most recently issued by the conductor, or
// empty before the first successful registration.
func (c *Client) WorkerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workerID
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the loop until ctx is canceled. It never returns early on
// conductor unavailability (spec §4.7): connect failures are retried
// with backoff forever.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.setState(StateConnecting)
		conn, err := c.connect(ctx)
		if err != nil {
			c.cfg.Logger.Warn().Err(err).Int("attempt", attempt).Msg("agentclient: connect failed")
			if !sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		c.setState(StateRegistering)
		if err := c.register(conn); err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("agentclient: registration failed")
			conn.Close()
			if !sleepBackoff(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		metrics.ConductorReconnectsTotal.Inc()
		attempt = 0
		c.setState(StateActive)
		c.cfg.Logger.Info().Str("worker_id", c.WorkerID()).Msg("agentclient: active")

		c.runActive(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		// network loss from ACTIVE resumes at CONNECTING (spec §4.7 diagram).
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: registrationWindow}
	conn, _, err := dialer.DialContext(ctx, c.cfg.ConductorURL, http.Header{})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "dial conductor")
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// register sends worker:register and awaits worker:registered or error
// within registrationWindow (spec §4.7).
func (c *Client) register(conn *websocket.Conn) error {
	data, err := wire.Encode(wire.EventWorkerRegister, wire.RegisterPayload{
		Token:     c.cfg.Token,
		Hostname:  c.cfg.Hostname,
		IPAddress: c.cfg.IPAddress,
		Resources: c.cfg.Declared,
		WorkerID:  c.WorkerID(),
	})
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "encode worker:register")
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "send worker:register")
	}

	conn.SetReadDeadline(time.Now().Add(registrationWindow))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "await worker:registered")
	}

	var env wire.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "decode registration response")
	}

	switch env.Event {
	case wire.EventWorkerRegistered:
		var p wire.RegisteredPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ferrors.Wrap(ferrors.Internal, err, "decode worker:registered payload")
		}
		c.mu.Lock()
		c.workerID = p.WorkerID
		c.mu.Unlock()
		return nil

	case wire.EventError:
		var p wire.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		return ferrors.Newf(ferrors.KindFromWireCode(p.Code), "registration rejected: %s", p.Message)

	default:
		return ferrors.Newf(ferrors.Internal, "unexpected event %q awaiting registration", env.Event)
	}
}

// runActive pumps pings on PingCadence and dispatches incoming
// deployment instructions until the connection fails or ctx is done.
func (c *Client) runActive(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.readActive(conn)
	}()

	ticker := time.NewTicker(c.cfg.PingCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			<-done
			return

		case <-done:
			return

		case <-ticker.C:
			if err := c.sendPing(conn); err != nil {
				c.cfg.Logger.Warn().Err(err).Msg("agentclient: ping failed")
				conn.Close()
				<-done
				return
			}

		case data := <-c.outbox:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cfg.Logger.Warn().Err(err).Msg("agentclient: service status send failed")
				conn.Close()
				<-done
				return
			}
		}
	}
}

func (c *Client) sendPing(conn *websocket.Conn) error {
	snap := c.sample(context.Background())
	payload := wire.PingPayload{Timestamp: time.Now()}

	c.mu.Lock()
	if snap != nil && changedBeyondNoiseFloor(c.last, snap) {
		payload.Resources = snap
		c.last = snap
	}
	c.mu.Unlock()

	data, err := wire.Encode(wire.EventWorkerPing, payload)
	if err != nil {
		return ferrors.Wrap(ferrors.Internal, err, "encode worker:ping")
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) sample(ctx context.Context) *types.ResourceSnapshot {
	if c.cfg.Probe == nil {
		return nil
	}
	return c.cfg.Probe(ctx)
}

func (c *Client) readActive(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Event {
		case wire.EventDeployment:
			var p wire.DeploymentPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.cfg.Logger.Warn().Err(err).Msg("agentclient: malformed deployment instruction")
				continue
			}
			if c.cfg.OnDeployment != nil {
				c.cfg.OnDeployment(p)
			}

		case wire.EventError:
			var p wire.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.cfg.Logger.Warn().Str("code", p.Code).Str("message", p.Message).Msg("agentclient: error frame")
			if ferrors.KindFromWireCode(p.Code) == ferrors.Unauthorized {
				return
			}
		}
	}
}

// changedBeyondNoiseFloor reports whether any top-level field differs
// from prev by at least noiseFloor (spec §4.7); a nil prev (first
// sample) always counts as changed.
func changedBeyondNoiseFloor(prev, cur *types.ResourceSnapshot) bool {
	if prev == nil {
		return true
	}
	if fieldChanged(prev.CPU == nil, cur.CPU == nil) || (prev.CPU != nil && cur.CPU != nil && ratioChanged(prev.CPU.UsagePercent, cur.CPU.UsagePercent)) {
		return true
	}
	if fieldChanged(prev.RAM == nil, cur.RAM == nil) || (prev.RAM != nil && cur.RAM != nil && ratioChanged(prev.RAM.UsagePercent, cur.RAM.UsagePercent)) {
		return true
	}
	if fieldChanged(prev.Disk == nil, cur.Disk == nil) || (prev.Disk != nil && cur.Disk != nil && ratioChanged(prev.Disk.UsagePercent, cur.Disk.UsagePercent)) {
		return true
	}
	if fieldChanged(prev.Network == nil, cur.Network == nil) || (prev.Network != nil && cur.Network != nil && (ratioChanged(prev.Network.RxBytesPerSec, cur.Network.RxBytesPerSec) || ratioChanged(prev.Network.TxBytesPerSec, cur.Network.TxBytesPerSec))) {
		return true
	}
	return false
}

func fieldChanged(prevNil, curNil bool) bool {
	return prevNil != curNil
}

func ratioChanged(prev, cur float64) bool {
	if prev == 0 {
		return cur != 0
	}
	delta := (cur - prev) / prev
	if delta < 0 {
		delta = -delta
	}
	return delta >= noiseFloor
}

// sleepBackoff sleeps for an exponential-backoff-with-jitter duration
// keyed by attempt, returning false if ctx is canceled first.
func sleepBackoff(ctx context.Context, attempt int) bool {
	d := backoffBase << attempt
	if d <= 0 || d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	sleep := time.Duration(float64(d) * jitter)

	select {
	case <-time.After(sleep):
		return true
	case <-ctx.Done():
		return false
	}
}
