// Package session implements the Session Manager (spec §4.3): the
// in-memory map from live socket to authenticated worker, and the
// CONNECTED -> AUTHENTICATED -> CLOSED state machine each worker
// connection moves through. Modeled directly on the explicit state
// diagram in spec §4.3, in the teacher's struct-with-mutex idiom (see
// pkg/events.Broker for the map+mutex shape this generalizes).
package session

import (
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/types"
)

// Session is a live worker<->conductor channel's protocol state plus the
// Closed signal its ingress connection handler watches.
type Session struct {
	SocketID    string
	WorkerID    string
	State       types.SessionState
	ConnectedAt time.Time
	LastPingAt  time.Time

	// Closed signals the owning connection handler to tear down the
	// socket; it is closed at most once.
	Closed chan string // receives the close reason
}

// Manager owns every live session, keyed by socket id, plus the
// worker-id -> socket-id index that enforces "at most one AUTHENTICATED
// session per worker".
type Manager struct {
	gracePeriod time.Duration

	mu         sync.Mutex
	bySocket   map[string]*Session
	byWorkerID map[string]string // worker id -> socket id, AUTHENTICATED only
}

// New constructs a Manager; gracePeriod bounds how long a CONNECTED
// session may remain unauthenticated before it is closed (spec §4.3,
// REGISTRATION_GRACE).
func New(gracePeriod time.Duration) *Manager {
	return &Manager{
		gracePeriod: gracePeriod,
		bySocket:    make(map[string]*Session),
		byWorkerID:  make(map[string]string),
	}
}

// Open registers a new CONNECTED session for socketID and arms its
// grace-window timer; the timer closes the session with "unauthorized"
// if it never reaches AUTHENTICATED.
func (m *Manager) Open(socketID string) *Session {
	s := &Session{
		SocketID:    socketID,
		State:       types.SessionConnected,
		ConnectedAt: time.Now(),
		Closed:      make(chan string, 1),
	}

	m.mu.Lock()
	m.bySocket[socketID] = s
	m.mu.Unlock()

	time.AfterFunc(m.gracePeriod, func() {
		m.mu.Lock()
		cur, ok := m.bySocket[socketID]
		stillConnected := ok && cur == s && cur.State == types.SessionConnected
		m.mu.Unlock()
		if stillConnected {
			m.Close(socketID, "unauthorized")
		}
	})

	return s
}

// Authenticate transitions socketID's session to AUTHENTICATED and
// binds it to workerID. If another AUTHENTICATED session already exists
// for workerID, it is closed with "superseded" and its socket id is
// returned so the caller can react (e.g. metrics); err is nil whenever
// socketID itself successfully authenticated.
func (m *Manager) Authenticate(socketID, workerID string) (supersededSocketID string, err error) {
	m.mu.Lock()
	s, ok := m.bySocket[socketID]
	if !ok || s.State != types.SessionConnected {
		m.mu.Unlock()
		return "", ferrors.Newf(ferrors.Validation, "session %s is not in CONNECTED state", socketID)
	}

	s.State = types.SessionAuthenticated
	s.WorkerID = workerID
	s.LastPingAt = time.Now()

	prevSocketID, hadPrev := m.byWorkerID[workerID]
	m.byWorkerID[workerID] = socketID
	m.mu.Unlock()

	if hadPrev && prevSocketID != socketID {
		m.Close(prevSocketID, "superseded")
		return prevSocketID, nil
	}
	return "", nil
}

// RecordPing bumps socketID's last-ping timestamp. Fails with NotFound
// if the session is unknown; fails with Validation if it is not yet
// AUTHENTICATED.
func (m *Manager) RecordPing(socketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.bySocket[socketID]
	if !ok {
		return ferrors.Newf(ferrors.NotFound, "session %s not found", socketID)
	}
	if s.State != types.SessionAuthenticated {
		return ferrors.Newf(ferrors.Validation, "session %s is not AUTHENTICATED", socketID)
	}
	s.LastPingAt = time.Now()
	return nil
}

// Get returns the session for socketID, if any.
func (m *Manager) Get(socketID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.bySocket[socketID]
	return s, ok
}

// GetByWorkerID returns the AUTHENTICATED session bound to workerID, if
// any.
func (m *Manager) GetByWorkerID(workerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	socketID, ok := m.byWorkerID[workerID]
	if !ok {
		return nil, false
	}
	s := m.bySocket[socketID]
	return s, s != nil
}

// Close transitions socketID's session to CLOSED, removes it from both
// indices, and signals its owning connection handler via Closed with
// reason. Safe to call more than once; subsequent calls are no-ops.
func (m *Manager) Close(socketID, reason string) {
	m.mu.Lock()
	s, ok := m.bySocket[socketID]
	if !ok || s.State == types.SessionClosed {
		m.mu.Unlock()
		return
	}
	s.State = types.SessionClosed
	delete(m.bySocket, socketID)
	if s.WorkerID != "" && m.byWorkerID[s.WorkerID] == socketID {
		delete(m.byWorkerID, s.WorkerID)
	}
	m.mu.Unlock()

	select {
	case s.Closed <- reason:
	default:
	}
}

// Count returns the number of live sessions, split by whether they have
// completed authentication, for metrics.
func (m *Manager) Count() (authenticated, connected int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.bySocket {
		if s.State == types.SessionAuthenticated {
			authenticated++
		} else {
			connected++
		}
	}
	return authenticated, connected
}
