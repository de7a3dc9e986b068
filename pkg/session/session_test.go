package session_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/pkg/session"
	"github.com/fleetd/fleetd/pkg/types"
)

func TestAuthenticateTransition(t *testing.T) {
	m := session.New(time.Minute)
	s := m.Open("sock-1")
	assert.Equal(t, types.SessionConnected, s.State)

	_, err := m.Authenticate("sock-1", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionAuthenticated, s.State)
}

func TestSecondRegistrationSupersedesFirst(t *testing.T) {
	m := session.New(time.Minute)
	first := m.Open("sock-1")
	_, err := m.Authenticate("sock-1", "worker-1")
	require.NoError(t, err)

	m.Open("sock-2")
	superseded, err := m.Authenticate("sock-2", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "sock-1", superseded)

	select {
	case reason := <-first.Closed:
		assert.Equal(t, "superseded", reason)
	default:
		t.Fatal("expected the first session to be closed")
	}

	active, ok := m.GetByWorkerID("worker-1")
	require.True(t, ok)
	assert.Equal(t, "sock-2", active.SocketID)
}

func TestGraceWindowExpiryClosesUnauthenticatedSession(t *testing.T) {
	m := session.New(10 * time.Millisecond)
	s := m.Open("sock-1")

	select {
	case reason := <-s.Closed:
		assert.Equal(t, "unauthorized", reason)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected session to be closed after grace window expired")
	}
}

func TestGraceWindowDoesNotCloseAuthenticatedSession(t *testing.T) {
	m := session.New(10 * time.Millisecond)
	m.Open("sock-1")
	_, err := m.Authenticate("sock-1", "worker-1")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	s, ok := m.Get("sock-1")
	require.True(t, ok)
	assert.Equal(t, types.SessionAuthenticated, s.State)
}

func TestRecordPingRequiresAuthenticated(t *testing.T) {
	m := session.New(time.Minute)
	m.Open("sock-1")
	err := m.RecordPing("sock-1")
	assert.Error(t, err)

	_, err = m.Authenticate("sock-1", "worker-1")
	require.NoError(t, err)
	require.NoError(t, m.RecordPing("sock-1"))
}

func TestCloseIsIdempotent(t *testing.T) {
	m := session.New(time.Minute)
	m.Open("sock-1")
	m.Close("sock-1", "disconnect")
	m.Close("sock-1", "disconnect")

	_, ok := m.Get("sock-1")
	assert.False(t, ok)
}
