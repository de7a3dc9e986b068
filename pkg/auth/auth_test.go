package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/pkg/auth"
	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/storage"
	"github.com/fleetd/fleetd/pkg/types"
)

func newService(t *testing.T) (*auth.Service, *types.Operator) {
	t.Helper()
	backend := storage.NewMemoryStore()
	hash, err := auth.HashSecret("correct-horse")
	require.NoError(t, err)
	op := &types.Operator{ID: "op-1", Username: "alice", Email: "alice@example.com", SecretHash: hash}
	require.NoError(t, backend.UpsertOperator(op))
	return auth.New(backend, []byte("test-secret"), time.Hour), op
}

func TestLoginSuccess(t *testing.T) {
	svc, op := newService(t)
	got, token, err := svc.Login("alice", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	assert.NotEmpty(t, token)
}

func TestLoginWrongSecret(t *testing.T) {
	svc, _ := newService(t)
	_, _, err := svc.Login("alice", "wrong")
	assert.True(t, ferrors.Is(err, ferrors.Unauthorized))
}

func TestVerifyBearerRoundTrip(t *testing.T) {
	svc, op := newService(t)
	_, token, err := svc.Login("alice", "correct-horse")
	require.NoError(t, err)

	got, err := svc.VerifyBearer(token)
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
}

func TestVerifyBearerRejectsGarbage(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.VerifyBearer("not-a-jwt")
	assert.True(t, ferrors.Is(err, ferrors.Unauthorized))
}

func TestResetPasswordRequiresCurrentSecret(t *testing.T) {
	svc, op := newService(t)
	_, err := svc.ResetPassword(op.ID, "wrong", "new-secret")
	assert.True(t, ferrors.Is(err, ferrors.Unauthorized))

	_, err = svc.ResetPassword(op.ID, "correct-horse", "new-secret")
	require.NoError(t, err)

	_, _, err = svc.Login("alice", "new-secret")
	require.NoError(t, err)
}

func TestUpdateProfileConflict(t *testing.T) {
	backend := storage.NewMemoryStore()
	hash, _ := auth.HashSecret("x")
	require.NoError(t, backend.UpsertOperator(&types.Operator{ID: "op-1", Username: "alice", SecretHash: hash}))
	require.NoError(t, backend.UpsertOperator(&types.Operator{ID: "op-2", Username: "bob", SecretHash: hash}))
	svc := auth.New(backend, []byte("s"), time.Hour)

	_, err := svc.UpdateProfile("op-2", "alice", "")
	assert.True(t, ferrors.Is(err, ferrors.Conflict))
}

func TestUpdateProfileNoopWhenUnchanged(t *testing.T) {
	svc, op := newService(t)
	before, err := svc.UpdateProfile(op.ID, op.Username, op.Email)
	require.NoError(t, err)
	assert.True(t, before.UpdatedAt.IsZero(), "updating to identical values must not produce a change")
}
