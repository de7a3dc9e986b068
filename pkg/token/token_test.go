package token_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/storage"
	"github.com/fleetd/fleetd/pkg/token"
	"github.com/fleetd/fleetd/pkg/types"
)

func newStoreWithOperator(t *testing.T) (*token.Store, string) {
	t.Helper()
	backend := storage.NewMemoryStore()
	op := &types.Operator{ID: "op-1", Username: "alice"}
	require.NoError(t, backend.UpsertOperator(op))
	return token.New(backend), op.ID
}

func TestGetActiveMintsOnFirstAccess(t *testing.T) {
	st, opID := newStoreWithOperator(t)

	tok, err := st.GetActive(opID)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Value)
	assert.Equal(t, opID, tok.OperatorID)

	again, err := st.GetActive(opID)
	require.NoError(t, err)
	assert.Equal(t, tok.Value, again.Value, "a second GetActive must return the same value, not mint a new one")
}

func TestRotateInvalidatesOldValue(t *testing.T) {
	st, opID := newStoreWithOperator(t)

	t1, err := st.GetActive(opID)
	require.NoError(t, err)

	t2, err := st.Rotate(opID)
	require.NoError(t, err)
	assert.NotEqual(t, t1.Value, t2.Value)

	_, err = st.ResolveOwner(t1.Value)
	assert.True(t, ferrors.Is(err, ferrors.Unauthorized), "old token value must be rejected immediately after rotation")

	owner, err := st.ResolveOwner(t2.Value)
	require.NoError(t, err)
	assert.Equal(t, opID, owner.ID)
}

func TestGetActiveUnknownOperator(t *testing.T) {
	st := token.New(storage.NewMemoryStore())
	_, err := st.GetActive("nonexistent")
	assert.True(t, ferrors.Is(err, ferrors.NotFound))
}
