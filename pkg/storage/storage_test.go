package storage_test

import (
	"testing"
	"time"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/storage"
	"github.com/fleetd/fleetd/pkg/types"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]storage.Store {
	t.Helper()
	bolt, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]storage.Store{
		"memory": storage.NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestOperatorRoundTrip(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			op := &types.Operator{ID: "op-1", Username: "Ada", Email: "ada@example.com", SecretHash: "hash"}
			require.NoError(t, store.UpsertOperator(op))

			got, err := store.GetOperator("op-1")
			require.NoError(t, err)
			require.Equal(t, "Ada", got.Username)

			byName, err := store.GetOperatorByUsername("ada")
			require.NoError(t, err, "username lookup is case-insensitive")
			require.Equal(t, "op-1", byName.ID)

			_, err = store.GetOperator("missing")
			require.True(t, ferrors.Is(err, ferrors.NotFound))
		})
	}
}

func TestOperatorUsernameCollision(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.UpsertOperator(&types.Operator{ID: "op-1", Username: "ada"}))
			err := store.UpsertOperator(&types.Operator{ID: "op-2", Username: "ADA"})
			require.True(t, ferrors.Is(err, ferrors.Conflict))
		})
	}
}

func TestTokenRotationInvalidatesOldValue(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.UpsertOperator(&types.Operator{ID: "op-1", Username: "ada"}))

			first, err := store.GetTokenFor("op-1")
			require.NoError(t, err, "token is created on first access")
			require.NotEmpty(t, first.Value)

			second, err := store.RotateTokenFor("op-1")
			require.NoError(t, err)
			require.NotEqual(t, first.Value, second.Value)

			_, err = store.GetOperatorByTokenValue(first.Value)
			require.True(t, ferrors.Is(err, ferrors.Unauthorized))

			owner, err := store.GetOperatorByTokenValue(second.Value)
			require.NoError(t, err)
			require.Equal(t, "op-1", owner.ID)
		})
	}
}

func TestWorkerReRegistrationKeepsID(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w := &types.Worker{
				ID: "w-1", OperatorID: "op-1", Hostname: "node-a", IPAddress: "10.0.0.2",
				Status: types.WorkerOnline, LastSeen: time.Now(),
			}
			require.NoError(t, store.UpsertWorker(w))

			found, err := store.GetWorkerByHostIP("node-a", "10.0.0.2")
			require.NoError(t, err)
			require.Equal(t, "w-1", found.ID)

			found, err = store.GetWorkerByHostIP("NODE-A", "10.0.0.2")
			require.NoError(t, err, "hostname matching is case-insensitive")
			require.Equal(t, "w-1", found.ID)
		})
	}
}

func TestWorkerHostIPIndexMovesOnRebind(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			w := &types.Worker{ID: "w-1", Hostname: "node-a", IPAddress: "10.0.0.2"}
			require.NoError(t, store.UpsertWorker(w))

			w.IPAddress = "10.0.0.3"
			require.NoError(t, store.UpsertWorker(w))

			_, err := store.GetWorkerByHostIP("node-a", "10.0.0.2")
			require.True(t, ferrors.Is(err, ferrors.NotFound), "stale index entry must be removed")

			found, err := store.GetWorkerByHostIP("node-a", "10.0.0.3")
			require.NoError(t, err)
			require.Equal(t, "w-1", found.ID)
		})
	}
}

func TestListWorkersByOperator(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.UpsertWorker(&types.Worker{ID: "w-1", OperatorID: "op-1", Hostname: "a", IPAddress: "1"}))
			require.NoError(t, store.UpsertWorker(&types.Worker{ID: "w-2", OperatorID: "op-2", Hostname: "b", IPAddress: "2"}))

			workers, err := store.ListWorkersByOperator("op-1")
			require.NoError(t, err)
			require.Len(t, workers, 1)
			require.Equal(t, "w-1", workers[0].ID)
		})
	}
}
