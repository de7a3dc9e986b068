package storage

import "github.com/fleetd/fleetd/pkg/types"

// Store is the persistence capability set the control plane depends on.
// Implementations are selected once at startup; callers never type-switch
// on the concrete backend.
type Store interface {
	// Operators
	GetOperator(id string) (*types.Operator, error)
	GetOperatorByUsername(username string) (*types.Operator, error)
	UpsertOperator(op *types.Operator) error
	ListOperators() ([]*types.Operator, error)

	// Registration tokens: one active value per operator.
	GetTokenFor(operatorID string) (*types.RegistrationToken, error)
	RotateTokenFor(operatorID string) (*types.RegistrationToken, error)
	// GetOperatorByTokenValue resolves the owning operator for a bearer
	// value presented by a registering worker; it fails with Unauthorized
	// for an unknown value, including one superseded by a rotation.
	GetOperatorByTokenValue(value string) (*types.Operator, error)

	// Workers
	UpsertWorker(w *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	GetWorkerByHostIP(hostname, ip string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	ListWorkersByOperator(operatorID string) ([]*types.Worker, error)

	// Close releases any resources held by the backend.
	Close() error
}
