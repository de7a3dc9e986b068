// Package token implements the Registration Token Store (spec §4.1):
// exactly one active bearer value per operator, rotatable on demand.
// Grounded on the teacher's pkg/manager.TokenManager shape (crypto/rand
// generation, hex encoding) but backed by pkg/storage instead of an
// in-memory map, since the token is durable core state.
package token

import (
	"github.com/fleetd/fleetd/pkg/storage"
	"github.com/fleetd/fleetd/pkg/types"
)

// Store is the Registration Token Store.
type Store struct {
	backend storage.Store
}

// New wraps backend as a Registration Token Store.
func New(backend storage.Store) *Store {
	return &Store{backend: backend}
}

// GetActive returns the operator's current active token, minting one on
// first access if none exists yet. Fails with NotFound if operatorID
// does not name a known operator.
func (s *Store) GetActive(operatorID string) (*types.RegistrationToken, error) {
	return s.backend.GetTokenFor(operatorID)
}

// Rotate generates a fresh token for operatorID and persists it
// atomically, rendering the prior value invalid on the very next
// validation. Fails with NotFound if operatorID does not name a known
// operator.
func (s *Store) Rotate(operatorID string) (*types.RegistrationToken, error) {
	return s.backend.RotateTokenFor(operatorID)
}

// ResolveOwner returns the operator that owns value, or Unauthorized if
// value is unknown or has been superseded by a rotation.
func (s *Store) ResolveOwner(value string) (*types.Operator, error) {
	return s.backend.GetOperatorByTokenValue(value)
}
