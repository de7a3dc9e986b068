package storage

import (
	"strings"
	"sync"
	"time"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/types"
)

// MemoryStore is an in-memory reference implementation of Store, used in
// tests and for ephemeral single-process deployments that don't need
// durability across restarts.
type MemoryStore struct {
	mu        sync.RWMutex
	operators map[string]*types.Operator
	byName    map[string]string // lower(username) -> operator id
	tokens    map[string]*types.RegistrationToken
	byValue   map[string]string // token value -> operator id
	workers   map[string]*types.Worker
	byHostIP  map[string]string // hostname|ip -> worker id
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		operators: make(map[string]*types.Operator),
		byName:    make(map[string]string),
		tokens:    make(map[string]*types.RegistrationToken),
		byValue:   make(map[string]string),
		workers:   make(map[string]*types.Worker),
		byHostIP:  make(map[string]string),
	}
}

func hostIPKey(hostname, ip string) string {
	return strings.ToLower(hostname) + "|" + ip
}

func (m *MemoryStore) GetOperator(id string) (*types.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.operators[id]
	if !ok {
		return nil, ferrors.Newf(ferrors.NotFound, "operator %s not found", id)
	}
	cp := *op
	return &cp, nil
}

func (m *MemoryStore) GetOperatorByUsername(username string) (*types.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[strings.ToLower(username)]
	if !ok {
		return nil, ferrors.Newf(ferrors.NotFound, "operator %q not found", username)
	}
	cp := *m.operators[id]
	return &cp, nil
}

func (m *MemoryStore) UpsertOperator(op *types.Operator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(op.Username)
	if existingID, ok := m.byName[key]; ok && existingID != op.ID {
		return ferrors.Newf(ferrors.Conflict, "username %q already in use", op.Username)
	}
	if prev, ok := m.operators[op.ID]; ok {
		delete(m.byName, strings.ToLower(prev.Username))
	}
	cp := *op
	m.operators[op.ID] = &cp
	m.byName[key] = op.ID
	return nil
}

func (m *MemoryStore) ListOperators() ([]*types.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Operator, 0, len(m.operators))
	for _, op := range m.operators {
		cp := *op
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) GetTokenFor(operatorID string) (*types.RegistrationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.operators[operatorID]; !ok {
		return nil, ferrors.Newf(ferrors.NotFound, "operator %s not found", operatorID)
	}
	if tok, ok := m.tokens[operatorID]; ok {
		cp := *tok
		return &cp, nil
	}
	return m.rotateLocked(operatorID)
}

func (m *MemoryStore) RotateTokenFor(operatorID string) (*types.RegistrationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.operators[operatorID]; !ok {
		return nil, ferrors.Newf(ferrors.NotFound, "operator %s not found", operatorID)
	}
	return m.rotateLocked(operatorID)
}

func (m *MemoryStore) rotateLocked(operatorID string) (*types.RegistrationToken, error) {
	value, err := newTokenValue()
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Internal, err, "generate token")
	}
	if old, ok := m.tokens[operatorID]; ok {
		delete(m.byValue, old.Value)
	}
	tok := &types.RegistrationToken{Value: value, OperatorID: operatorID, CreatedAt: time.Now()}
	m.tokens[operatorID] = tok
	m.byValue[value] = operatorID
	cp := *tok
	return &cp, nil
}

func (m *MemoryStore) GetOperatorByTokenValue(value string) (*types.Operator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	operatorID, ok := m.byValue[value]
	if !ok {
		return nil, ferrors.New(ferrors.Unauthorized, "unknown registration token")
	}
	cp := *m.operators[operatorID]
	return &cp, nil
}

func (m *MemoryStore) UpsertWorker(w *types.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hostIPKey(w.Hostname, w.IPAddress)
	if existingID, ok := m.byHostIP[key]; ok && existingID != w.ID {
		delete(m.byHostIP, hostIPKey(m.workers[existingID].Hostname, m.workers[existingID].IPAddress))
	}
	if prev, ok := m.workers[w.ID]; ok {
		if prevKey := hostIPKey(prev.Hostname, prev.IPAddress); prevKey != key && m.byHostIP[prevKey] == w.ID {
			delete(m.byHostIP, prevKey)
		}
	}
	cp := *w
	m.workers[w.ID] = &cp
	m.byHostIP[key] = w.ID
	return nil
}

func (m *MemoryStore) GetWorker(id string) (*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ferrors.Newf(ferrors.NotFound, "worker %s not found", id)
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWorkerByHostIP(hostname, ip string) (*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byHostIP[hostIPKey(hostname, ip)]
	if !ok {
		return nil, ferrors.Newf(ferrors.NotFound, "worker %s/%s not found", hostname, ip)
	}
	cp := *m.workers[id]
	return &cp, nil
}

func (m *MemoryStore) ListWorkers() ([]*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListWorkersByOperator(operatorID string) ([]*types.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Worker
	for _, w := range m.workers {
		if w.OperatorID == operatorID {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
