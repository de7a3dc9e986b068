// Package registry implements the Worker Registry (spec §4.2): the
// durable record of every worker, registration/rebinding semantics
// across IP/hostname changes, and the ping/resource-merge/offline
// transitions that keep it current. Grounded on the teacher's
// pkg/manager.Manager CRUD-over-store delegation pattern, generalized
// to this spec's re-registration tie-break rules.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetd/fleetd/pkg/storage"
	"github.com/fleetd/fleetd/pkg/token"
	"github.com/fleetd/fleetd/pkg/types"
)

// StateChangeFunc is the one hook the registry exposes per spec §9's
// re-architecture note, replacing the source's before/after callback
// chains. It fires after a worker mutation commits; old is nil on first
// creation.
type StateChangeFunc func(old, new *types.Worker)

// Registry is the Worker Registry.
type Registry struct {
	store  storage.Store
	tokens *token.Store

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	onChangeMu sync.RWMutex
	onChange   []StateChangeFunc
}

// New wires a Registry over store and tokens.
func New(store storage.Store, tokens *token.Store) *Registry {
	return &Registry{
		store:  store,
		tokens: tokens,
		locks:  make(map[string]*sync.Mutex),
	}
}

// OnWorkerStateChanged registers fn to be called after every worker
// mutation. Callers (the fan-out hub) may register more than one.
func (r *Registry) OnWorkerStateChanged(fn StateChangeFunc) {
	r.onChangeMu.Lock()
	defer r.onChangeMu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Registry) fireChange(old, new *types.Worker) {
	r.onChangeMu.RLock()
	hooks := append([]StateChangeFunc(nil), r.onChange...)
	r.onChangeMu.RUnlock()
	for _, fn := range hooks {
		fn(old, new)
	}
}

// lockFor returns the mutex guarding mutations to workerID, creating it
// on first use. Per spec §5, all Registry mutations acquire a
// per-worker-id lock.
func (r *Registry) lockFor(workerID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[workerID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[workerID] = l
	}
	return l
}

// RegisterOrRebind validates tokenValue, then locates any existing
// worker by (hostname, ip). If priorWorkerID is supplied and names an
// existing worker, it takes precedence over the (hostname, ip) lookup
// per spec §9's Open Question resolution: the prior id wins, and
// (hostname, ip) on that record is updated to match. Otherwise a fresh
// worker is created. Fails with Unauthorized if tokenValue is invalid.
func (r *Registry) RegisterOrRebind(tokenValue, hostname, ip string, declared *types.DeclaredResources, priorWorkerID string) (*types.Worker, error) {
	owner, err := r.tokens.ResolveOwner(tokenValue)
	if err != nil {
		return nil, err
	}

	var existing *types.Worker
	if priorWorkerID != "" {
		if w, err := r.store.GetWorker(priorWorkerID); err == nil && w.OperatorID == owner.ID {
			existing = w
		}
	}
	if existing == nil {
		if w, err := r.store.GetWorkerByHostIP(hostname, ip); err == nil && w.OperatorID == owner.ID {
			existing = w
		}
	}

	var workerID string
	if existing != nil {
		workerID = existing.ID
	} else {
		workerID = uuid.NewString()
	}

	lock := r.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	worker := &types.Worker{
		ID:         workerID,
		OperatorID: owner.ID,
		Hostname:   hostname,
		IPAddress:  ip,
		Status:     types.WorkerOnline,
		Declared:   declared,
		LastSeen:   now,
	}
	if existing != nil {
		worker.Live = existing.Live
		worker.CreatedAt = existing.CreatedAt
	} else {
		worker.CreatedAt = now
	}

	if err := r.store.UpsertWorker(worker); err != nil {
		return nil, err
	}
	r.fireChange(existing, worker)
	return worker, nil
}

// RecordPing sets last_seen=timestamp, promotes the worker to online if
// it was previously offline, and merges resources if supplied (absent
// top-level subsections leave the corresponding field untouched). A
// future timestamp beyond the clock-skew bound is clamped to now.
func (r *Registry) RecordPing(workerID string, timestamp time.Time, resources *types.ResourceSnapshot) error {
	const clockSkewBound = 5 * time.Second

	lock := r.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	w, err := r.store.GetWorker(workerID)
	if err != nil {
		return err
	}

	now := time.Now()
	if timestamp.After(now.Add(clockSkewBound)) {
		timestamp = now
	}

	old := *w
	w.LastSeen = timestamp
	if w.Status == types.WorkerOffline {
		w.Status = types.WorkerOnline
	}
	if resources != nil {
		w.Live = mergeSnapshot(w.Live, resources)
	}

	if err := r.store.UpsertWorker(w); err != nil {
		return err
	}
	r.fireChange(&old, w)
	return nil
}

// RecordResources merges snapshot into the worker's live snapshot
// out-of-band (spec §4.2): sections absent from snapshot keep their
// previous values; last_seen is unchanged.
func (r *Registry) RecordResources(workerID string, snapshot *types.ResourceSnapshot) error {
	lock := r.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	w, err := r.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	old := *w
	w.Live = mergeSnapshot(w.Live, snapshot)
	if err := r.store.UpsertWorker(w); err != nil {
		return err
	}
	r.fireChange(&old, w)
	return nil
}

// MarkOffline transitions workerID to offline. Idempotent.
func (r *Registry) MarkOffline(workerID string) error {
	lock := r.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	w, err := r.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	if w.Status == types.WorkerOffline {
		return nil
	}
	old := *w
	w.Status = types.WorkerOffline
	if err := r.store.UpsertWorker(w); err != nil {
		return err
	}
	r.fireChange(&old, w)
	return nil
}

// List returns every registered worker.
func (r *Registry) List() ([]*types.Worker, error) {
	return r.store.ListWorkers()
}

// ListByOperator returns every worker owned by operatorID.
func (r *Registry) ListByOperator(operatorID string) ([]*types.Worker, error) {
	return r.store.ListWorkersByOperator(operatorID)
}

// Get returns the worker named by id, or NotFound.
func (r *Registry) Get(id string) (*types.Worker, error) {
	return r.store.GetWorker(id)
}

// UpdateDeclared overwrites a worker's declared resources, firing the
// worker:resources:updated fan-out path.
func (r *Registry) UpdateDeclared(workerID string, declared *types.DeclaredResources) error {
	lock := r.lockFor(workerID)
	lock.Lock()
	defer lock.Unlock()

	w, err := r.store.GetWorker(workerID)
	if err != nil {
		return err
	}
	old := *w
	w.Declared = declared
	if err := r.store.UpsertWorker(w); err != nil {
		return err
	}
	r.fireChange(&old, w)
	return nil
}

// mergeSnapshot overlays fresh's present top-level subsections onto
// base, leaving subsections fresh omits unchanged (spec §3, §8
// boundary behaviour: a snapshot missing one field must not zero the
// rest).
func mergeSnapshot(base, fresh *types.ResourceSnapshot) *types.ResourceSnapshot {
	if fresh == nil {
		return base
	}
	merged := &types.ResourceSnapshot{Timestamp: fresh.Timestamp}
	if base != nil {
		merged.CPU = base.CPU
		merged.RAM = base.RAM
		merged.Disk = base.Disk
		merged.Network = base.Network
	}
	if fresh.CPU != nil {
		merged.CPU = fresh.CPU
	}
	if fresh.RAM != nil {
		merged.RAM = fresh.RAM
	}
	if fresh.Disk != nil {
		merged.Disk = fresh.Disk
	}
	if fresh.Network != nil {
		merged.Network = fresh.Network
	}
	return merged
}
