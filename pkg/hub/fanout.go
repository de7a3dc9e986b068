package hub

import (
	"github.com/fleetd/fleetd/pkg/registry"
	"github.com/fleetd/fleetd/pkg/types"
	"github.com/fleetd/fleetd/pkg/wire"
)

// BindRegistry subscribes h to reg's worker-state-changed hook and
// translates each mutation into the event taxonomy of spec §4.5:
// worker:online on a transition into online, worker:offline on a
// transition into offline, worker:resources:updated when declared
// resources change, and worker:live:update whenever last_seen or the
// live snapshot advances. This is the one place state mutations become
// fan-out events, replacing the source's ad-hoc event emitter (spec §9).
func BindRegistry(reg *registry.Registry, h *Hub) {
	reg.OnWorkerStateChanged(func(old, new *types.Worker) {
		wasOnline := old != nil && old.Status == types.WorkerOnline
		if new.Status == types.WorkerOnline && !wasOnline {
			h.Publish(wire.EventWorkerOnline, new.ID, wire.WorkerOnlinePayload{WorkerID: new.ID, Worker: new})
		}

		wasOffline := old != nil && old.Status == types.WorkerOffline
		if new.Status == types.WorkerOffline && !wasOffline {
			h.Publish(wire.EventWorkerOffline, new.ID, wire.WorkerOfflinePayload{WorkerID: new.ID})
		}

		if old != nil && !declaredEqual(old.Declared, new.Declared) {
			h.Publish(wire.EventWorkerResourcesUpdated, new.ID, wire.WorkerResourcesUpdatedPayload{WorkerID: new.ID, Declared: new.Declared})
		}

		if old != nil && (!old.LastSeen.Equal(new.LastSeen) || old.Live != new.Live) {
			h.Publish(wire.EventWorkerLiveUpdate, new.ID, wire.WorkerLiveUpdatePayload{WorkerID: new.ID, Resources: new.Live, Timestamp: new.LastSeen})
		}
	})
}

func declaredEqual(a, b *types.DeclaredResources) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
