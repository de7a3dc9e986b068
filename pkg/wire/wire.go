// Package wire defines the newline-framed JSON envelope and per-event
// payload types carried over the /workers and /operators streaming
// namespaces (spec §6). Both namespaces share the same envelope shape;
// only the set of valid events differs by direction.
package wire

import (
	"encoding/json"
	"time"

	"github.com/fleetd/fleetd/pkg/types"
)

// Event names, worker -> conductor.
const (
	EventWorkerRegister       = "worker:register"
	EventWorkerPing           = "worker:ping"
	EventWorkerResources      = "worker:resources"
	EventWorkerServiceStatus  = "worker:service:status"
)

// Event names, conductor -> worker.
const (
	EventWorkerRegistered = "worker:registered"
	EventError            = "error"
	EventDeployment       = "deployment"
)

// Event names, operator -> conductor.
const (
	EventWorkerSubscribe   = "worker:subscribe"
	EventWorkerUnsubscribe = "worker:unsubscribe"
)

// Event names, conductor -> operator.
const (
	EventWorkerOnline            = "worker:online"
	EventWorkerOffline           = "worker:offline"
	EventWorkerResourcesUpdated  = "worker:resources:updated"
	EventWorkerLiveUpdate        = "worker:live:update"
)

// Envelope is the `{event, payload}` shape every message on both
// namespaces carries, newline-delimited on the wire.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals event and payload into a newline-terminated frame.
func Encode(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env := Envelope{Event: event, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RegisterPayload is worker:register's payload.
type RegisterPayload struct {
	Token     string                   `json:"token"`
	Hostname  string                   `json:"hostname"`
	IPAddress string                   `json:"ip_address"`
	Resources *types.DeclaredResources `json:"resources"`
	WorkerID  string                   `json:"worker_id,omitempty"`
}

// PingPayload is worker:ping's payload.
type PingPayload struct {
	Timestamp time.Time                `json:"timestamp"`
	Resources *types.ResourceSnapshot  `json:"resources,omitempty"`
}

// ResourcesPayload is worker:resources's payload.
type ResourcesPayload struct {
	Resources *types.ResourceSnapshot `json:"resources"`
}

// ServiceStatusPayload is worker:service:status's payload.
type ServiceStatusPayload struct {
	Service string            `json:"service"`
	Status  types.ServiceStatus `json:"status"`
	Error   string            `json:"error,omitempty"`
}

// RegisteredPayload is worker:registered's payload.
type RegisteredPayload struct {
	WorkerID  string            `json:"workerId"`
	Hostname  string            `json:"hostname"`
	IPAddress string            `json:"ip_address"`
	Status    types.WorkerStatus `json:"status"`
}

// ErrorPayload is error's payload; Fatal indicates the session was, or
// will be, closed as a result.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Fatal   bool   `json:"-"`
}

// DeploymentPayload is deployment's payload.
type DeploymentPayload struct {
	Service string                     `json:"service"`
	Image   string                     `json:"image"`
	Env     map[string]string          `json:"env"`
	Ports   []types.PortSpec           `json:"ports"`
	Volumes []types.VolumeSpec         `json:"volumes"`
	Action  types.DeploymentAction     `json:"action"`
}

// SubscribePayload is worker:subscribe's and worker:unsubscribe's payload.
type SubscribePayload struct {
	WorkerID string `json:"workerId"`
}

// WorkerOnlinePayload is worker:online's payload.
type WorkerOnlinePayload struct {
	WorkerID string        `json:"workerId"`
	Worker   *types.Worker `json:"worker"`
}

// WorkerOfflinePayload is worker:offline's payload.
type WorkerOfflinePayload struct {
	WorkerID string `json:"workerId"`
}

// WorkerResourcesUpdatedPayload is worker:resources:updated's payload.
type WorkerResourcesUpdatedPayload struct {
	WorkerID string                   `json:"workerId"`
	Declared *types.DeclaredResources `json:"declaredResources"`
}

// WorkerLiveUpdatePayload is worker:live:update's payload.
type WorkerLiveUpdatePayload struct {
	WorkerID  string                  `json:"workerId"`
	Resources *types.ResourceSnapshot `json:"resources"`
	Timestamp time.Time               `json:"timestamp"`
}
