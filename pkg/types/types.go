package types

import "time"

// Operator is a human account allowed to administer the fleet.
type Operator struct {
	ID         string
	Username   string // unique, case-insensitive
	Email      string
	SecretHash string // bcrypt hash, never the plaintext secret
	Role       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RegistrationToken is the bearer credential that lets a worker self-enroll.
// Exactly one token is active per operator at a time.
type RegistrationToken struct {
	Value      string
	OperatorID string
	CreatedAt  time.Time
}

// WorkerStatus is the lifecycle state of a registered worker.
type WorkerStatus string

const (
	WorkerPending  WorkerStatus = "pending"
	WorkerOnline   WorkerStatus = "online"
	WorkerDegraded WorkerStatus = "degraded"
	WorkerOffline  WorkerStatus = "offline"
)

// DeclaredResources is the capacity a worker announced at registration time.
type DeclaredResources struct {
	CPUCores int     `json:"cpu_cores"`
	RAMGB    float64 `json:"ram_gb"`
	DiskGB   float64 `json:"disk_gb"`
}

// Worker is a registered node.
type Worker struct {
	ID         string
	OperatorID string
	Hostname   string
	IPAddress  string
	Status     WorkerStatus
	Declared   *DeclaredResources
	Live       *ResourceSnapshot // most recent live sample, may be nil
	LastSeen   time.Time
	CreatedAt  time.Time
}

// CPUSnapshot is the CPU subsection of a ResourceSnapshot.
type CPUSnapshot struct {
	UsagePercent float64   `json:"usagePercent"`
	PerCore      []float64 `json:"perCore,omitempty"`
}

// RAMSnapshot is the RAM subsection of a ResourceSnapshot.
type RAMSnapshot struct {
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	UsagePercent float64 `json:"usagePercent"`
}

// DiskSnapshot is the disk subsection of a ResourceSnapshot.
type DiskSnapshot struct {
	TotalGB      float64 `json:"total_gb"`
	UsedGB       float64 `json:"used_gb"`
	UsagePercent float64 `json:"usagePercent"`
}

// NetworkSnapshot is the network subsection of a ResourceSnapshot.
type NetworkSnapshot struct {
	RxBytesPerSec float64 `json:"rx_bytes_per_sec"`
	TxBytesPerSec float64 `json:"tx_bytes_per_sec"`
}

// ResourceSnapshot is one live telemetry sample. Any top-level subsection
// may be absent when the probe failed to collect it; absent fields must
// never be zero-filled by callers merging a snapshot into worker state.
type ResourceSnapshot struct {
	CPU       *CPUSnapshot     `json:"cpu,omitempty"`
	RAM       *RAMSnapshot     `json:"ram,omitempty"`
	Disk      *DiskSnapshot    `json:"disk,omitempty"`
	Network   *NetworkSnapshot `json:"network,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// SessionState is the per-socket protocol state for a worker connection.
type SessionState string

const (
	SessionConnected     SessionState = "connected"
	SessionAuthenticated SessionState = "authenticated"
	SessionClosed        SessionState = "closed"
)

// Session is a live worker<->conductor channel.
type Session struct {
	SocketID    string
	WorkerID    string // empty until authenticated
	State       SessionState
	ConnectedAt time.Time
	LastPingAt  time.Time
}

// WildcardWorkerID denotes a subscription to every worker's lifecycle
// and telemetry events.
const WildcardWorkerID = "*"

// Subscription is an operator session's interest in a worker's live stream.
type Subscription struct {
	OperatorSessionID string
	WorkerID          string // WildcardWorkerID for the global sink
}

// DeploymentAction is the desired action a DeploymentInstruction requests.
type DeploymentAction string

const (
	ActionStart   DeploymentAction = "start"
	ActionStop    DeploymentAction = "stop"
	ActionRestart DeploymentAction = "restart"
	ActionUpdate  DeploymentAction = "update"
)

// PortSpec is a single container->host port mapping requested by a
// deployment instruction.
type PortSpec struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	Protocol      string `json:"protocol"` // "tcp" or "udp"
}

// VolumeSpec is a single bind mount requested by a deployment instruction.
type VolumeSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// ResourceLimits bounds the container a deployment instruction describes.
type ResourceLimits struct {
	CPUCores    float64 `json:"cpu_cores,omitempty"`
	MemoryBytes int64   `json:"memory_bytes,omitempty"`
}

// DeploymentInstruction is the desired container state for one service on
// one worker. Service name is unique per worker; the latest instruction
// for a given service always wins, there is no queue.
type DeploymentInstruction struct {
	ServiceName string
	Image       string
	Env         map[string]string
	Ports       []PortSpec
	Volumes     []VolumeSpec
	Resources   *ResourceLimits
	Action      DeploymentAction
}

// ServiceStatus is the worker-local state of a managed container.
type ServiceStatus string

const (
	ServiceRunning ServiceStatus = "running"
	ServiceStopped ServiceStatus = "stopped"
	ServiceFailed  ServiceStatus = "failed"
	ServicePulling ServiceStatus = "pulling"
)

// ErrorClass categorizes why a deployment action failed, per the
// supervisor's error taxonomy.
type ErrorClass string

const (
	ErrorClassImagePull      ErrorClass = "image_pull"
	ErrorClassNetwork        ErrorClass = "network"
	ErrorClassResource       ErrorClass = "resource"
	ErrorClassRuntimeMissing ErrorClass = "runtime_missing"
	ErrorClassOther          ErrorClass = "other"
)

// ServiceRecord is the last known state of a container the worker manages.
// Service name is unique per worker.
type ServiceRecord struct {
	ServiceName string
	ContainerID string
	Status      ServiceStatus
	LastError   string
	ErrorClass  ErrorClass
	Spec        *DeploymentInstruction // last applied spec, for restart reuse
	UpdatedAt   time.Time
}
