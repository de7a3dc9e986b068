// Package supervisor implements the worker-side Deployment Supervisor
// (spec §4.9): applies one DeploymentInstruction at a time against the
// Container Runtime Adapter, keeping a ServiceRecord per service name
// and reporting status back toward the conductor. Grounded on teacher
// `pkg/worker/worker.go`'s `containerExecutorLoop`/`syncContainers`/
// `executeContainer`/`stopContainer`, generalized from that teacher's
// polling-loop-over-task-list shape to this spec's one-instruction-at-
// a-time reconciliation with explicit error-class tagging.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/runtime"
	"github.com/fleetd/fleetd/pkg/types"
	"github.com/fleetd/fleetd/pkg/wire"
)

// stopTimeout bounds how long a stop waits for graceful shutdown before
// the runtime adapter escalates to SIGKILL.
const stopTimeout = 10 * time.Second

// StatusReporter is notified of every ServiceRecord transition; the
// Conductor Client implements this to forward worker:service:status
// frames (spec §4.9 point 4).
type StatusReporter interface {
	SendServiceStatus(service string, status types.ServiceStatus, errMsg string)
}

// Supervisor owns the worker's set of managed services.
type Supervisor struct {
	runtime  runtime.Runtime
	reporter StatusReporter
	logger   zerolog.Logger

	mu       sync.Mutex
	services map[string]*types.ServiceRecord
}

// New constructs a Supervisor. reporter may be nil, in which case
// status transitions are only logged.
func New(rt runtime.Runtime, reporter StatusReporter, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		runtime:  rt,
		reporter: reporter,
		logger:   logger,
		services: make(map[string]*types.ServiceRecord),
	}
}

// Apply reconciles one deployment instruction pushed by the conductor.
// The latest instruction for a given service always wins; there is no
// queue (spec §4.9).
func (s *Supervisor) Apply(ctx context.Context, p wire.DeploymentPayload) *types.ServiceRecord {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DeploymentApplyDuration, string(p.Action))

	instr := &types.DeploymentInstruction{
		ServiceName: p.Service,
		Image:       p.Image,
		Env:         p.Env,
		Ports:       p.Ports,
		Volumes:     p.Volumes,
		Action:      p.Action,
	}

	var record *types.ServiceRecord
	switch p.Action {
	case types.ActionStart:
		record = s.start(ctx, instr)
	case types.ActionStop:
		record = s.stop(ctx, p.Service)
	case types.ActionRestart:
		record = s.restart(ctx, instr)
	case types.ActionUpdate:
		record = s.update(ctx, instr)
	default:
		s.logger.Warn().Str("service", p.Service).Str("action", string(p.Action)).Msg("supervisor: unknown action")
		return nil
	}

	outcome := "ok"
	if record.Status == types.ServiceFailed {
		outcome = "failed"
	}
	metrics.DeploymentsAppliedTotal.WithLabelValues(string(p.Action), outcome).Inc()
	s.report(record)
	return record
}

// start is idempotent: start∘start=start. If the service is already
// running, it is left untouched.
func (s *Supervisor) start(ctx context.Context, instr *types.DeploymentInstruction) *types.ServiceRecord {
	s.mu.Lock()
	existing, ok := s.services[instr.ServiceName]
	if ok && existing.Status == types.ServiceRunning {
		s.mu.Unlock()
		return existing
	}
	record := &types.ServiceRecord{ServiceName: instr.ServiceName, Status: types.ServicePulling, Spec: instr, UpdatedAt: time.Now()}
	s.services[instr.ServiceName] = record
	s.mu.Unlock()

	if err := s.runtime.PullImage(ctx, instr.Image); err != nil {
		return s.fail(instr.ServiceName, types.ErrorClassImagePull, err)
	}

	containerID, err := s.runtime.Run(ctx, instr)
	if err != nil {
		return s.fail(instr.ServiceName, classifyRunError(err), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record = &types.ServiceRecord{
		ServiceName: instr.ServiceName,
		ContainerID: containerID,
		Status:      types.ServiceRunning,
		Spec:        instr,
		UpdatedAt:   time.Now(),
	}
	s.services[instr.ServiceName] = record
	metrics.ServicesManaged.WithLabelValues(string(types.ServiceRunning)).Inc()
	return record
}

// stop is idempotent: stop∘stop=stop.
func (s *Supervisor) stop(ctx context.Context, serviceName string) *types.ServiceRecord {
	s.mu.Lock()
	existing, ok := s.services[serviceName]
	if !ok || existing.Status == types.ServiceStopped {
		s.mu.Unlock()
		if !ok {
			existing = &types.ServiceRecord{ServiceName: serviceName, Status: types.ServiceStopped, UpdatedAt: time.Now()}
		}
		return existing
	}
	containerID := existing.ContainerID
	s.mu.Unlock()

	if containerID != "" {
		if err := s.runtime.Stop(ctx, containerID, stopTimeout); err != nil {
			s.logger.Warn().Err(err).Str("service", serviceName).Msg("supervisor: stop failed, removing anyway")
		}
		if err := s.runtime.Remove(ctx, containerID); err != nil {
			s.logger.Warn().Err(err).Str("service", serviceName).Msg("supervisor: remove failed")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record := &types.ServiceRecord{ServiceName: serviceName, Status: types.ServiceStopped, Spec: existing.Spec, UpdatedAt: time.Now()}
	s.services[serviceName] = record
	return record
}

// restart stops then starts, reusing the prior spec when the incoming
// instruction is missing its image (best-effort reuse, spec §4.9).
func (s *Supervisor) restart(ctx context.Context, instr *types.DeploymentInstruction) *types.ServiceRecord {
	s.mu.Lock()
	existing, ok := s.services[instr.ServiceName]
	s.mu.Unlock()
	if instr.Image == "" && ok && existing.Spec != nil {
		instr = existing.Spec
	}

	s.stop(ctx, instr.ServiceName)
	return s.start(ctx, instr)
}

// update replaces a running service's spec with instr, applied as a
// stop-then-start against the new spec.
func (s *Supervisor) update(ctx context.Context, instr *types.DeploymentInstruction) *types.ServiceRecord {
	s.stop(ctx, instr.ServiceName)
	return s.start(ctx, instr)
}

func (s *Supervisor) fail(serviceName string, class types.ErrorClass, err error) *types.ServiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := &types.ServiceRecord{
		ServiceName: serviceName,
		Status:      types.ServiceFailed,
		LastError:   err.Error(),
		ErrorClass:  class,
		UpdatedAt:   time.Now(),
	}
	if prior, ok := s.services[serviceName]; ok {
		record.Spec = prior.Spec
	}
	s.services[serviceName] = record
	metrics.ServicesManaged.WithLabelValues(string(types.ServiceFailed)).Inc()
	return record
}

func (s *Supervisor) report(record *types.ServiceRecord) {
	if record == nil {
		return
	}
	if s.reporter != nil {
		s.reporter.SendServiceStatus(record.ServiceName, record.Status, record.LastError)
	}
	log := s.logger.With().Str("service", record.ServiceName).Str("status", string(record.Status)).Logger()
	if record.LastError != "" {
		log.Warn().Str("error_class", string(record.ErrorClass)).Str("error", record.LastError).Msg("supervisor: service transition")
	} else {
		log.Info().Msg("supervisor: service transition")
	}
}

// SetReporter wires the reporter used to forward service status
// transitions, for callers that must construct the Supervisor before
// the reporter (e.g. a Conductor Client) exists.
func (s *Supervisor) SetReporter(reporter StatusReporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporter = reporter
}

// Get returns the current record for serviceName, if any.
func (s *Supervisor) Get(serviceName string) (*types.ServiceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.services[serviceName]
	return r, ok
}

// List returns every service record the supervisor currently tracks.
func (s *Supervisor) List() []*types.ServiceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.ServiceRecord, 0, len(s.services))
	for _, r := range s.services {
		out = append(out, r)
	}
	return out
}

// classifyRunError tags a Runtime.Run failure; ferrors.Transient from
// the containerd adapter generally indicates the daemon itself is
// unreachable rather than an image or resource problem.
func classifyRunError(err error) types.ErrorClass {
	if ferrors.Is(err, ferrors.Transient) {
		return types.ErrorClassRuntimeMissing
	}
	return types.ErrorClassOther
}
