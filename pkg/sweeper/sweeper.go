// Package sweeper implements the Liveness Sweeper (spec §4.4): the only
// component that promotes a worker to offline, driven by a periodic
// scan rather than per-connection timers. Grounded on
// r3e-network-service_layer's use of robfig/cron/v3 for periodic
// background jobs.
package sweeper

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/hub"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/registry"
	"github.com/fleetd/fleetd/pkg/session"
	"github.com/fleetd/fleetd/pkg/types"
)

// Config configures the Sweeper. LivenessWindow must be at least
// 3x PingCadence (spec §4.4's numeric semantics); New validates this.
type Config struct {
	LivenessWindow time.Duration
	PingCadence    time.Duration
	SweepInterval  time.Duration // recommended 10s
}

// Sweeper periodically scans the Worker Registry for stale online
// workers, demotes them, and drops any lingering session. The
// resulting worker:offline event reaches subscribers through the
// registry's state-change hook (hub.BindRegistry), not from here.
type Sweeper struct {
	cfg      Config
	registry *registry.Registry
	sessions *session.Manager
	hub      *hub.Hub
	logger   zerolog.Logger

	cron *cron.Cron
}

// New validates cfg and wires a Sweeper. Returns an error if
// LivenessWindow < 3*PingCadence.
func New(cfg Config, reg *registry.Registry, sessions *session.Manager, h *hub.Hub, logger zerolog.Logger) (*Sweeper, error) {
	if cfg.LivenessWindow < 3*cfg.PingCadence {
		return nil, ferrors.Newf(ferrors.Validation, "LIVENESS_WINDOW (%s) must be >= 3x PING_CADENCE (%s)", cfg.LivenessWindow, cfg.PingCadence)
	}
	return &Sweeper{cfg: cfg, registry: reg, sessions: sessions, hub: h, logger: logger}, nil
}

// Start begins the periodic sweep on its own cron schedule.
func (s *Sweeper) Start() {
	s.cron = cron.New()
	spec := "@every " + s.cfg.SweepInterval.String()
	_, _ = s.cron.AddFunc(spec, s.sweep)
	s.cron.Start()
}

// Stop halts the sweep and waits for any in-flight run to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

func (s *Sweeper) sweep() {
	workers, err := s.registry.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("liveness sweep: list workers failed")
		return
	}

	now := time.Now()
	for _, w := range workers {
		if w.Status != types.WorkerOnline {
			continue
		}
		if now.Sub(w.LastSeen) <= s.cfg.LivenessWindow {
			continue
		}

		if err := s.registry.MarkOffline(w.ID); err != nil {
			s.logger.Error().Err(err).Str("worker_id", w.ID).Msg("liveness sweep: mark offline failed")
			continue
		}
		metrics.WorkersSweptOfflineTotal.Inc()
		// worker:offline fan-out happens once, via the registry's
		// state-change hook (hub.BindRegistry) — not published here too.

		if sess, ok := s.sessions.GetByWorkerID(w.ID); ok {
			s.sessions.Close(sess.SocketID, "liveness_timeout")
		}
		s.logger.Info().Str("worker_id", w.ID).Msg("worker marked offline by liveness sweep")
	}
}
