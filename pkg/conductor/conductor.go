// Package conductor wires every conductor-side component into a single
// root object, the way the teacher's pkg/manager.Manager does for its
// cluster manager node: one struct constructed once at startup, holding
// every long-lived subsystem, with an explicit Start/Shutdown pair
// rather than implicit process-wide globals (spec §9's "implicit
// globals" re-architecture note).
package conductor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/run"
	"github.com/rs/zerolog"

	"github.com/fleetd/fleetd/pkg/auth"
	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/health"
	"github.com/fleetd/fleetd/pkg/hub"
	"github.com/fleetd/fleetd/pkg/ingress"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/registry"
	"github.com/fleetd/fleetd/pkg/restapi"
	"github.com/fleetd/fleetd/pkg/session"
	"github.com/fleetd/fleetd/pkg/storage"
	"github.com/fleetd/fleetd/pkg/sweeper"
	"github.com/fleetd/fleetd/pkg/token"
)

// Config is the conductor's startup configuration, sourced from the
// environment variables named in spec §6.
type Config struct {
	Port              int
	DataDir           string
	JWTSecret         []byte
	TokenTTL          time.Duration
	LivenessWindow    time.Duration
	PingCadence       time.Duration
	SweepInterval     time.Duration
	RegistrationGrace time.Duration
}

// Validate rejects a Config missing required fields or violating the
// liveness-cadence invariant (spec §4.4).
func (c Config) Validate() error {
	if c.Port <= 0 {
		return ferrors.New(ferrors.Validation, "PORT must be positive")
	}
	if c.DataDir == "" {
		return ferrors.New(ferrors.Validation, "persistence path must not be empty")
	}
	if len(c.JWTSecret) == 0 {
		return ferrors.New(ferrors.Validation, "credential-store secret must not be empty")
	}
	if c.LivenessWindow < 3*c.PingCadence {
		return ferrors.Newf(ferrors.Validation, "LIVENESS_WINDOW (%s) must be >= 3x PING_CADENCE (%s)", c.LivenessWindow, c.PingCadence)
	}
	return nil
}

// Conductor is the root object: every subsystem named in spec §4, wired
// once and shut down together.
type Conductor struct {
	cfg    Config
	logger zerolog.Logger

	store     storage.Store
	tokens    *token.Store
	registry  *registry.Registry
	sessions  *session.Manager
	hub       *hub.Hub
	auth      *auth.Service
	sweeper   *sweeper.Sweeper
	collector *metrics.Collector

	httpServer *http.Server
}

// New opens persistence at cfg.DataDir and wires every conductor
// subsystem. Fails with Transient if persistence cannot be opened.
func New(cfg Config, logger zerolog.Logger) (*Conductor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, err, "open persistence")
	}

	tokens := token.New(store)
	reg := registry.New(store, tokens)
	sessions := session.New(cfg.RegistrationGrace)
	h := hub.New()
	hub.BindRegistry(reg, h)
	authSvc := auth.New(store, cfg.JWTSecret, cfg.TokenTTL)

	sw, err := sweeper.New(sweeper.Config{
		LivenessWindow: cfg.LivenessWindow,
		PingCadence:    cfg.PingCadence,
		SweepInterval:  cfg.SweepInterval,
	}, reg, sessions, h, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	ingressSrv := ingress.New(tokens, reg, sessions, h, authSvc, logger)
	healthCheck := health.NewFuncChecker("persistence", func(ctx context.Context) error {
		_, err := store.ListOperators()
		return err
	})
	restSrv := restapi.New(authSvc, tokens, reg, healthCheck, logger)
	collector := metrics.NewCollector(reg)

	engine := gin.New()
	engine.Use(gin.Recovery())
	restSrv.Routes(engine)
	ingressSrv.Routes(engine)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	return &Conductor{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		tokens:    tokens,
		registry:  reg,
		sessions:  sessions,
		hub:       h,
		auth:      authSvc,
		sweeper:   sw,
		collector: collector,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: engine,
		},
	}, nil
}

// Start runs the HTTP(S)+websocket server and the liveness sweeper
// under an oklog/run group (grounded on
// GoogleCloudPlatform-prometheus-engine's rule-evaluator main), blocking
// until ctx is canceled or a component fails.
func (c *Conductor) Start(ctx context.Context) error {
	var g run.Group

	g.Add(func() error {
		<-ctx.Done()
		return ctx.Err()
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.httpServer.Shutdown(shutdownCtx)
	})

	g.Add(func() error {
		c.logger.Info().Int("port", c.cfg.Port).Msg("conductor listening")
		if err := c.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.httpServer.Shutdown(shutdownCtx)
	})

	g.Add(func() error {
		c.sweeper.Start()
		<-ctx.Done()
		return nil
	}, func(error) {
		c.sweeper.Stop()
	})

	g.Add(func() error {
		c.collector.Start()
		<-ctx.Done()
		return nil
	}, func(error) {
		c.collector.Stop()
	})

	return g.Run()
}

// Shutdown releases the persistence backend. Call after Start returns.
func (c *Conductor) Shutdown() error {
	return c.store.Close()
}
