// Package agent wires every worker-side component into a single root
// object: Resource Probe, Conductor Client, Deployment Supervisor, and
// Local Admin API. Grounded on teacher `pkg/worker/worker.go`'s
// `Worker` struct (one root object built once at startup with an
// explicit Start/Stop pair), stripped of the teacher's mTLS
// certificate bootstrapping since this spec's worker authenticates
// with a bearer registration token instead (spec §4.1, §4.7).
package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/run"
	"github.com/rs/zerolog"

	"github.com/fleetd/fleetd/pkg/adminapi"
	"github.com/fleetd/fleetd/pkg/agentclient"
	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/health"
	"github.com/fleetd/fleetd/pkg/probe"
	"github.com/fleetd/fleetd/pkg/runtime"
	"github.com/fleetd/fleetd/pkg/supervisor"
	"github.com/fleetd/fleetd/pkg/types"
	"github.com/fleetd/fleetd/pkg/wire"
)

// Config is the worker agent's startup configuration, sourced from the
// environment variables named in spec §6.
type Config struct {
	ConductorURL          string
	ConductorToken        string
	AdminPort             int
	ContainerdSocket      string
	Hostname              string
	IPAddress             string
	Declared              *types.DeclaredResources
	HeartbeatInterval     time.Duration
	ResourceCheckInterval time.Duration
}

// Validate rejects a Config missing required fields.
func (c Config) Validate() error {
	if c.ConductorURL == "" {
		return ferrors.New(ferrors.Validation, "CONDUCTOR_URL must not be empty")
	}
	if c.ConductorToken == "" {
		return ferrors.New(ferrors.Validation, "CONDUCTOR_TOKEN must not be empty")
	}
	if c.AdminPort <= 0 {
		return ferrors.New(ferrors.Validation, "PORT must be positive")
	}
	return nil
}

// Agent is the worker root object.
type Agent struct {
	cfg    Config
	logger zerolog.Logger

	runtime    *runtime.ContainerdRuntime
	probe      *probe.Probe
	client     *agentclient.Client
	supervisor *supervisor.Supervisor

	adminServer *http.Server
}

// New wires every worker subsystem. Fails with Transient if containerd
// cannot be dialed.
func New(cfg Config, logger zerolog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt, err := runtime.NewContainerdRuntime(cfg.ContainerdSocket)
	if err != nil {
		return nil, err
	}

	p := probe.New("/", logger)

	var client *agentclient.Client
	sup := supervisor.New(rt, nil, logger) // reporter wired in below, after client exists

	client = agentclient.New(agentclient.Config{
		ConductorURL: cfg.ConductorURL,
		Token:        cfg.ConductorToken,
		Hostname:     cfg.Hostname,
		IPAddress:    cfg.IPAddress,
		Declared:     cfg.Declared,
		PingCadence:  cfg.HeartbeatInterval,
		Probe:        p.Sample,
		OnDeployment: func(instr wire.DeploymentPayload) {
			go sup.Apply(context.Background(), instr)
		},
		Logger: logger,
	})
	sup.SetReporter(client)

	healthCheck := health.NewFuncChecker("conductor", func(ctx context.Context) error {
		if client.State() != agentclient.StateActive {
			return ferrors.New(ferrors.Transient, "not connected to conductor")
		}
		return nil
	})

	adminSrv := adminapi.New(client, sup, healthCheck, logger)
	engine := gin.New()
	engine.Use(gin.Recovery())
	adminSrv.Routes(engine)

	return &Agent{
		cfg:        cfg,
		logger:     logger,
		runtime:    rt,
		probe:      p,
		client:     client,
		supervisor: sup,
		adminServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.AdminPort),
			Handler: engine,
		},
	}, nil
}

// Start runs the conductor client, the local admin HTTP server and a
// ctx-cancellation watcher under an oklog/run group, blocking until ctx
// is canceled or a component fails (spec §5's single-threaded-cooperative
// scheduling model, implemented here as separate actors rather than one
// goroutine since the admin server must keep answering even
// mid-reconnect).
func (a *Agent) Start(ctx context.Context) error {
	var g run.Group

	g.Add(func() error {
		return a.client.Run(ctx)
	}, func(error) {})

	g.Add(func() error {
		a.logger.Info().Int("port", a.cfg.AdminPort).Msg("agent admin api listening")
		if err := a.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.adminServer.Shutdown(shutdownCtx)
	})

	g.Add(func() error {
		<-ctx.Done()
		return ctx.Err()
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.adminServer.Shutdown(shutdownCtx)
	})

	return g.Run()
}

// Shutdown releases the containerd client connection.
func (a *Agent) Shutdown() error {
	return a.runtime.Close()
}
