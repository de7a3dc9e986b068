// Package adminapi implements the Worker Agent's Local Admin API (spec
// §6): `/health`, `/status`, `/services`, `/services/{name}`, and
// `/services/{name}/restart`, for operator debugging; pkg/agent serves
// it on all interfaces at the configured admin port. Grounded on Altacee-dockation's gin route style
// and the teacher's `pkg/health` `Checker`/`Result` abstraction reused
// unchanged for the `/health` route.
package adminapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/fleetd/fleetd/pkg/agentclient"
	"github.com/fleetd/fleetd/pkg/health"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/supervisor"
	"github.com/fleetd/fleetd/pkg/types"
	"github.com/fleetd/fleetd/pkg/wire"
)

// restartTimeout bounds a supervisor restart action (spec §5's 30s
// runtime adapter call budget).
const restartTimeout = 30 * time.Second

// Server serves the worker's local admin HTTP surface.
type Server struct {
	client     *agentclient.Client
	supervisor *supervisor.Supervisor
	health     health.Checker
	logger     zerolog.Logger
}

// New wires a Server.
func New(client *agentclient.Client, sup *supervisor.Supervisor, healthCheck health.Checker, logger zerolog.Logger) *Server {
	return &Server{client: client, supervisor: sup, health: healthCheck, logger: logger}
}

// Routes registers every spec §6 local admin endpoint onto r.
func (s *Server) Routes(r gin.IRouter) {
	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.GET("/services", s.handleListServices)
	r.GET("/services/:name", s.handleGetService)
	r.POST("/services/:name/restart", s.handleRestartService)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// handleHealth reports liveness (the process is answering) plus
// conductor connectivity (spec §6).
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	result := s.health.Check(ctx)
	connected := s.client.State() == agentclient.StateActive

	status := http.StatusOK
	if !result.Healthy || !connected {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":             result.Healthy,
		"message":             result.Message,
		"conductor_connected": connected,
		"conductor_state":     s.client.State(),
	})
}

// handleStatus returns a full self-report (spec §6).
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"worker_id":       s.client.WorkerID(),
		"conductor_state": s.client.State(),
		"services":        s.supervisor.List(),
	})
}

func (s *Server) handleListServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": s.supervisor.List()})
}

func (s *Server) handleGetService(c *gin.Context) {
	record, ok := s.supervisor.Get(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "service not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": record})
}

// handleRestartService triggers a debug restart of a locally-managed
// service (spec §6's "debug restart").
func (s *Server) handleRestartService(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), restartTimeout)
	defer cancel()

	name := c.Param("name")
	record := s.supervisor.Apply(ctx, wire.DeploymentPayload{Service: name, Action: types.ActionRestart})
	if record == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restart failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"service": record})
}
