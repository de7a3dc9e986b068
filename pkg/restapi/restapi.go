// Package restapi implements the Operator REST Surface (spec §4.6): a
// small set of synchronous JSON endpoints for login, profile
// management, registration-token access, and worker listing. Grounded
// on Altacee-dockation's gin router/middleware layout, generalized from
// that teacher's CORS+logging stack to this spec's bearer-auth and
// request-correlation requirements.
package restapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetd/fleetd/pkg/auth"
	"github.com/fleetd/fleetd/pkg/ferrors"
	"github.com/fleetd/fleetd/pkg/health"
	"github.com/fleetd/fleetd/pkg/metrics"
	"github.com/fleetd/fleetd/pkg/registry"
	"github.com/fleetd/fleetd/pkg/token"
	"github.com/fleetd/fleetd/pkg/types"
)

// contextOperatorKey is the gin context key holding the authenticated
// operator, set by requireAuth.
const contextOperatorKey = "operator"

// Server wires the Operator REST Surface over the conductor's auth,
// token, and registry components.
type Server struct {
	auth     *auth.Service
	tokens   *token.Store
	registry *registry.Registry
	health   health.Checker
	logger   zerolog.Logger
}

// New wires a Server.
func New(authSvc *auth.Service, tokens *token.Store, reg *registry.Registry, healthCheck health.Checker, logger zerolog.Logger) *Server {
	return &Server{auth: authSvc, tokens: tokens, registry: reg, health: healthCheck, logger: logger}
}

// Routes registers every spec §4.6 endpoint onto r.
func (s *Server) Routes(r gin.IRouter) {
	r.Use(s.requestIDMiddleware(), s.loggingMiddleware())

	r.GET("/health", s.handleHealth)

	authGroup := r.Group("/auth")
	authGroup.POST("/login", s.handleLogin)
	authGroup.POST("/logout", s.handleLogout)

	authed := r.Group("")
	authed.Use(s.requireAuth())
	authed.GET("/auth/me", s.handleMe)
	authed.POST("/auth/reset-password", s.handleResetPassword)
	authed.PUT("/auth/profile", s.handleUpdateProfile)
	authed.GET("/token", s.handleGetToken)
	authed.POST("/token/regenerate", s.handleRegenerateToken)
	authed.GET("/workers", s.handleListWorkers)
	authed.GET("/workers/:id", s.handleGetWorker)
}

// requestIDMiddleware echoes X-Request-ID or mints one, per spec §4.6.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(c.Writer.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())

		s.logger.Info().
			Str("request_id", c.GetString("request_id")).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("api request")
	}
}

// requireAuth validates the Authorization bearer and sets the operator
// on the context; it renders the error-taxonomy response on failure.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		bearer := bearerFromHeader(c.GetHeader("Authorization"))
		if bearer == "" {
			renderError(c, ferrors.New(ferrors.Unauthorized, "missing bearer token"))
			c.Abort()
			return
		}
		op, err := s.auth.VerifyBearer(bearer)
		if err != nil {
			renderError(c, err)
			c.Abort()
			return
		}
		c.Set(contextOperatorKey, op)
		c.Next()
	}
}

func bearerFromHeader(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

func operatorFromContext(c *gin.Context) *types.Operator {
	v, ok := c.Get(contextOperatorKey)
	if !ok {
		return nil
	}
	op, _ := v.(*types.Operator)
	return op
}

// renderError maps a tagged error to `{error:{code, message}}` with the
// matching HTTP status (spec §6, §7).
func renderError(c *gin.Context, err error) {
	kind := ferrors.KindOf(err)
	c.JSON(ferrors.HTTPStatus(kind), gin.H{"error": gin.H{"code": kind.WireCode(), "message": err.Error()}})
}
