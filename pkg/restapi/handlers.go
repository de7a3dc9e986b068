package restapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetd/fleetd/pkg/ferrors"
)

type loginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, ferrors.Wrap(ferrors.Validation, err, "decode login request"))
		return
	}
	op, tok, err := s.auth.Login(req.Username, req.Secret)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "operator": op})
}

func (s *Server) handleLogout(c *gin.Context) {
	// Stateless bearer tokens: nothing to revoke server-side (spec §4.6).
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"operator": operatorFromContext(c)})
}

type resetPasswordRequest struct {
	Current string `json:"current"`
	New     string `json:"new"`
}

func (s *Server) handleResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, ferrors.Wrap(ferrors.Validation, err, "decode reset-password request"))
		return
	}
	op := operatorFromContext(c)
	updated, err := s.auth.ResetPassword(op.ID, req.Current, req.New)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operator": updated})
}

type updateProfileRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (s *Server) handleUpdateProfile(c *gin.Context) {
	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, ferrors.Wrap(ferrors.Validation, err, "decode profile update request"))
		return
	}
	op := operatorFromContext(c)
	updated, err := s.auth.UpdateProfile(op.ID, req.Username, req.Email)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"operator": updated})
}

func (s *Server) handleGetToken(c *gin.Context) {
	op := operatorFromContext(c)
	tok, err := s.tokens.GetActive(op.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

func (s *Server) handleRegenerateToken(c *gin.Context) {
	op := operatorFromContext(c)
	tok, err := s.tokens.Rotate(op.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

func (s *Server) handleListWorkers(c *gin.Context) {
	op := operatorFromContext(c)
	workers, err := s.registry.ListByOperator(op.ID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers})
}

func (s *Server) handleGetWorker(c *gin.Context) {
	op := operatorFromContext(c)
	worker, err := s.registry.Get(c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	if worker.OperatorID != op.ID {
		renderError(c, ferrors.New(ferrors.NotFound, "worker not found"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker": worker})
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	result := s.health.Check(ctx)
	status := http.StatusOK
	if !result.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":    result.Healthy,
		"message":    result.Message,
		"checked_at": result.CheckedAt,
		"duration":   result.Duration.String(),
	})
}
