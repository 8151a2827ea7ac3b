package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collabd/internal/lifecycle"
	"collabd/internal/session"
	"collabd/internal/ws"
)

// HealthChecker is the slice of the store the health endpoint probes.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server exposes the session control plane and the websocket upgrade
// endpoint on one gin engine.
type Server struct {
	coordinator *lifecycle.Coordinator
	registry    *session.Registry
	health      HealthChecker
	wsHandler   *ws.Handler
	engine      *gin.Engine
	log         *logrus.Entry
}

type createSessionRequest struct {
	User1           string `json:"user1" binding:"required"`
	User2           string `json:"user2" binding:"required"`
	SessionID       string `json:"sessionId" binding:"required"`
	QuestionID      string `json:"questionId" binding:"required"`
	ProgrammingLang string `json:"programmingLang" binding:"required"`
}

type terminateRequest struct {
	User      string `json:"user" binding:"required"`
	SessionID string `json:"sessionId" binding:"required"`
}

func NewServer(coordinator *lifecycle.Coordinator, registry *session.Registry, health HealthChecker, wsHandler *ws.Handler) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		coordinator: coordinator,
		registry:    registry,
		health:      health,
		wsHandler:   wsHandler,
		engine:      gin.New(),
		log:         logrus.WithField("component", "api"),
	}
	s.engine.Use(gin.Recovery())

	s.engine.POST("/api/session", s.createSession)
	s.engine.POST("/api/terminate", s.terminateSession)
	s.engine.GET("/health", s.healthCheck)
	s.engine.GET("/:sessionId", wsHandler.HandleUpgrade)
	return s
}

// Handler returns the engine as an http.Handler for the HTTP server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "Missing fields"})
		return
	}

	err := s.coordinator.Create(c.Request.Context(), lifecycle.CreateRequest{
		SessionID:  req.SessionID,
		User1:      req.User1,
		User2:      req.User2,
		QuestionID: req.QuestionID,
		Language:   req.ProgrammingLang,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Format(time.RFC3339)})
	case errors.Is(err, lifecycle.ErrMissingField):
		c.JSON(http.StatusBadRequest, gin.H{"status": "Missing fields"})
	case errors.Is(err, lifecycle.ErrDuplicateSession):
		c.JSON(http.StatusConflict, gin.H{"status": "Duplicate session"})
	case errors.Is(err, lifecycle.ErrInvalidParameters):
		c.JSON(http.StatusConflict, gin.H{"status": "Invalid parameters"})
	default:
		s.log.WithError(err).Error("session creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "Internal server error"})
	}
}

func (s *Server) terminateSession(c *gin.Context) {
	var req terminateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "Missing fields"})
		return
	}

	err := s.coordinator.Terminate(c.Request.Context(), req.User, req.SessionID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Format(time.RFC3339)})
	case errors.Is(err, lifecycle.ErrMissingField):
		c.JSON(http.StatusBadRequest, gin.H{"status": "Missing fields"})
	case errors.Is(err, lifecycle.ErrInvalidParameters):
		c.JSON(http.StatusConflict, gin.H{"status": "Invalid parameters"})
	default:
		s.log.WithError(err).Error("session termination failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "Internal server error"})
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	storeStatus := "healthy"
	if err := s.health.HealthCheck(ctx); err != nil {
		status = http.StatusServiceUnavailable
		storeStatus = err.Error()
	}
	c.JSON(status, gin.H{
		"status":          storeStatus,
		"active_sessions": s.registry.Len(),
		"timestamp":       time.Now().Format(time.RFC3339),
	})
}
