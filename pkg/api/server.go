// Package api exposes the job control surface over HTTP: progress polling,
// cancellation, results, token administration, and credential health.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jokbolink/jokbod/pkg/credential"
	"github.com/jokbolink/jokbod/pkg/jobs"
	"github.com/jokbolink/jokbod/pkg/storage"
	"github.com/jokbolink/jokbod/pkg/version"
)

// Server wires the HTTP handlers to the storage service, the job runner,
// and the credential pool.
type Server struct {
	storage *storage.Service
	runner  *jobs.Runner
	pool    *credential.Pool
}

// NewServer creates the API server.
func NewServer(svc *storage.Service, runner *jobs.Runner, pool *credential.Pool) *Server {
	return &Server{storage: svc, runner: runner, pool: pool}
}

// Register mounts all routes on the engine.
func (s *Server) Register(r *gin.Engine) {
	r.GET("/healthz", s.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/jobs/:id/progress", s.GetProgress)
		v1.POST("/jobs/:id/cancel", s.CancelJob)
		v1.GET("/jobs/:id/results", s.ListResults)
		v1.GET("/jobs/:id/results/:name", s.GetResult)
		v1.DELETE("/jobs/:id", s.DeleteJob)

		v1.GET("/users/:id/jobs", s.ListUserJobs)
		v1.GET("/users/:id/tokens", s.GetTokens)
		v1.POST("/users/:id/tokens", s.UpdateTokens)

		v1.GET("/credentials/status", s.CredentialStatus)
	}
}

// Health reports KV and disk health.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	health, err := s.storage.Health(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "unhealthy",
			"storage": health,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": version.Full(),
		"storage": health,
	})
}
