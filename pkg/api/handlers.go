package api

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
)

// GetProgress returns the job's progress record for frontend polling.
func (s *Server) GetProgress(c *gin.Context) {
	jobID := c.Param("id")
	progress, err := s.storage.GetProgress(c.Request.Context(), jobID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// CancelJob requests cooperative cancellation of a running job. The flag is
// persisted even when no worker is running locally so a worker elsewhere
// observes it at its next checkpoint.
func (s *Server) CancelJob(c *gin.Context) {
	jobID := c.Param("id")
	if err := s.runner.CancelJob(c.Request.Context(), jobID); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  jobID,
		"status":  "cancelling",
		"running": s.runner.Running(jobID),
	})
}

// ListResults returns the artifact names stored for the job.
func (s *Server) ListResults(c *gin.Context) {
	jobID := c.Param("id")
	names, err := s.storage.ListResults(c.Request.Context(), jobID)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "results": names})
}

// GetResult streams a single stored artifact.
func (s *Server) GetResult(c *gin.Context) {
	jobID := c.Param("id")
	name := c.Param("name")

	data, err := s.storage.ReadResult(c.Request.Context(), jobID, name)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}

	contentType := "application/octet-stream"
	switch filepath.Ext(name) {
	case ".json":
		contentType = "application/json"
	case ".pdf":
		contentType = "application/pdf"
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, contentType, data)
}

// DeleteJob removes the job's artifacts and KV records.
func (s *Server) DeleteJob(c *gin.Context) {
	jobID := c.Param("id")
	ctx := c.Request.Context()

	if err := s.storage.DeleteAllResults(ctx, jobID); err != nil {
		abortWithServiceError(c, err)
		return
	}
	if err := s.storage.DeleteJob(ctx, jobID); err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "deleted": true})
}

// ListUserJobs returns the user's recent job ids, newest first.
func (s *Server) ListUserJobs(c *gin.Context) {
	user := c.Param("id")
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)

	jobIDs, err := s.storage.ListUserJobs(c.Request.Context(), user, limit)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user, "jobs": jobIDs})
}

// GetTokens returns the user's token balance.
func (s *Server) GetTokens(c *gin.Context) {
	user := c.Param("id")
	balance, err := s.storage.GetUserTokens(c.Request.Context(), user)
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user, "balance": balance})
}

type tokenUpdateRequest struct {
	Op     string `json:"op" binding:"required,oneof=set add"`
	Amount int64  `json:"amount"`
}

// UpdateTokens sets or adds to the user's token balance.
func (s *Server) UpdateTokens(c *gin.Context) {
	user := c.Param("id")

	var req tokenUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	var balance int64
	var err error
	switch req.Op {
	case "set":
		err = s.storage.SetUserTokens(ctx, user, req.Amount)
		balance = req.Amount
	case "add":
		balance, err = s.storage.AddUserTokens(ctx, user, req.Amount)
	}
	if err != nil {
		abortWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user, "balance": balance})
}

// CredentialStatus reports the credential pool's health snapshot.
func (s *Server) CredentialStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.StatusReport())
}
