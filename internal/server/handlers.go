package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/testerman/testerman/internal/jobs"
	v1 "github.com/testerman/testerman/pkg/api/v1"
)

// jobID parses the :id route parameter. It writes the error response
// itself; a false return means the handler should bail out.
func (s *Server) jobID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return 0, false
	}
	return id, true
}

func (s *Server) handleJobError(c *gin.Context, err error) {
	if errors.Is(err, jobs.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	s.log.Error("Job request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
}

func (s *Server) submitJob(c *gin.Context) {
	var req v1.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	job, err := jobs.NewJobFromRequest(s.registry.Env(), &req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.registry.Submit(job)
	if err != nil {
		// The job is registered in error state; report both the
		// failure and the id so the client can fetch its log.
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "job-id": id})
		return
	}
	c.JSON(http.StatusOK, v1.SubmitJobResponse{JobID: id})
}

func (s *Server) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Jobs())
}

func (s *Server) getJob(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	info, err := s.registry.JobInfo(id)
	if err != nil {
		s.handleJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getJobDetails(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	details, err := s.registry.JobDetails(id)
	if err != nil {
		s.handleJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (s *Server) getJobLog(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	content, err := s.registry.JobLog(id)
	if err != nil {
		s.handleJobError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(content))
}

func (s *Server) signalJob(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	var req v1.SendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	switch req.Signal {
	case v1.SignalPause, v1.SignalResume, v1.SignalCancel, v1.SignalKill, v1.SignalActionPerformed:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown signal"})
		return
	}
	if err := s.registry.SendSignal(id, req.Signal); err != nil {
		s.handleJobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) rescheduleJob(c *gin.Context) {
	id, ok := s.jobID(c)
	if !ok {
		return
	}
	var req v1.RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	accepted, err := s.registry.Reschedule(id, req.At)
	if err != nil {
		s.handleJobError(c, err)
		return
	}
	if !accepted {
		c.JSON(http.StatusConflict, gin.H{"error": "job already started"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) purgeJobs(c *gin.Context) {
	var req v1.PurgeJobsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	olderThan := time.Now().Add(-time.Duration(req.MaxAgeSeconds * float64(time.Second)))
	purged, err := s.registry.Purge(c.Request.Context(), olderThan)
	if err != nil {
		s.log.Error("Job purge failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request failed"})
		return
	}
	c.JSON(http.StatusOK, v1.PurgeJobsResponse{Purged: purged})
}

func (s *Server) getVariables(c *gin.Context) {
	variables := make(map[string]interface{})
	if s.variables != nil {
		for k, v := range s.variables() {
			variables[k] = v
		}
	}
	variables["server.jobs"] = len(s.registry.Jobs())
	c.JSON(http.StatusOK, variables)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
