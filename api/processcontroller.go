package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"sourcewatch/orchestrator"
	"sourcewatch/types"
)

func (s *Server) registerProcessRoutes(r *gin.Engine) {
	g := r.Group("/api")
	g.POST("/process", s.handleProcess)
	g.GET("/status", s.handleStatus)
}

// handleStatus handles GET /api/status
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.runner.Status())
}

// handleProcess handles POST /api/process. By default the request waits
// for the run and returns its report; ?async=true returns 202 as soon as the
// run is admitted.
func (s *Server) handleProcess(c *gin.Context) {
	if c.Query("async") == "true" {
		s.processAsync(c)
		return
	}

	report, err := s.runner.Process(c.Request.Context())
	if err == nil {
		c.JSON(http.StatusOK, report)
		return
	}
	s.respondRunError(c, report, err)
}

// processAsync admits the run on a best-effort basis: a trigger racing
// another one is rejected by the pipeline and only logged.
func (s *Server) processAsync(c *gin.Context) {
	if s.runner.Status().Running {
		c.JSON(http.StatusConflict, gin.H{"error": orchestrator.ErrRunInProgress.Error()})
		return
	}
	go func() {
		report, err := s.runner.Process(s.baseCtx)
		switch {
		case errors.Is(err, orchestrator.ErrRunInProgress):
			s.logger.Warn().Msg("asynchronous trigger lost the race to another run")
		case err != nil:
			s.logger.Error().Err(err).Str("run_id", runID(report)).Msg("asynchronous run failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) respondRunError(c *gin.Context, report *types.RunReport, err error) {
	var failure *orchestrator.OrchestrationFailure
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrCancelled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "report": report})
	case errors.As(err, &failure):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":     err.Error(),
			"stage":     failure.Stage,
			"committed": failure.Committed,
			"report":    report,
		})
	default:
		s.logger.Error().Err(err).Msg("run failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
	}
}

func runID(report *types.RunReport) string {
	if report == nil {
		return ""
	}
	return report.RunID
}
