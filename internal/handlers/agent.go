package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"refactor-cloud/internal/agentrelay"
	"refactor-cloud/internal/logging"
	"refactor-cloud/pkg/models"
)

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// StartAgentRun relays a run request to the project's agent and nudges
// the project into RUNNING. The nudge is best-effort: losing the CAS
// just means another caller already moved the status.
func (h *Handler) StartAgentRun(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	var req agentrelay.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), "INVALID_REQUEST")
		return
	}

	started, err := h.Relay.StartRun(c.Request.Context(), proj, req)
	if err != nil {
		fail(c, err)
		return
	}

	if err := h.Store.Transition(c.Request.Context(), proj.ID, models.StatusReady, models.StatusRunning, nil); err != nil {
		// Already moved by a concurrent caller; the run itself started.
		logging.L().Debug("status nudge to RUNNING skipped",
			zap.String("project_id", proj.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, started)
}

func (h *Handler) ListAgentRuns(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	runs, err := h.Relay.ListRuns(c.Request.Context(), proj)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *Handler) GetAgentRun(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	run, err := h.Relay.GetRun(c.Request.Context(), proj, c.Param("run_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// StopAgentRun stops a run and returns the project to READY.
func (h *Handler) StopAgentRun(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if err := h.Relay.StopRun(c.Request.Context(), proj, c.Param("run_id")); err != nil {
		fail(c, err)
		return
	}
	if err := h.Store.Transition(c.Request.Context(), proj.ID, models.StatusRunning, models.StatusReady, nil); err != nil {
		// Status was not RUNNING; nothing to move back.
		logging.L().Debug("status nudge to READY skipped",
			zap.String("project_id", proj.ID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "run stopped"})
}

// StreamAgentRun relays the agent's SSE stream for a run. Once the
// stream is open, errors travel in-band as SSE error frames.
func (h *Handler) StreamAgentRun(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	err := h.Relay.StreamRun(c.Request.Context(), proj, c.Param("run_id"), c.Writer)
	if err != nil {
		fail(c, err)
	}
}

// ResetAgentSession clears the stored conversation thread so the next
// run starts fresh.
func (h *Handler) ResetAgentSession(c *gin.Context) {
	proj, ok := h.loadOwned(c)
	if !ok {
		return
	}
	if err := h.Store.ClearThreadID(c.Request.Context(), proj.ID); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "session reset"})
}
