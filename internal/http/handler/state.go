package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"basegraph.app/jobagent/internal/store"
)

type StateLister interface {
	ListByJob(ctx context.Context, jobID string) ([]store.JobState, error)
}

// StateHandler serves the recorded state history. The lister is nil when no
// database is configured.
type StateHandler struct {
	states StateLister
}

func NewStateHandler(states StateLister) *StateHandler {
	return &StateHandler{states: states}
}

func (h *StateHandler) List(c *gin.Context) {
	ctx := c.Request.Context()
	if h.states == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state history not configured"})
		return
	}

	jobID := c.Param("id")
	states, err := h.states.ListByJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no states recorded for job"})
			return
		}
		slog.ErrorContext(ctx, "failed to list job states", "error", err, "job_id", jobID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list job states"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": jobID, "states": states})
}
