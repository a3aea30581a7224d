package store

import (
	"context"
	"errors"
	"time"

	"basegraph.app/jobagent/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// JobState is one recorded state notification.
type JobState struct {
	ID        int64     `json:"id"`
	JobID     string    `json:"jobId"`
	Nature    string    `json:"nature"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Responder string    `json:"responder"`
	CreatedAt time.Time `json:"createdAt"`
}

// StateStore keeps the history of state notifications per job.
type StateStore interface {
	Record(ctx context.Context, notice model.Job) error
	ListByJob(ctx context.Context, jobID string) ([]JobState, error)
}
