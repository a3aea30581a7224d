// Package executor runs execution jobs as external processes.
package executor

import (
	"context"
	"errors"

	"basegraph.app/jobagent/internal/model"
)

var (
	ErrNotImplemented = errors.New("executor method not implemented")
	ErrAlreadyRunning = errors.New("job is already running")
	ErrDuplicateEnv   = errors.New("duplicate environment key")
)

// FinishFunc receives a job's terminal result. err is set on execution failures.
type FinishFunc func(result model.Result, err error)

// Executor is one kind of job runner, registered with the job handler under its quality.
type Executor interface {
	// Validate checks the job payload this executor needs.
	Validate(job model.Job) error
	// Process starts the job and returns its start acknowledgement; onFinished is
	// called exactly once when the job reaches a terminal state. Cancelation jobs
	// are delegated to Cancel.
	Process(ctx context.Context, job model.Job, onFinished FinishFunc) (model.Result, error)
	// Cancel stops the running job with the given id. Canceling an untracked
	// job resolves immediately as finished.
	Cancel(ctx context.Context, jobID string, mode model.CancelMode) (model.Result, error)
}

// Unimplemented can be embedded by executors still under construction.
type Unimplemented struct{}

func (Unimplemented) Validate(model.Job) error { return ErrNotImplemented }

func (Unimplemented) Process(context.Context, model.Job, FinishFunc) (model.Result, error) {
	return model.Result{}, ErrNotImplemented
}

func (Unimplemented) Cancel(context.Context, string, model.CancelMode) (model.Result, error) {
	return model.Result{}, ErrNotImplemented
}

// IsCancelation reports whether the job asks to cancel another job.
func IsCancelation(job model.Job) bool {
	return job.Nature.Quality == model.QualityCancelation || job.Nature.Quality == model.QualityCancel
}
