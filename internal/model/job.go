package model

import (
	"time"
)

// Job is the unit of work flowing between the transport, the broker and the handler.
type Job struct {
	ID      string  `json:"id"`
	Nature  Nature  `json:"nature"`
	Payload Payload `json:"payload"`
	// RequestTimestamp is the submission time in unix milliseconds.
	RequestTimestamp int64 `json:"requestTimestamp,omitempty"`

	// Transport bookkeeping, never serialized with the job.
	MessageID string `json:"-"`
	Queue     string `json:"-"`
	TraceID   string `json:"-"`
	// Internal marks jobs the broker synthesized itself (timeout cancellations).
	// They produce no acknowledgement or state notification of their own.
	Internal bool `json:"-"`
}

// Payload is a variant record; which fields are meaningful depends on the nature.
type Payload struct {
	// execution/run, execution/read
	Priority       *int    `json:"priority,omitempty"`
	GroupJobID     string  `json:"groupjobid,omitempty"`
	Executor       Quality `json:"executor,omitempty"`
	Timeout        int64   `json:"timeout,omitempty"`
	RunningTimeout int64   `json:"runningTimeout,omitempty"`
	PendingTimeout int64   `json:"pendingTimeout,omitempty"`
	Stages         []Stage `json:"stages,omitempty"`

	// execution/read and message/get: external queue holding the sub-jobs
	Queue string `json:"queue,omitempty"`

	// execution/cancel, execution/cancelation: target job and why
	JobID string     `json:"jobid,omitempty"`
	Mode  CancelMode `json:"mode,omitempty"`

	// message/acknowledge
	MessageID string `json:"messageid,omitempty"`

	// message/get
	First bool `json:"first,omitempty"`

	// state/create, execution/changestate
	State   State  `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Stage is one sequential script-execution step of a command-line job.
type Stage struct {
	Run         string   `json:"run"`
	Stop        string   `json:"stop"`
	Cwd         string   `json:"cwd,omitempty"`
	Timeout     int64    `json:"timeout,omitempty"`
	StopTimeout int64    `json:"stopTimeout,omitempty"`
	Env         []EnvVar `json:"env,omitempty"`
}

type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PriorityOr returns the job's priority or def when none is set.
func (j Job) PriorityOr(def int) int {
	if j.Payload.Priority == nil {
		return def
	}
	return *j.Payload.Priority
}

// RequestedAt returns the submission time, zero when unknown.
func (j Job) RequestedAt() time.Time {
	if j.RequestTimestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(j.RequestTimestamp)
}

// PendingTimeoutOr returns the job's pending timeout, falling back to def.
func (j Job) PendingTimeoutOr(def time.Duration) time.Duration {
	if j.Payload.PendingTimeout > 0 {
		return time.Duration(j.Payload.PendingTimeout) * time.Millisecond
	}
	return def
}

// RunningTimeoutOr returns runningTimeout, then timeout, then def.
func (j Job) RunningTimeoutOr(def time.Duration) time.Duration {
	switch {
	case j.Payload.RunningTimeout > 0:
		return time.Duration(j.Payload.RunningTimeout) * time.Millisecond
	case j.Payload.Timeout > 0:
		return time.Duration(j.Payload.Timeout) * time.Millisecond
	default:
		return def
	}
}

// PendingDeadline returns requestTimestamp + pendingTimeout. ok is false when the
// job has no request timestamp or no pending timeout applies.
func (j Job) PendingDeadline(def time.Duration) (deadline time.Time, ok bool) {
	requested := j.RequestedAt()
	timeout := j.PendingTimeoutOr(def)
	if requested.IsZero() || timeout <= 0 {
		return time.Time{}, false
	}
	return requested.Add(timeout), true
}

// ExecutorQuality is the executor kind a run job is dispatched to.
func (j Job) ExecutorQuality() Quality {
	if j.Nature.Quality == QualityCommandLine {
		return QualityCommandLine
	}
	if j.Payload.Executor != "" {
		return j.Payload.Executor
	}
	return QualityCommandLine
}
