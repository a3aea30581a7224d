package model

// Outbound side-jobs the broker emits. They carry no id of their own; the
// subject is always Payload.JobID.

// NewAckJob acknowledges the inbound message a job arrived on. queue overrides
// the job's own inbound queue (group sub-jobs are acked against the group's queue).
func NewAckJob(job Job, queue string) Job {
	if queue == "" {
		queue = job.Queue
	}
	return Job{
		Nature:  NatureAcknowledge,
		TraceID: job.TraceID,
		Payload: Payload{
			JobID:     job.ID,
			MessageID: job.MessageID,
			Queue:     queue,
		},
	}
}

// NewGetJob requests the next sub-job of a group from its external queue.
func NewGetJob(group Job, first bool) Job {
	return Job{
		Nature:  NatureGet,
		TraceID: group.TraceID,
		Payload: Payload{
			GroupJobID: group.ID,
			Queue:      group.Payload.Queue,
			First:      first,
		},
	}
}

// NewStateJob is the (state, create) notification for a job's state change.
func NewStateJob(jobID string, state State, message string, err error) Job {
	job := Job{
		Nature: NatureStateCreate,
		Payload: Payload{
			JobID:   jobID,
			State:   state,
			Message: message,
		},
	}
	if err != nil {
		job.Payload.Error = err.Error()
	}
	return job
}

// NewChangeStateJob relays executor progress for a running execution.
func NewChangeStateJob(jobID string, state State, message string) Job {
	return Job{
		Nature: NatureChangeState,
		Payload: Payload{
			JobID:   jobID,
			State:   state,
			Message: message,
		},
	}
}

// NewCancelJob builds an internal cancel job for target, used when a timeout
// fires or a group cancel fans out to its sub-jobs.
func NewCancelJob(cancelID, target string, mode CancelMode) Job {
	return Job{
		ID:       cancelID,
		Nature:   NatureCancel,
		Internal: true,
		Payload: Payload{
			JobID: target,
			Mode:  mode,
		},
	}
}

// AsCancelation turns a broker cancel job into the downstream cancelation
// the handler routes to the target's executor.
func AsCancelation(cancel Job) Job {
	out := cancel
	out.Nature = NatureCancelation
	if out.Payload.Mode == "" {
		out.Payload.Mode = CancelManual
	}
	return out
}

// CancelModeOr returns the job's cancel mode, manual when unset.
func (j Job) CancelModeOr() CancelMode {
	if j.Payload.Mode == "" {
		return CancelManual
	}
	return j.Payload.Mode
}
