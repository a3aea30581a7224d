package model

import (
	"errors"
	"fmt"

	"basegraph.app/jobagent/common/id"
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job: %s %s", e.Field, e.Reason)
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate is the structural check applied to every inbound job: a well-formed
// id, a nature the broker knows, and the payload fields that nature needs.
func (j Job) Validate() error {
	if !id.IsJobID(j.ID) {
		return &ValidationError{Field: "id", Reason: "must be a 24 character hex id"}
	}
	kind, err := j.Nature.BrokerKind()
	if err != nil {
		return &ValidationError{Field: "nature", Reason: fmt.Sprintf("%q is not an execution nature", j.Nature.String())}
	}

	p := j.Payload
	if p.Priority != nil && *p.Priority < 0 {
		return &ValidationError{Field: "payload.priority", Reason: "must not be negative"}
	}
	if p.Timeout < 0 || p.RunningTimeout < 0 || p.PendingTimeout < 0 {
		return &ValidationError{Field: "payload.timeout", Reason: "must not be negative"}
	}
	if p.GroupJobID != "" && !id.IsJobID(p.GroupJobID) {
		return &ValidationError{Field: "payload.groupjobid", Reason: "must be a 24 character hex id"}
	}

	switch kind {
	case BrokerCancel:
		if !id.IsJobID(p.JobID) {
			return &ValidationError{Field: "payload.jobid", Reason: "must name the job to cancel"}
		}
		if p.Mode != "" && !p.Mode.Valid() {
			return &ValidationError{Field: "payload.mode", Reason: fmt.Sprintf("unknown cancel mode %q", p.Mode)}
		}
	case BrokerRead:
		if p.Queue == "" {
			return &ValidationError{Field: "payload.queue", Reason: "is required for group jobs"}
		}
	case BrokerRun:
	}
	return nil
}
