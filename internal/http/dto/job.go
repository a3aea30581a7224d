package dto

import (
	"basegraph.app/jobagent/internal/broker"
	"basegraph.app/jobagent/internal/model"
)

type NatureRequest struct {
	Type    string `json:"type" binding:"required" jsonschema:"enum=execution"`
	Quality string `json:"quality" binding:"required" jsonschema:"enum=run,enum=read,enum=group,enum=cancel"`
}

// SubmitJobRequest is a job submitted over REST. The id is generated when
// absent and the request timestamp defaults to the time of submission.
type SubmitJobRequest struct {
	ID               string        `json:"id,omitempty" jsonschema:"pattern=^[0-9a-f]+$"`
	Nature           NatureRequest `json:"nature" binding:"required"`
	Payload          model.Payload `json:"payload"`
	RequestTimestamp int64         `json:"requestTimestamp,omitempty" jsonschema:"description=Submission time in unix milliseconds"`
}

func (r SubmitJobRequest) Job() model.Job {
	return model.Job{
		ID: r.ID,
		Nature: model.Nature{
			Type:    model.Type(r.Nature.Type),
			Quality: model.Quality(r.Nature.Quality),
		},
		Payload:          r.Payload,
		RequestTimestamp: r.RequestTimestamp,
	}
}

type SubmitJobResponse struct {
	ID string `json:"id"`
}

type CancelJobRequest struct {
	Mode string `json:"mode,omitempty"`
}

type CancelJobResponse struct {
	ID     string `json:"id"`
	Target string `json:"target"`
}

type EnqueueJobResponse struct {
	ID        string `json:"id"`
	Queue     string `json:"queue"`
	MessageID string `json:"message_id"`
}

type RunningJobResponse struct {
	ID        string `json:"id"`
	Nature    string `json:"nature"`
	Role      string `json:"role"`
	GroupID   string `json:"groupjobid,omitempty"`
	Canceling bool   `json:"canceling,omitempty"`
}

type BrokerResponse struct {
	ActiveSlots int                  `json:"active_slots"`
	Queued      []string             `json:"queued"`
	Running     []RunningJobResponse `json:"running"`
}

func NewBrokerResponse(snap broker.Snapshot) BrokerResponse {
	resp := BrokerResponse{
		ActiveSlots: snap.ActiveSlots,
		Queued:      make([]string, 0, len(snap.Queued)),
		Running:     make([]RunningJobResponse, 0, len(snap.Running)),
	}
	for _, job := range snap.Queued {
		resp.Queued = append(resp.Queued, job.ID)
	}
	for _, r := range snap.Running {
		resp.Running = append(resp.Running, RunningJobResponse{
			ID:        r.Job.ID,
			Nature:    r.Job.Nature.String(),
			Role:      r.Role,
			GroupID:   r.Job.Payload.GroupJobID,
			Canceling: r.Canceling,
		})
	}
	return resp
}
