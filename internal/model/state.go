package model

type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateAcked    State = "acked"
	StateFinished State = "finished"
	StateCanceled State = "canceled"
	StateTimeout  State = "timeout"
)

func (s State) Terminal() bool {
	switch s {
	case StateAcked, StateFinished, StateCanceled, StateTimeout:
		return true
	default:
		return false
	}
}

// CancelMode tells why a cancellation happened.
type CancelMode string

const (
	CancelManual           CancelMode = "manual"
	CancelPendingTimeout   CancelMode = "pendingTimeout"
	CancelExecutionTimeout CancelMode = "executionTimeout"
	CancelStageTimeout     CancelMode = "stageTimeout"
)

func (m CancelMode) Valid() bool {
	switch m {
	case CancelManual, CancelPendingTimeout, CancelExecutionTimeout, CancelStageTimeout:
		return true
	default:
		return false
	}
}

func (m CancelMode) IsTimeout() bool {
	return m == CancelPendingTimeout || m == CancelExecutionTimeout || m == CancelStageTimeout
}

// CanceledState is the terminal state a job reaches when canceled with this mode.
func (m CancelMode) CanceledState() State {
	if m.IsTimeout() {
		return StateTimeout
	}
	return StateCanceled
}

// Result is what a responder reports about a job: the executor's start
// acknowledgement and completion, or the transport's answer to a get request.
type Result struct {
	State      State      `json:"state"`
	OK         bool       `json:"ok"`
	ExitCode   int        `json:"exitCode"`
	Stage      int        `json:"stage"`
	Message    string     `json:"message,omitempty"`
	CancelMode CancelMode `json:"mode,omitempty"`

	// Set on answers to message/get: the fetched sub-job, or Empty when the
	// external queue is drained.
	Job   *Job `json:"-"`
	Empty bool `json:"-"`
}
