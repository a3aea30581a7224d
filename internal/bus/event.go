// Package bus is the in-process publish boundary between the broker, the job
// handler and the transport. Every sent job gets a Handle on which exactly one
// terminal event is delivered.
package bus

import (
	"fmt"

	"basegraph.app/jobagent/internal/model"
)

type EventKind int

const (
	EventAccept EventKind = iota + 1
	EventReject
	EventProgress
	EventDone
	EventCanceled
	EventTimeout
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventAccept:
		return "accept"
	case EventReject:
		return "reject"
	case EventProgress:
		return "progress"
	case EventDone:
		return "done"
	case EventCanceled:
		return "canceled"
	case EventTimeout:
		return "timeout"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Terminal reports whether the event ends the job's lifecycle on its handle.
func (k EventKind) Terminal() bool {
	switch k {
	case EventReject, EventDone, EventCanceled, EventTimeout, EventError:
		return true
	default:
		return false
	}
}

// Failed reports whether the event is a reject or an error.
func (k EventKind) Failed() bool {
	return k == EventReject || k == EventError
}

// Event is one lifecycle step reported by a responder.
type Event struct {
	Kind      EventKind
	Responder string
	Result    model.Result
	Err       error
}
