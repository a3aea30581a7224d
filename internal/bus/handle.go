package bus

import (
	"context"
	"errors"
	"sync"

	"basegraph.app/jobagent/internal/model"
)

var ErrHandleClosed = errors.New("handle closed without a terminal event")

const handleBuffer = 8

// Handle carries the lifecycle events of one sent job. The channel is closed
// right after the terminal event; anything emitted later is dropped.
type Handle struct {
	job    model.Job
	events chan Event

	mu     sync.Mutex
	closed bool
}

func NewHandle(job model.Job) *Handle {
	return &Handle{
		job:    job,
		events: make(chan Event, handleBuffer),
	}
}

func (h *Handle) Job() model.Job { return h.job }

func (h *Handle) Events() <-chan Event { return h.events }

// Emit delivers ev and reports whether it was accepted. It blocks while the
// buffer is full, so every handle needs a reader.
func (h *Handle) Emit(ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.events <- ev
	if ev.Kind.Terminal() {
		h.closed = true
		close(h.events)
	}
	return true
}

func (h *Handle) Accept(responder string) bool {
	return h.Emit(Event{Kind: EventAccept, Responder: responder})
}

func (h *Handle) Reject(responder string, err error) bool {
	return h.Emit(Event{Kind: EventReject, Responder: responder, Err: err})
}

func (h *Handle) Progress(responder string, result model.Result) bool {
	return h.Emit(Event{Kind: EventProgress, Responder: responder, Result: result})
}

func (h *Handle) Done(responder string, result model.Result) bool {
	return h.Emit(Event{Kind: EventDone, Responder: responder, Result: result})
}

func (h *Handle) Canceled(responder string, result model.Result) bool {
	return h.Emit(Event{Kind: EventCanceled, Responder: responder, Result: result})
}

func (h *Handle) Timeout(responder string, result model.Result) bool {
	return h.Emit(Event{Kind: EventTimeout, Responder: responder, Result: result})
}

func (h *Handle) Error(responder string, err error, result model.Result) bool {
	return h.Emit(Event{Kind: EventError, Responder: responder, Err: err, Result: result})
}

// Wait drains the handle and returns its terminal event.
func (h *Handle) Wait(ctx context.Context) (Event, error) {
	for {
		select {
		case ev, ok := <-h.events:
			if !ok {
				return Event{}, ErrHandleClosed
			}
			if ev.Kind.Terminal() {
				return ev, nil
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
