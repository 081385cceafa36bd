package mbmaster

import (
	"context"
	"sync"
)

// Event is a signal posted by the link to the upper dispatch layer.
type Event int

const (
	// EventReady is posted once the line has been silent after Start.
	EventReady Event = iota + 1
	// EventFrameReceived is posted when bytes arrive on an idle line and
	// again when inter-frame silence ends the frame.
	EventFrameReceived
	// EventErrorProcess is posted after an error kind has been recorded.
	EventErrorProcess
	// EventExecute is posted when the post-broadcast delay has elapsed.
	EventExecute
)

func (e Event) String() string {
	switch e {
	case EventReady:
		return "ready"
	case EventFrameReceived:
		return "frame-received"
	case EventErrorProcess:
		return "error-process"
	case EventExecute:
		return "execute"
	}
	return "unknown"
}

// ErrorKind classifies the most recent timing-detected error.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindReceiveData
	ErrorKindResponseTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindNone:
		return "none"
	case ErrorKindReceiveData:
		return "receive data error"
	case ErrorKindResponseTimeout:
		return "response timeout"
	}
	return "unknown"
}

const eventQueueSize = 16

// EventQueue is a bounded event channel. It is the EventSink and the
// ErrorSink of a MasterLink.
type EventQueue struct {
	Logger logger

	events chan Event

	mu        sync.Mutex
	errorKind ErrorKind
}

// NewEventQueue allocates an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{events: make(chan Event, eventQueueSize)}
}

// Post enqueues ev without blocking. The event is dropped when the queue is full.
func (q *EventQueue) Post(ev Event) {
	select {
	case q.events <- ev:
	default:
		q.logf("mbmaster: event queue full, dropping '%v'\n", ev)
	}
}

// Wait blocks until an event is available or ctx is done.
func (q *EventQueue) Wait(ctx context.Context) (Event, error) {
	select {
	case ev := <-q.events:
		return ev, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Drain discards all pending events and returns how many were dropped.
func (q *EventQueue) Drain() (n int) {
	for {
		select {
		case <-q.events:
			n++
		default:
			return
		}
	}
}

// SetErrorKind records the most recent error classification.
func (q *EventQueue) SetErrorKind(kind ErrorKind) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.errorKind = kind
}

// ErrorKind returns the most recently recorded error classification.
func (q *EventQueue) ErrorKind() ErrorKind {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.errorKind
}

func (q *EventQueue) logf(format string, v ...interface{}) {
	if q.Logger != nil {
		q.Logger.Printf(format, v...)
	}
}
