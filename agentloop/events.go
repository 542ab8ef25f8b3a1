package agentloop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrEventUIClosed is returned by Ask once the EventUI is closed.
var ErrEventUIClosed = errors.New("event ui closed")

// EventKind identifies the type of UI event.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventAsk     EventKind = "ask"
	EventState   EventKind = "state"
)

// Event is a typed notification delivered by EventUI.
type Event struct {
	Kind      EventKind  `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	TaskID    string     `json:"task_id,omitempty"`
	Message   *UIMessage `json:"message,omitempty"`
	State     *State     `json:"state,omitempty"`
}

type pendingAsk struct {
	taskID string
	ch     chan AskResponse
}

// EventUI implements UI by delivering events on a channel. Messages and
// state are dropped when the channel is full; asks wait for room. Asks
// block until Respond is called with the ask's timestamp or the ask's
// context is done.
type EventUI struct {
	ch      chan Event
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	pending map[int64]pendingAsk

	// sendMu is held shared by blocked ask sends and exclusively while
	// closing ch.
	sendMu sync.RWMutex
}

// NewEventUI creates an EventUI with a buffered channel.
func NewEventUI(bufferSize int) *EventUI {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventUI{
		ch:      make(chan Event, bufferSize),
		done:    make(chan struct{}),
		pending: make(map[int64]pendingAsk),
	}
}

func (e *EventUI) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	ev.Timestamp = time.Now()
	select {
	case e.ch <- ev:
	default:
		// Channel full; drop the event rather than block the loop.
	}
}

// emitAsk delivers ev, waiting for room in the channel.
func (e *EventUI) emitAsk(ctx context.Context, ev Event) error {
	e.sendMu.RLock()
	defer e.sendMu.RUnlock()
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrEventUIClosed
	}
	ev.Timestamp = time.Now()
	select {
	case e.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrEventUIClosed
	}
}

// Present emits a message event.
func (e *EventUI) Present(t *Task, msg UIMessage) {
	e.emit(Event{Kind: EventMessage, TaskID: t.ID, Message: &msg})
}

// PostState emits a state event.
func (e *EventUI) PostState(state State) {
	e.emit(Event{Kind: EventState, State: &state})
}

// Ask emits an ask event and waits for its answer.
func (e *EventUI) Ask(ctx context.Context, t *Task, msg UIMessage) (AskResponse, error) {
	ch := make(chan AskResponse, 1)
	e.mu.Lock()
	e.pending[msg.Ts] = pendingAsk{taskID: t.ID, ch: ch}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.pending, msg.Ts)
		e.mu.Unlock()
	}()

	if err := e.emitAsk(ctx, Event{Kind: EventAsk, TaskID: t.ID, Message: &msg}); err != nil {
		return AskResponse{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return AskResponse{}, ctx.Err()
	}
}

// Respond answers the pending ask with timestamp ts. It reports whether
// such an ask was waiting.
func (e *EventUI) Respond(ts int64, resp AskResponse) bool {
	e.mu.Lock()
	p, ok := e.pending[ts]
	if ok {
		delete(e.pending, ts)
	}
	e.mu.Unlock()
	if ok {
		p.ch <- resp
	}
	return ok
}

// Events returns the read-only event channel.
func (e *EventUI) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Asks still waiting to be sent fail
// with ErrEventUIClosed. Safe to call multiple times.
func (e *EventUI) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	e.sendMu.Lock()
	close(e.ch)
	e.sendMu.Unlock()
}
