package engine

import "sync"

type Event string

const (
	EventStart    Event = "start"
	EventPaused   Event = "paused"
	EventResumed  Event = "resumed"
	EventProgress Event = "progress"
	EventSave     Event = "save"
	EventFinished Event = "finished"
	EventClosed   Event = "closed"
)

// Listener receives the status as it was when the event was emitted. Listeners run
// synchronously on the emitting goroutine and must not block.
type Listener func(status ProgressStatus)

type subscription struct {
	id int
	fn Listener
}

type emitter struct {
	mu        sync.Mutex
	nextID    int
	listeners map[Event][]subscription
}

// On registers fn for event and returns a function that removes it.
func (e *emitter) On(event Event, fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[Event][]subscription)
	}
	e.nextID++
	id := e.nextID
	e.listeners[event] = append(e.listeners[event], subscription{id: id, fn: fn})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		subs := e.listeners[event]
		for i, sub := range subs {
			if sub.id == id {
				e.listeners[event] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (e *emitter) emit(event Event, status ProgressStatus) {
	e.mu.Lock()
	subs := append([]subscription(nil), e.listeners[event]...)
	e.mu.Unlock()
	for _, sub := range subs {
		sub.fn(status)
	}
}
