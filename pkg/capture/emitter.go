package capture

import "sync"

// emitter forwards events until the surface is dismissed and fires OnClose
// at most once.
type emitter struct {
	mu        sync.Mutex
	events    Events
	dismissed bool
	closed    bool
}

func newEmitter(events Events) *emitter {
	return &emitter{events: events}
}

func (e *emitter) capture(s Snapshot) {
	e.mu.Lock()
	if e.dismissed || e.closed {
		e.mu.Unlock()
		return
	}
	fn := e.events.OnCapture
	e.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	if e.dismissed || e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	fn := e.events.OnClose
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *emitter) dismiss() {
	e.mu.Lock()
	e.dismissed = true
	e.mu.Unlock()
}
