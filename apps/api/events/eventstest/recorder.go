// Package eventstest provides an in-memory event sink for tests.
package eventstest

import (
	"strings"
	"sync"
	"time"

	"konnect/apps/api/events"
)

// Recorder stores every emitted event and lets tests wait for conditions.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Emit(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Output concatenates all output chunks recorded for sessionID.
func (r *Recorder) Output(sessionID string) string {
	var b strings.Builder
	for _, e := range r.Events() {
		if e.Type == events.TypeOutput && e.SessionID == sessionID {
			b.WriteString(e.Data)
		}
	}
	return b.String()
}

// Count returns how many events of type t were recorded for sessionID.
func (r *Recorder) Count(t events.Type, sessionID string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == t && e.SessionID == sessionID {
			n++
		}
	}
	return n
}

// WaitFor blocks until cond holds for the recorded events or timeout elapses.
func (r *Recorder) WaitFor(timeout time.Duration, cond func([]events.Event) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cond(r.Events()) {
			return true
		}
		select {
		case <-r.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline.C:
			return cond(r.Events())
		}
	}
}

// WaitForOutput waits until the concatenated output of sessionID contains substr.
func (r *Recorder) WaitForOutput(sessionID, substr string, timeout time.Duration) bool {
	return r.WaitFor(timeout, func([]events.Event) bool {
		return strings.Contains(r.Output(sessionID), substr)
	})
}

// WaitForType waits until at least one event of type t exists for sessionID.
func (r *Recorder) WaitForType(t events.Type, sessionID string, timeout time.Duration) bool {
	return r.WaitFor(timeout, func([]events.Event) bool {
		return r.Count(t, sessionID) > 0
	})
}
