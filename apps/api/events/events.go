// Package events defines the outbound notifications emitted by terminal
// sessions and the fan-out bus that delivers them to transports.
package events

import "sync"

// Type identifies an outbound notification.
type Type string

const (
	TypeOutput    Type = "output"
	TypeEnded     Type = "ended"
	TypeMfaPrompt Type = "mfa-prompt"
)

// Prompt is one question of a keyboard-interactive round. Echo=false marks a
// sensitive answer (one-time code, password) that must not be shown in clear.
type Prompt struct {
	Prompt string `json:"prompt"`
	Echo   bool   `json:"echo"`
}

// MfaPrompt describes a pending challenge for a session.
type MfaPrompt struct {
	TerminalID   string   `json:"terminal_id"`
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Prompts      []Prompt `json:"prompts"`
}

// Event is a single notification keyed by session id.
type Event struct {
	Type      Type       `json:"type"`
	SessionID string     `json:"session_id"`
	Data      string     `json:"data,omitempty"`
	Mfa       *MfaPrompt `json:"prompt,omitempty"`
}

// Sink receives events. Implementations must preserve the order of calls made
// from a single goroutine.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

func Output(sessionID, text string) Event {
	return Event{Type: TypeOutput, SessionID: sessionID, Data: text}
}

func Ended(sessionID string) Event {
	return Event{Type: TypeEnded, SessionID: sessionID}
}

func MfaChallenge(p MfaPrompt) Event {
	return Event{Type: TypeMfaPrompt, SessionID: p.TerminalID, Mfa: &p}
}

// Bus fans events out to every current subscriber. Emit blocks until each
// subscriber has taken the event or unsubscribed, so output is never dropped
// or reordered; a stalled subscriber applies backpressure to the emitter
// until it unsubscribes.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription is a single consumer of a Bus.
type Subscription struct {
	bus  *Bus
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// Subscribe registers a consumer with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	s := &Subscription{
		bus:  b,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Events returns the delivery channel. It is never closed; select on Done.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed once the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.done)
	})
}

func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
		case <-s.done:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
