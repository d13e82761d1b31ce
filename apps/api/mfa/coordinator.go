// Package mfa hands keyboard-interactive challenges to an external responder
// and waits for its answers.
//
// The SSH handshake calls Challenge from inside the keyboard-interactive
// callback. Challenge publishes an mfa-prompt event and blocks until the
// responder calls Submit or Cancel for the same session id, the timeout
// elapses, or the handshake's context ends.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"konnect/apps/api/events"
	"konnect/libs/go/logging"
)

const DefaultTimeout = 120 * time.Second

var (
	ErrNoPendingChallenge = errors.New("no pending MFA request")
	ErrCancelled          = errors.New("MFA authentication cancelled by user")
	ErrTimeout            = errors.New("MFA authentication timeout")
	ErrResponseCount      = errors.New("wrong number of MFA responses")
	ErrChallengeActive    = errors.New("another MFA request is already waiting")
)

// Challenge is one keyboard-interactive round with at least one prompt.
type Challenge struct {
	Name         string
	Instructions string
	Prompts      []events.Prompt
}

type pending struct {
	prompts   int
	responses chan []string
	cancelled chan struct{}
}

// Coordinator tracks at most one outstanding challenge per session id.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pending

	sink    events.Sink
	logger  *logging.Logger
	timeout time.Duration
}

type Option func(*Coordinator)

// WithTimeout overrides how long Challenge waits for an answer.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func NewCoordinator(sink events.Sink, logger *logging.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = logging.Discard()
	}
	c := &Coordinator{
		pending: make(map[string]*pending),
		sink:    sink,
		logger:  logger.With("component", "mfa"),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Timeout() time.Duration { return c.timeout }

// Challenge publishes ch for sessionID and waits for the responder. The
// returned answers are in prompt order. A slot only exists while its waiter
// is blocked, so a second challenge for the same id is refused and the first
// keeps waiting.
func (c *Coordinator) Challenge(ctx context.Context, sessionID string, ch Challenge) ([]string, error) {
	p := &pending{
		prompts:   len(ch.Prompts),
		responses: make(chan []string, 1),
		cancelled: make(chan struct{}),
	}

	c.mu.Lock()
	if _, ok := c.pending[sessionID]; ok {
		c.mu.Unlock()
		c.logger.Warn("mfa challenge refused, one is already waiting", "session_id", sessionID)
		return nil, fmt.Errorf("%w for terminal: %s", ErrChallengeActive, sessionID)
	}
	c.pending[sessionID] = p
	c.mu.Unlock()

	logger := c.logger.With("session_id", sessionID)
	logger.Info("mfa challenge issued", "name", ch.Name, "prompts", len(ch.Prompts))

	prompts := make([]events.Prompt, len(ch.Prompts))
	copy(prompts, ch.Prompts)
	c.sink.Emit(events.MfaChallenge(events.MfaPrompt{
		TerminalID:   sessionID,
		Name:         ch.Name,
		Instructions: ch.Instructions,
		Prompts:      prompts,
	}))

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case answers := <-p.responses:
		logger.Info("mfa challenge answered", "responses", len(answers))
		return answers, nil
	case <-p.cancelled:
		logger.Info("mfa challenge cancelled")
		return nil, ErrCancelled
	case <-timer.C:
		if answers, ok := c.abandon(sessionID, p); ok {
			return answers, nil
		}
		logger.Warn("mfa challenge timed out", "timeout", c.timeout)
		return nil, ErrTimeout
	case <-ctx.Done():
		if answers, ok := c.abandon(sessionID, p); ok {
			return answers, nil
		}
		logger.Info("mfa challenge abandoned", "error", ctx.Err())
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// abandon removes p if it is still the slot for sessionID. If a Submit won
// the race, its answers are returned instead.
func (c *Coordinator) abandon(sessionID string, p *pending) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.pending[sessionID]; ok && cur == p {
		delete(c.pending, sessionID)
		return nil, false
	}
	select {
	case answers := <-p.responses:
		return answers, true
	default:
		return nil, false
	}
}

// Submit resolves the pending challenge for sessionID. The slot is consumed;
// the next round installs a new one. A response list whose length does not
// match the prompts is rejected and the challenge stays pending.
func (c *Coordinator) Submit(sessionID string, responses []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[sessionID]
	if !ok {
		return fmt.Errorf("%w for terminal: %s", ErrNoPendingChallenge, sessionID)
	}
	if len(responses) != p.prompts {
		return fmt.Errorf("%w: expected %d, got %d", ErrResponseCount, p.prompts, len(responses))
	}

	delete(c.pending, sessionID)
	answers := make([]string, len(responses))
	copy(answers, responses)
	p.responses <- answers
	return nil
}

// Cancel aborts the pending challenge for sessionID, if any.
func (c *Coordinator) Cancel(sessionID string) {
	c.mu.Lock()
	p, ok := c.pending[sessionID]
	if ok {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()

	if ok {
		close(p.cancelled)
	}
}

// Pending reports whether sessionID has an unanswered challenge.
func (c *Coordinator) Pending(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[sessionID]
	return ok
}
