package ssh

import (
	"errors"
	"io"
	"net"
)

var (
	ErrConfigRequired = errors.New("SshConfig required")
	ErrTransport      = errors.New("transport error")
	ErrCredential     = errors.New("credential error")
	ErrAuthRejected   = errors.New("authentication rejected")
	ErrMFARejected    = errors.New("SSH MFA authentication failed")
	ErrTooManyRounds  = errors.New("too many keyboard-interactive rounds")
	ErrNoResponder    = errors.New("no MFA responder configured")
	ErrChannel        = errors.New("channel error")
	ErrSessionClosed  = errors.New("session closed")
)

// Phase names the part of session setup that failed.
type Phase string

const (
	PhaseConnect Phase = "connect"
	PhaseAuth    Phase = "auth"
	PhaseMFA     Phase = "mfa"
	PhaseChannel Phase = "channel"
)

// PhaseError is returned by every setup failure. Its message is meant to be
// shown to the user as is.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	switch e.Phase {
	case PhaseConnect:
		return "Connection failed: " + e.Err.Error()
	case PhaseAuth:
		return "Authentication error: " + e.Err.Error()
	case PhaseMFA:
		return "MFA authentication error: " + e.Err.Error()
	case PhaseChannel:
		return "Failed to open channel: " + e.Err.Error()
	default:
		return e.Err.Error()
	}
}

func (e *PhaseError) Unwrap() error { return e.Err }

// PhaseOf returns the setup phase err belongs to, or "" for other errors.
func PhaseOf(err error) Phase {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase
	}
	return ""
}

// IsConnectionError reports whether err means the underlying connection is gone.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	return false
}
