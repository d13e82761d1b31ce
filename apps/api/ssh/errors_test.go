package ssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	gossh "golang.org/x/crypto/ssh"

	"konnect/apps/api/mfa"
)

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name:     "EOF error",
			err:      io.EOF,
			expected: true,
		},
		{
			name:     "net.OpError",
			err:      &net.OpError{Op: "dial", Err: io.EOF},
			expected: true,
		},
		{
			name:     "wrapped closed connection",
			err:      fmt.Errorf("read: %w", net.ErrClosed),
			expected: true,
		},
		{
			name:     "unrelated error",
			err:      errors.New("boom"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsConnectionError(tt.err)
			if result != tt.expected {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, result, tt.expected)
			}
		})
	}
}

func TestPhaseErrorMessages(t *testing.T) {
	tests := []struct {
		err      *PhaseError
		expected string
	}{
		{
			err:      &PhaseError{Phase: PhaseConnect, Err: errors.New("dial tcp: refused")},
			expected: "Connection failed: dial tcp: refused",
		},
		{
			err:      &PhaseError{Phase: PhaseAuth, Err: ErrAuthRejected},
			expected: "Authentication error: authentication rejected",
		},
		{
			err:      &PhaseError{Phase: PhaseMFA, Err: ErrMFARejected},
			expected: "MFA authentication error: SSH MFA authentication failed",
		},
		{
			err:      &PhaseError{Phase: PhaseMFA, Err: mfa.ErrTimeout},
			expected: "MFA authentication error: MFA authentication timeout",
		},
		{
			err:      &PhaseError{Phase: PhaseChannel, Err: errors.New("pty request: denied")},
			expected: "Failed to open channel: pty request: denied",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Phase), func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestPhaseOfUnwraps(t *testing.T) {
	err := fmt.Errorf("create: %w", &PhaseError{Phase: PhaseMFA, Err: mfa.ErrCancelled})
	if PhaseOf(err) != PhaseMFA {
		t.Errorf("PhaseOf = %q, want %q", PhaseOf(err), PhaseMFA)
	}
	if !errors.Is(err, mfa.ErrCancelled) {
		t.Error("expected the MFA sentinel to be reachable through the phase error")
	}
	if PhaseOf(errors.New("other")) != "" {
		t.Error("non-phase errors have no phase")
	}
}

func TestExitStatus(t *testing.T) {
	if got := exitStatus(nil); got != 0 {
		t.Errorf("exitStatus(nil) = %d, want 0", got)
	}
	if got := exitStatus(&gossh.ExitMissingError{}); got != -1 {
		t.Errorf("exitStatus(missing) = %d, want -1", got)
	}
	if got := exitStatus(fmt.Errorf("wait: %w", &gossh.ExitError{})); got != 0 {
		t.Errorf("exitStatus(wrapped exit error) = %d, want 0", got)
	}
}
