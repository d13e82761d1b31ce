package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"

	"konnect/apps/api/events"
	"konnect/apps/api/mfa"
	"konnect/apps/api/models"
	"konnect/libs/go/logging"
)

// State is a step of remote session setup.
type State int

const (
	StateConnecting State = iota
	StateAuthPrimary
	StateAuthInteractive
	StateChannelSetup
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthPrimary:
		return "authenticating(primary)"
	case StateAuthInteractive:
		return "authenticating(interactive)"
	case StateChannelSetup:
		return "channel-setup"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Responder answers keyboard-interactive prompts. *mfa.Coordinator is the
// production implementation.
type Responder interface {
	Challenge(ctx context.Context, sessionID string, ch mfa.Challenge) ([]string, error)
}

// handshake follows one setup attempt. x/crypto drives the protocol; the
// callbacks it invokes move the state forward and record why a step failed,
// since the library reports auth failures as a generic error.
type handshake struct {
	sessionID string
	logger    *logging.Logger

	mu      sync.Mutex
	state   State
	history []State
	failure *PhaseError
	rounds  int
}

func newHandshake(sessionID string, logger *logging.Logger) *handshake {
	return &handshake{
		sessionID: sessionID,
		logger:    logger,
		state:     StateConnecting,
		history:   []State{StateConnecting},
	}
}

func (h *handshake) transition(to State) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == to || h.state == StateFailed {
		return
	}
	h.logger.Debug("ssh state transition", "from", h.state.String(), "to", to.String())
	h.state = to
	h.history = append(h.history, to)
}

func (h *handshake) current() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handshake) transitions() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, len(h.history))
	copy(out, h.history)
	return out
}

// recordFailure keeps the first fatal error raised inside a callback.
func (h *handshake) recordFailure(phase Phase, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failure == nil {
		h.failure = &PhaseError{Phase: phase, Err: err}
	}
}

// fail moves to StateFailed and returns the error to report for cause.
func (h *handshake) fail(ctx context.Context, cause error) error {
	h.mu.Lock()
	prev := h.state
	recorded := h.failure
	rounds := h.rounds
	h.mu.Unlock()

	h.transition(StateFailed)

	if recorded != nil {
		return recorded
	}

	lostConn := IsConnectionError(cause)
	if ctxErr := ctx.Err(); ctxErr != nil {
		cause = ctxErr
		lostConn = true
	}

	switch prev {
	case StateConnecting:
		return &PhaseError{Phase: PhaseConnect, Err: fmt.Errorf("%w: %v", ErrTransport, cause)}
	case StateAuthPrimary, StateAuthInteractive:
		// x/crypto has no typed auth failure. A server that refuses
		// keyboard-interactive without a challenge surfaces as an unexpected
		// message rather than "unable to authenticate", so anything that is
		// not a dropped connection counts as a refusal.
		if lostConn {
			return &PhaseError{Phase: PhaseAuth, Err: fmt.Errorf("%w: %v", ErrTransport, cause)}
		}
		if prev == StateAuthInteractive && rounds > 0 {
			return &PhaseError{Phase: PhaseMFA, Err: fmt.Errorf("%w: %v", ErrMFARejected, cause)}
		}
		return &PhaseError{Phase: PhaseAuth, Err: fmt.Errorf("%w: %v", ErrAuthRejected, cause)}
	default:
		return &PhaseError{Phase: PhaseChannel, Err: fmt.Errorf("%w: %v", ErrChannel, cause)}
	}
}

// hostKeyCallback runs at the end of key exchange, which is where the
// transport is up and primary authentication begins.
func (h *handshake) hostKeyCallback(v HostKeyVerifier) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := v.Verify(hostname, remote, key); err != nil {
			return fmt.Errorf("host key verification failed: %w", err)
		}
		h.transition(StateAuthPrimary)
		return nil
	}
}

// keyboardInteractive is only invoked by x/crypto after the primary method
// was rejected and the server offers keyboard-interactive.
func (h *handshake) keyboardInteractive(ctx context.Context, responder Responder, maxRounds int) ssh.KeyboardInteractiveChallenge {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		h.transition(StateAuthInteractive)

		if len(questions) == 0 {
			h.logger.Debug("empty keyboard-interactive round")
			return []string{}, nil
		}

		h.mu.Lock()
		h.rounds++
		round := h.rounds
		h.mu.Unlock()

		if maxRounds > 0 && round > maxRounds {
			err := fmt.Errorf("%w (limit %d)", ErrTooManyRounds, maxRounds)
			h.recordFailure(PhaseAuth, err)
			return nil, err
		}
		if responder == nil {
			h.recordFailure(PhaseMFA, ErrNoResponder)
			return nil, ErrNoResponder
		}

		prompts := make([]events.Prompt, len(questions))
		for i, q := range questions {
			prompts[i] = events.Prompt{Prompt: q, Echo: i < len(echos) && echos[i]}
		}

		h.logger.Info("keyboard-interactive challenge", "round", round, "name", name, "prompts", len(prompts))
		answers, err := responder.Challenge(ctx, h.sessionID, mfa.Challenge{
			Name:         name,
			Instructions: instruction,
			Prompts:      prompts,
		})
		if err != nil {
			h.recordFailure(PhaseMFA, err)
			return nil, err
		}
		return answers, nil
	}
}

// primaryAuth builds the configured credential's auth method. Key files are
// decoded here, before any network I/O, so a bad key fails fast and never
// falls through to keyboard-interactive.
func primaryAuth(cred models.Credential) (ssh.AuthMethod, error) {
	switch cred.Kind {
	case models.AuthPassword:
		return ssh.Password(cred.Password), nil
	case models.AuthPublicKey:
		signer, err := loadSigner(cred.PrivateKeyPath, cred.Passphrase)
		if err != nil {
			return nil, err
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("%w: unsupported auth kind %q", ErrCredential, cred.Kind)
	}
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read private key: %v", ErrCredential, err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyBytes)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: private key is passphrase protected", ErrCredential)
		}
		return nil, fmt.Errorf("%w: failed to parse private key: %v", ErrCredential, err)
	}

	return withRSAHashes(signer)
}

// withRSAHashes restricts RSA keys to SHA-2 signatures first, keeping ssh-rsa
// last for servers that predate RFC 8332. x/crypto picks the first one the
// server advertises.
func withRSAHashes(signer ssh.Signer) (ssh.Signer, error) {
	if signer.PublicKey().Type() != ssh.KeyAlgoRSA {
		return signer, nil
	}
	algSigner, ok := signer.(ssh.AlgorithmSigner)
	if !ok {
		return signer, nil
	}
	multi, err := ssh.NewSignerWithAlgorithms(algSigner, []string{
		ssh.KeyAlgoRSASHA512,
		ssh.KeyAlgoRSASHA256,
		ssh.KeyAlgoRSA,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredential, err)
	}
	return multi, nil
}
