// Package ssh opens authenticated SSH connections, including keyboard-interactive
// MFA, and runs interactive shell sessions over them.
package ssh

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"konnect/apps/api/models"
	"konnect/libs/go/logging"
	"konnect/libs/go/pathutil"
)

const (
	DefaultDialTimeout       = 15 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultKeepAliveMax      = 6

	keepAliveRequest = "keepalive@openssh.com"
	termType         = "xterm-256color"
)

// kexAlgorithms keeps the legacy Diffie-Hellman groups so older appliances
// and bastion hosts can still negotiate.
var kexAlgorithms = []string{
	"curve25519-sha256",
	"curve25519-sha256@libssh.org",
	"diffie-hellman-group14-sha256",
	"diffie-hellman-group16-sha512",
	"diffie-hellman-group14-sha1",
	"diffie-hellman-group1-sha1",
}

// Client dials and authenticates SSH connections.
type Client struct {
	responder         Responder
	hostKeys          HostKeyVerifier
	logger            *logging.Logger
	dialTimeout       time.Duration
	keepAliveInterval time.Duration
	keepAliveMax      int
	maxRounds         int
}

type Option func(*Client)

func WithHostKeyVerifier(v HostKeyVerifier) Option {
	return func(c *Client) {
		if v != nil {
			c.hostKeys = v
		}
	}
}

func WithKeepAlive(interval time.Duration, maxMissed int) Option {
	return func(c *Client) {
		if interval > 0 {
			c.keepAliveInterval = interval
		}
		if maxMissed > 0 {
			c.keepAliveMax = maxMissed
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithMaxRounds bounds the number of keyboard-interactive rounds that carry
// prompts. Zero means unlimited.
func WithMaxRounds(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRounds = n
		}
	}
}

func NewClient(responder Responder, logger *logging.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.With("component", "ssh")
	c := &Client{
		responder:         responder,
		logger:            logger,
		hostKeys:          AcceptAnyHostKey{Logger: logger},
		dialTimeout:       DefaultDialTimeout,
		keepAliveInterval: DefaultKeepAliveInterval,
		keepAliveMax:      DefaultKeepAliveMax,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Conn is an authenticated SSH connection with a running keep-alive.
type Conn struct {
	client *ssh.Client
	hs     *handshake
	logger *logging.Logger

	stopKeepAlive chan struct{}
	closeOnce     sync.Once
}

// Connect dials cfg and authenticates: the primary credential first, then
// keyboard-interactive if the server rejects it. Prompts raised during
// keyboard-interactive are sent to the responder under sessionID. Every
// failure is a *PhaseError.
func (c *Client) Connect(ctx context.Context, sessionID string, cfg models.SshConfig) (*Conn, error) {
	port := cfg.PortOrDefault()
	addr := pathutil.HostPort(cfg.Host, port)
	logger := c.logger.With("session_id", sessionID, "addr", addr, "user", cfg.Username)
	hs := newHandshake(sessionID, logger)

	primary, err := primaryAuth(cfg.Auth)
	if err != nil {
		hs.recordFailure(PhaseAuth, err)
		return nil, hs.fail(ctx, err)
	}

	clientCfg := &ssh.ClientConfig{
		Config: ssh.Config{KeyExchanges: kexAlgorithms},
		User:   cfg.Username,
		Auth: []ssh.AuthMethod{
			primary,
			ssh.KeyboardInteractive(hs.keyboardInteractive(ctx, c.responder, c.maxRounds)),
		},
		HostKeyCallback: hs.hostKeyCallback(c.hostKeys),
		BannerCallback: func(message string) error {
			logger.Debug("ssh banner", "length", len(message))
			return nil
		},
	}

	logger.Info("connecting", "auth", string(cfg.Auth.Kind))

	dialer := net.Dialer{Timeout: c.dialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, hs.fail(ctx, err)
	}

	// Unblock the handshake if ctx ends while waiting on the server or on MFA.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	interrupted := !stop()
	if err != nil {
		netConn.Close()
		perr := hs.fail(ctx, err)
		logger.Warn("ssh setup failed", "error", perr, "state_history", fmt.Sprint(hs.transitions()))
		return nil, perr
	}
	if interrupted {
		sshConn.Close()
		return nil, hs.fail(ctx, ctx.Err())
	}

	conn := &Conn{
		client:        ssh.NewClient(sshConn, chans, reqs),
		hs:            hs,
		logger:        logger,
		stopKeepAlive: make(chan struct{}),
	}
	go conn.keepAlive(c.keepAliveInterval, c.keepAliveMax)

	logger.Info("authenticated", "server_version", string(sshConn.ServerVersion()))
	return conn, nil
}

// keepAlive sends a global request every interval. The connection is closed
// once maxMissed consecutive intervals pass without a reply; replies may be
// failures, which still prove the peer is alive.
func (c *Conn) keepAlive(interval time.Duration, maxMissed int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	replies := make(chan error, 1)
	inFlight := false
	missed := 0

	for {
		select {
		case <-c.stopKeepAlive:
			return
		case err := <-replies:
			inFlight = false
			if err != nil {
				return
			}
			missed = 0
		case <-ticker.C:
			if inFlight {
				missed++
				if missed >= maxMissed {
					c.logger.Warn("keepalive timeout, closing connection", "missed", missed)
					c.client.Close()
					return
				}
				continue
			}
			inFlight = true
			go func() {
				_, _, err := c.client.SendRequest(keepAliveRequest, true, nil)
				replies <- err
			}()
		}
	}
}

// Client exposes the underlying connection for subsystems such as SFTP.
func (c *Conn) Client() *ssh.Client { return c.client }

func (c *Conn) ServerVersion() string { return string(c.client.ServerVersion()) }

// State returns where setup currently stands.
func (c *Conn) State() State { return c.hs.current() }

// Transitions returns every state the setup has passed through, in order.
func (c *Conn) Transitions() []State { return c.hs.transitions() }

// Wait blocks until the connection is closed.
func (c *Conn) Wait() error { return c.client.Wait() }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopKeepAlive)
		err = c.client.Close()
	})
	return err
}

// channel is an interactive shell opened on a Conn.
type channel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
}

// openShell opens a session channel, requests a pty of the given size and
// starts the login shell.
func (c *Conn) openShell(cols, rows uint16) (*channel, error) {
	c.hs.transition(StateChannelSetup)

	fail := func(step string, err error) error {
		c.hs.recordFailure(PhaseChannel, fmt.Errorf("%w: %s: %v", ErrChannel, step, err))
		return c.hs.fail(context.Background(), err)
	}

	session, err := c.client.NewSession()
	if err != nil {
		return nil, fail("open session", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fail("stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fail("stdout pipe", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fail("stderr pipe", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(termType, int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fail("pty request", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fail("shell request", err)
	}

	c.hs.transition(StateEstablished)
	return &channel{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
	}, nil
}
