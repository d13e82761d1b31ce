package ssh

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"konnect/apps/api/events"
	"konnect/apps/api/termio"
	"konnect/libs/go/logging"
)

const (
	controlQueueSize = 100
	readBufferSize   = 8192

	// exitDrainTimeout bounds how long output buffered before the shell's
	// exit is still forwarded once exit-status has arrived.
	exitDrainTimeout = 500 * time.Millisecond
)

type commandKind int

const (
	commandWrite commandKind = iota
	commandResize
)

// command is a control instruction for the session worker.
type command struct {
	kind commandKind
	data []byte
	rows uint16
	cols uint16
}

type stream int

const (
	streamStdout stream = iota
	streamStderr
)

type chunk struct {
	stream stream
	data   []byte
	err    error // set on the final message of a stream
}

// Session is the handle of an established remote shell. The connection and
// channel belong to the worker goroutine; callers interact only through
// Write, Resize and Close.
type Session struct {
	id     string
	logger *logging.Logger

	control   chan command
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	reapOnce  sync.Once
}

func startSession(id string, conn *Conn, ch *channel, sink events.Sink, logger *logging.Logger) *Session {
	s := &Session{
		id:      id,
		logger:  logger,
		control: make(chan command, controlQueueSize),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run(conn, ch, sink)
	return s
}

func (s *Session) ID() string { return s.id }

// Write queues p for the remote shell. It returns once queued, not once sent,
// and blocks while the queue is full.
func (s *Session) Write(ctx context.Context, p []byte) error {
	data := make([]byte, len(p))
	copy(data, p)
	return s.enqueue(ctx, command{kind: commandWrite, data: data})
}

// Resize queues a window-change request.
func (s *Session) Resize(ctx context.Context, rows, cols uint16) error {
	return s.enqueue(ctx, command{kind: commandResize, rows: rows, cols: cols})
}

func (s *Session) enqueue(ctx context.Context, cmd command) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.control <- cmd:
		return nil
	case <-s.closed:
		return ErrSessionClosed
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed after the worker has emitted the ended event.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close signals the worker to tear the connection down. It does not wait.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// run is the only goroutine that touches the channel after setup. It ends on
// stdout EOF, on a read error, when the handle is closed, or shortly after
// the shell exits, and always emits exactly one ended event.
func (s *Session) run(conn *Conn, ch *channel, sink events.Sink) {
	defer close(s.done)
	defer sink.Emit(events.Ended(s.id))
	defer conn.Close()

	chunks := make(chan chunk)
	go s.pump(streamStdout, ch.stdout, chunks)
	go s.pump(streamStderr, ch.stderr, chunks)

	exited := make(chan error, 1)
	go func() { exited <- ch.session.Wait() }()

	decoders := map[stream]*termio.Decoder{
		streamStdout: {},
		streamStderr: {},
	}
	stderrOpen := true
	var drain <-chan time.Time

	for {
		select {
		case <-s.closed:
			s.logger.Info("remote session closed by client")
			ch.session.Close()
			return

		case cmd := <-s.control:
			s.apply(ch, cmd)

		case c := <-chunks:
			dec := decoders[c.stream]
			if len(c.data) > 0 {
				if text := dec.Decode(c.data); text != "" {
					sink.Emit(events.Output(s.id, text))
				}
			}
			if c.err == nil {
				continue
			}
			if rest := dec.Flush(); rest != "" {
				sink.Emit(events.Output(s.id, rest))
			}
			if c.stream == streamStderr {
				stderrOpen = false
				continue
			}
			if errors.Is(c.err, io.EOF) || IsConnectionError(c.err) {
				s.logger.Info("remote session ended", "stderr_open", stderrOpen)
			} else {
				s.logger.Warn("remote read failed", "error", c.err)
			}
			return

		case err := <-exited:
			exited = nil
			s.logger.Info("remote shell exited", "status", exitStatus(err))
			drain = time.After(exitDrainTimeout)

		case <-drain:
			for _, dec := range decoders {
				if rest := dec.Flush(); rest != "" {
					sink.Emit(events.Output(s.id, rest))
				}
			}
			s.logger.Info("remote session ended after exit", "stderr_open", stderrOpen)
			ch.session.Close()
			return
		}
	}
}

func (s *Session) apply(ch *channel, cmd command) {
	switch cmd.kind {
	case commandWrite:
		// A failed write does not end the session; a broken connection
		// surfaces on the read side.
		if _, err := ch.stdin.Write(cmd.data); err != nil {
			s.logger.Warn("remote write failed", "bytes", len(cmd.data), "error", err)
		}
	case commandResize:
		if err := ch.session.WindowChange(int(cmd.rows), int(cmd.cols)); err != nil {
			s.logger.Debug("window change failed", "error", err)
		}
	}
}

// pump forwards r to the worker until r fails. The final chunk carries the
// error. It gives up as soon as the worker is gone.
func (s *Session) pump(st stream, r io.Reader, out chan<- chunk) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		c := chunk{stream: st, err: err}
		if n > 0 {
			c.data = make([]byte, n)
			copy(c.data, buf[:n])
		}
		if err == nil && n == 0 {
			continue
		}
		select {
		case out <- c:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// exitStatus is the remote shell's exit code, or -1 when it ended without one.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus()
	}
	return -1
}
