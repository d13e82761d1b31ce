// Package local runs interactive shells on the daemon's host, each bound to
// its own pseudo-terminal.
package local

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"konnect/apps/api/events"
	"konnect/apps/api/termio"
	"konnect/libs/go/logging"
)

const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24

	readBufferSize = 8192
	termType       = "xterm-256color"
)

var (
	ErrSpawnFailed         = errors.New("failed to spawn shell")
	ErrPtyAllocationFailed = errors.New("failed to allocate pty")
)

// inheritedEnv is the allow-list of variables passed from the daemon to shells.
var inheritedEnv = []string{"HOME", "PATH", "USER", "SHELL", "LANG", "LC_ALL"}

// Config describes a local shell to start.
type Config struct {
	ID    string `json:"id"`
	Shell string `json:"shell"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
}

// Session is a running shell. The handle holds the pty master for writes and
// geometry changes. Output is read from a duplicate descriptor that only the
// reader goroutine holds.
type Session struct {
	id     string
	cmd    *exec.Cmd
	master *os.File
	logger *logging.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	reapOnce  sync.Once
	done      chan struct{}
}

// Open allocates a pty sized to cfg, starts cfg.Shell on it and begins
// streaming output to sink. Output and the final ended event are keyed by cfg.ID.
func Open(cfg Config, sink events.Sink, logger *logging.Logger) (*Session, error) {
	if cfg.Cols == 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Rows == 0 {
		cfg.Rows = DefaultRows
	}
	logger = logger.With("session_id", cfg.ID)

	master, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPtyAllocationFailed, err)
	}
	if err := pty.Setsize(master, &pty.Winsize{Rows: cfg.Rows, Cols: cfg.Cols}); err != nil {
		master.Close()
		tty.Close()
		return nil, fmt.Errorf("%w: set size: %v", ErrPtyAllocationFailed, err)
	}

	reader, err := dupReader(master)
	if err != nil {
		master.Close()
		tty.Close()
		return nil, fmt.Errorf("%w: %v", ErrPtyAllocationFailed, err)
	}

	cmd := exec.Command(cfg.Shell, "-i")
	cmd.Env = shellEnv()
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	if err := cmd.Start(); err != nil {
		reader.Close()
		master.Close()
		tty.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, cfg.Shell, err)
	}
	// The child holds its own copy of the slave.
	tty.Close()

	s := &Session{
		id:     cfg.ID,
		cmd:    cmd,
		master: master,
		logger: logger,
		done:   make(chan struct{}),
	}

	go s.readLoop(reader, sink)

	logger.Info("local session started", "shell", cfg.Shell, "pid", cmd.Process.Pid, "cols", cfg.Cols, "rows", cfg.Rows)
	return s, nil
}

// dupReader returns a second descriptor for the pty master. It stays open
// after the handle closes master and sees EIO once the shell's side of the
// pty is gone.
func dupReader(master *os.File) (*os.File, error) {
	syscall.ForkLock.RLock()
	fd, err := syscall.Dup(int(master.Fd()))
	if err == nil {
		syscall.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("dup pty master: %w", err)
	}
	return os.NewFile(uintptr(fd), master.Name()), nil
}

func shellEnv() []string {
	env := make([]string, 0, len(inheritedEnv)+1)
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env, "TERM="+termType)
}

// readLoop owns r for the lifetime of the session and closes it on exit.
func (s *Session) readLoop(r io.ReadCloser, sink events.Sink) {
	defer close(s.done)
	defer r.Close()

	var dec termio.Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if text := dec.Decode(buf[:n]); text != "" {
				sink.Emit(events.Output(s.id, text))
			}
		}
		if err != nil || n == 0 {
			if err != nil && !errors.Is(err, io.EOF) {
				s.logger.Debug("pty read ended", "error", err)
			}
			break
		}
	}

	if rest := dec.Flush(); rest != "" {
		sink.Emit(events.Output(s.id, rest))
	}
	sink.Emit(events.Ended(s.id))
	s.logger.Info("local session ended")
}

func (s *Session) ID() string { return s.id }

// Write sends p to the shell's input.
func (s *Session) Write(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.master.Write(p); err != nil {
		return fmt.Errorf("write to pty: %w", err)
	}
	return nil
}

// Resize changes the terminal geometry. The shell receives SIGWINCH.
func (s *Session) Resize(rows, cols uint16) error {
	if err := pty.Setsize(s.master, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	return nil
}

// Done is closed after the ended event has been emitted.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close kills the shell's process group and releases the pty. It does not
// wait for the reader goroutine; the process is reaped in the background.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if p := s.cmd.Process; p != nil {
			// Setsid made the shell a process group leader.
			if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
				_ = p.Kill()
			}
		}
		if err := s.master.Close(); err != nil {
			s.logger.Debug("close pty master", "error", err)
		}
		go func() {
			_ = s.cmd.Wait()
		}()
	})
	return nil
}
