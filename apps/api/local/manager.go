package local

import (
	"fmt"
	"os"

	"konnect/apps/api/events"
	"konnect/apps/api/session"
	"konnect/libs/go/logging"
)

// Manager owns every local session of the daemon.
type Manager struct {
	sessions     *session.Registry[*Session]
	sink         events.Sink
	logger       *logging.Logger
	defaultShell string
}

type Option func(*Manager)

// WithDefaultShell sets the shell used when a Config leaves Shell empty.
func WithDefaultShell(shell string) Option {
	return func(m *Manager) {
		if shell != "" {
			m.defaultShell = shell
		}
	}
}

func NewManager(sink events.Sink, logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	m := &Manager{
		sessions:     session.NewRegistry[*Session](),
		sink:         sink,
		logger:       logger.With("component", "local"),
		defaultShell: DefaultShell(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultShell returns $SHELL, falling back to /bin/bash.
func DefaultShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/bash"
}

// Create starts a shell for cfg.ID. An id that is already running is left
// untouched and Create reports success.
func (m *Manager) Create(cfg Config) error {
	if cfg.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if cfg.Shell == "" {
		cfg.Shell = m.defaultShell
	}
	err := m.sessions.Create(cfg.ID, func() (*Session, error) {
		return Open(cfg, m.sink, m.logger)
	})
	if err != nil {
		return err
	}

	if s, ok := m.sessions.Lookup(cfg.ID); ok {
		s.reapOnce.Do(func() { go m.reap(cfg.ID, s) })
	}
	return nil
}

// reap drops the registry entry once the shell exits on its own, so the id
// can be reused.
func (m *Manager) reap(id string, s *Session) {
	<-s.Done()
	if m.sessions.RemoveIf(id, func(cur *Session) bool { return cur == s }) {
		s.Close()
	}
}

// Write forwards p to the session. Unknown ids are ignored.
func (m *Manager) Write(id string, p []byte) error {
	s, ok := m.sessions.Lookup(id)
	if !ok {
		return nil
	}
	return s.Write(p)
}

// Resize changes the geometry of the session. Unknown ids are ignored.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	s, ok := m.sessions.Lookup(id)
	if !ok {
		return nil
	}
	return s.Resize(rows, cols)
}

// Close unregisters the session and terminates its shell.
func (m *Manager) Close(id string) error {
	s, ok := m.sessions.Remove(id)
	if !ok {
		return nil
	}
	m.logger.Info("closing local session", "session_id", id)
	return s.Close()
}

func (m *Manager) Exists(id string) bool { return m.sessions.Contains(id) }

func (m *Manager) IDs() []string { return m.sessions.IDs() }

// Shutdown closes every session.
func (m *Manager) Shutdown() { m.sessions.CloseAll() }
