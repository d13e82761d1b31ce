package ssh

import (
	"context"
	"fmt"

	"konnect/apps/api/events"
	"konnect/apps/api/models"
	"konnect/apps/api/session"
	"konnect/libs/go/logging"
)

const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)

// Manager owns every remote shell session of the daemon.
type Manager struct {
	client   *Client
	sessions *session.Registry[*Session]
	sink     events.Sink
	logger   *logging.Logger
}

func NewManager(client *Client, sink events.Sink, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		client:   client,
		sessions: session.NewRegistry[*Session](),
		sink:     sink,
		logger:   logger.With("component", "ssh-sessions"),
	}
}

// Create connects to profile and starts a shell registered under profile.ID.
// An id that is already registered is left untouched and Create succeeds.
// Zero cols or rows use 80x24. Nothing is registered if any step fails.
func (m *Manager) Create(ctx context.Context, profile models.Connection, cols, rows uint16) error {
	if profile.SshConfig == nil {
		return ErrConfigRequired
	}
	if profile.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}

	id := profile.ID
	cfg := *profile.SshConfig
	err := m.sessions.Create(id, func() (*Session, error) {
		conn, err := m.client.Connect(ctx, id, cfg)
		if err != nil {
			return nil, err
		}
		ch, err := conn.openShell(cols, rows)
		if err != nil {
			conn.Close()
			return nil, err
		}
		logger := m.logger.With("session_id", id)
		logger.Info("remote session established", "name", profile.Name, "cols", cols, "rows", rows)
		return startSession(id, conn, ch, m.sink, logger), nil
	})
	if err != nil {
		return err
	}

	if s, ok := m.sessions.Lookup(id); ok {
		s.reapOnce.Do(func() { go m.reap(id, s) })
	}
	return nil
}

// reap drops the registry entry once the worker ends on its own.
func (m *Manager) reap(id string, s *Session) {
	<-s.Done()
	if m.sessions.RemoveIf(id, func(cur *Session) bool { return cur == s }) {
		m.logger.Debug("remote session unregistered after end", "session_id", id)
	}
}

// Write queues p for the session.
func (m *Manager) Write(ctx context.Context, id string, p []byte) error {
	s, ok := m.sessions.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return s.Write(ctx, p)
}

// Resize queues a window change. Unknown ids are ignored.
func (m *Manager) Resize(ctx context.Context, id string, rows, cols uint16) error {
	s, ok := m.sessions.Lookup(id)
	if !ok {
		return nil
	}
	return s.Resize(ctx, rows, cols)
}

// Close unregisters the session and tells its worker to stop.
func (m *Manager) Close(id string) error {
	s, ok := m.sessions.Remove(id)
	if !ok {
		return nil
	}
	m.logger.Info("closing remote session", "session_id", id)
	return s.Close()
}

// TestConnection authenticates against cfg, MFA included, and disconnects.
// It returns the server's version string. sessionID keys any MFA prompts.
func (m *Manager) TestConnection(ctx context.Context, sessionID string, cfg models.SshConfig) (string, error) {
	conn, err := m.client.Connect(ctx, sessionID, cfg)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.ServerVersion(), nil
}

func (m *Manager) Exists(id string) bool { return m.sessions.Contains(id) }

func (m *Manager) IDs() []string { return m.sessions.IDs() }

// Shutdown closes every session.
func (m *Manager) Shutdown() { m.sessions.CloseAll() }
