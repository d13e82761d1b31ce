// Package sftp provides file-transfer sessions over the same authenticated
// SSH transport used for shells, keyed by connection id.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/sftp"

	"konnect/apps/api/models"
	"konnect/apps/api/session"
	"konnect/apps/api/ssh"
	"konnect/libs/go/logging"
	"konnect/libs/go/pathutil"
)

var ErrSessionNotFound = errors.New("SFTP session not found")

type notFoundError struct{ id string }

func (e notFoundError) Error() string        { return fmt.Sprintf("SFTP session %s not found", e.id) }
func (e notFoundError) Is(target error) bool { return target == ErrSessionNotFound }

// FileEntry is one directory entry as returned to clients.
type FileEntry struct {
	Name        string `json:"name"`
	IsDir       bool   `json:"is_dir"`
	Size        int64  `json:"size"`
	Permissions string `json:"permissions,omitempty"` // octal, including file type bits
	Modified    int64  `json:"modified,omitempty"`    // unix seconds
}

// Session is one open sftp subsystem and the SSH connection carrying it.
type Session struct {
	id     string
	conn   *ssh.Conn
	client *sftp.Client

	closeOnce sync.Once
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.client.Close()
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// Manager holds the open sftp sessions of the daemon.
type Manager struct {
	client   *ssh.Client
	sessions *session.Registry[*Session]
	logger   *logging.Logger
}

func NewManager(client *ssh.Client, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		client:   client,
		sessions: session.NewRegistry[*Session](),
		logger:   logger.With("component", "sftp"),
	}
}

// ChallengeID is the terminal id carried by MFA prompts raised while
// connecting sftp session id. It never collides with a remote terminal
// opened from the same saved connection.
func ChallengeID(id string) string { return "sftp:" + id }

// Connect authenticates to profile (MFA prompts are keyed by
// ChallengeID(profile.ID)) and opens the sftp subsystem. Connecting an id
// that is already open succeeds without a new connection.
func (m *Manager) Connect(ctx context.Context, profile models.Connection) error {
	if profile.SshConfig == nil {
		return ssh.ErrConfigRequired
	}
	id := profile.ID
	cfg := *profile.SshConfig

	var created *Session
	err := m.sessions.Create(id, func() (*Session, error) {
		conn, err := m.client.Connect(ctx, ChallengeID(id), cfg)
		if err != nil {
			return nil, err
		}
		sc, err := sftp.NewClient(conn.Client())
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
		}
		created = &Session{id: id, conn: conn, client: sc}
		return created, nil
	})
	if err != nil {
		return err
	}

	if created != nil {
		m.logger.Info("sftp session opened", "connection_id", id, "host", cfg.Host)
		go m.reap(id, created)
	}
	return nil
}

// reap drops the entry when the transport goes away underneath it.
func (m *Manager) reap(id string, s *Session) {
	_ = s.conn.Wait()
	if m.sessions.RemoveIf(id, func(cur *Session) bool { return cur == s }) {
		m.logger.Info("sftp session lost", "connection_id", id)
		s.Close()
	}
}

func (m *Manager) lookup(id string) (*sftp.Client, error) {
	s, ok := m.sessions.Lookup(id)
	if !ok {
		return nil, notFoundError{id: id}
	}
	return s.client, nil
}

// ListDir lists path. An empty path lists the login directory.
func (m *Manager) ListDir(id, path string) ([]FileEntry, error) {
	c, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	infos, err := c.ReadDir(pathutil.CleanRemote(path))
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	entries := make([]FileEntry, 0, len(infos))
	for _, fi := range infos {
		entry := FileEntry{
			Name:     fi.Name(),
			IsDir:    fi.IsDir(),
			Size:     fi.Size(),
			Modified: fi.ModTime().Unix(),
		}
		if st, ok := fi.Sys().(*sftp.FileStat); ok {
			entry.Permissions = strconv.FormatUint(uint64(st.Mode), 8)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Download copies remotePath to localPath, replacing any existing file. When
// localPath is a directory the file keeps its remote name inside it.
func (m *Manager) Download(id, remotePath, localPath string) (int64, error) {
	c, err := m.lookup(id)
	if err != nil {
		return 0, err
	}

	remotePath = pathutil.CleanRemote(remotePath)
	if fi, err := os.Stat(localPath); err == nil && fi.IsDir() {
		localPath = filepath.Join(localPath, pathutil.LastPathComponent(remotePath))
	}

	src, err := c.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open remote file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("write local file: %w", err)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write local file: %w", err)
	}

	m.logger.Debug("downloaded file", "connection_id", id, "remote", remotePath, "bytes", n)
	return n, nil
}

// Upload copies localPath to remotePath, creating or truncating it. When
// remotePath is a directory the file keeps its local name inside it.
func (m *Manager) Upload(id, localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	c, err := m.lookup(id)
	if err != nil {
		return 0, err
	}

	remotePath = pathutil.CleanRemote(remotePath)
	if fi, err := c.Stat(remotePath); err == nil && fi.IsDir() {
		remotePath = pathutil.JoinRemote(remotePath, filepath.Base(localPath))
	}

	dst, err := c.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("write remote file: %w", err)
	}
	n, err := dst.ReadFrom(src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("write remote file: %w", err)
	}

	m.logger.Debug("uploaded file", "connection_id", id, "remote", remotePath, "bytes", n)
	return n, nil
}

// Remove deletes a file, or an empty directory when isDir is set.
func (m *Manager) Remove(id, path string, isDir bool) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}

	path = pathutil.CleanRemote(path)
	if isDir {
		if err := c.RemoveDirectory(path); err != nil {
			return fmt.Errorf("remove directory: %w", err)
		}
		return nil
	}
	if err := c.Remove(path); err != nil {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// CreateDir creates a single directory; the parent must exist.
func (m *Manager) CreateDir(id, path string) error {
	c, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := c.Mkdir(pathutil.CleanRemote(path)); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return nil
}

// Disconnect closes the session. Unknown ids are ignored.
func (m *Manager) Disconnect(id string) error {
	s, ok := m.sessions.Remove(id)
	if !ok {
		return nil
	}
	m.logger.Info("sftp session closed", "connection_id", id)
	return s.Close()
}

func (m *Manager) Exists(id string) bool { return m.sessions.Contains(id) }

func (m *Manager) IDs() []string { return m.sessions.IDs() }

// Shutdown closes every session.
func (m *Manager) Shutdown() { m.sessions.CloseAll() }
