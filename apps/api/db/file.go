package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"

	"konnect/apps/api/crypto"
	"konnect/apps/api/models"
)

const (
	// FileName is the profile file inside the config directory.
	FileName = "connections.toml"

	lockRetryDelay = 25 * time.Millisecond
)

type connectionsFile struct {
	Connections []models.Connection `toml:"connections"`
}

// FileStore keeps profiles in a TOML file. Every mutation is a
// read-modify-write under an advisory lock on a sibling .lock file, so two
// daemons sharing a config directory do not lose each other's edits.
type FileStore struct {
	path    string
	lock    *flock.Flock
	secrets *crypto.Encryptor

	// mu serializes callers within this process; flock covers other processes.
	mu sync.Mutex
}

// NewFileStore stores profiles in dir/connections.toml. secrets may be nil.
func NewFileStore(dir string, secrets *crypto.Encryptor) *FileStore {
	path := filepath.Join(dir, FileName)
	return &FileStore{
		path:    path,
		lock:    flock.New(path + ".lock"),
		secrets: secrets,
	}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) List(ctx context.Context) ([]models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDir(); err != nil {
		return nil, err
	}
	if _, err := s.lock.TryRLockContext(ctx, lockRetryDelay); err != nil {
		return nil, fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer s.lock.Unlock()

	conns, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]models.Connection, 0, len(conns))
	for _, c := range conns {
		opened, err := openSecrets(s.secrets, c)
		if err != nil {
			return nil, err
		}
		out = append(out, opened)
	}
	return out, nil
}

func (s *FileStore) Get(ctx context.Context, id string) (models.Connection, error) {
	conns, err := s.List(ctx)
	if err != nil {
		return models.Connection{}, err
	}
	for _, c := range conns {
		if c.ID == id {
			return c, nil
		}
	}
	return models.Connection{}, ErrNotFound
}

func (s *FileStore) Add(ctx context.Context, conn models.Connection) error {
	sealed, err := sealSecrets(s.secrets, conn)
	if err != nil {
		return fmt.Errorf("seal secrets: %w", err)
	}
	return s.mutate(ctx, func(conns []models.Connection) ([]models.Connection, error) {
		for _, c := range conns {
			if c.ID == conn.ID {
				return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, conn.ID)
			}
		}
		return append(conns, sealed), nil
	})
}

func (s *FileStore) Update(ctx context.Context, conn models.Connection) error {
	sealed, err := sealSecrets(s.secrets, conn)
	if err != nil {
		return fmt.Errorf("seal secrets: %w", err)
	}
	return s.mutate(ctx, func(conns []models.Connection) ([]models.Connection, error) {
		for i, c := range conns {
			if c.ID == conn.ID {
				conns[i] = sealed
				break
			}
		}
		return conns, nil
	})
}

func (s *FileStore) Remove(ctx context.Context, id string) error {
	return s.mutate(ctx, func(conns []models.Connection) ([]models.Connection, error) {
		for i, c := range conns {
			if c.ID == id {
				return append(conns[:i], conns[i+1:]...), nil
			}
		}
		return nil, ErrNotFound
	})
}

// Ping checks that the config directory exists and is writable.
func (s *FileStore) Ping(ctx context.Context) error {
	if err := s.ensureDir(); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(s.path), ".ping-*")
	if err != nil {
		return fmt.Errorf("config dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (s *FileStore) mutate(ctx context.Context, fn func([]models.Connection) ([]models.Connection, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureDir(); err != nil {
		return err
	}
	if _, err := s.lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer s.lock.Unlock()

	conns, err := s.load()
	if err != nil {
		return err
	}
	conns, err = fn(conns)
	if err != nil {
		return err
	}
	return s.save(conns)
}

func (s *FileStore) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return nil
}

// load returns an empty list when the file does not exist yet.
func (s *FileStore) load() ([]models.Connection, error) {
	var decoded connectionsFile
	if _, err := toml.DecodeFile(s.path, &decoded); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []models.Connection{}, nil
		}
		return nil, fmt.Errorf("decode %q: %w", s.path, err)
	}
	if decoded.Connections == nil {
		decoded.Connections = []models.Connection{}
	}
	return decoded.Connections, nil
}

// save writes through a temp file in the same directory and renames it over
// the original, so readers never observe a partial file.
func (s *FileStore) save(conns []models.Connection) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+FileName+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := toml.NewEncoder(tmp).Encode(connectionsFile{Connections: conns}); err != nil {
		tmp.Close()
		return fmt.Errorf("encode connections: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace %q: %w", s.path, err)
	}
	return nil
}
