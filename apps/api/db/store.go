// Package db persists saved connection profiles.
package db

import (
	"context"
	"errors"
	"fmt"

	"konnect/apps/api/crypto"
	"konnect/apps/api/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("connection already exists")
)

// Store is implemented by FileStore and PostgresStore.
type Store interface {
	List(ctx context.Context) ([]models.Connection, error)
	Get(ctx context.Context, id string) (models.Connection, error)
	Add(ctx context.Context, conn models.Connection) error
	// Update replaces the profile with the same id. Unknown ids are ignored.
	Update(ctx context.Context, conn models.Connection) error
	Remove(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// sealSecrets encrypts the credential secrets of conn when enc is set.
func sealSecrets(enc *crypto.Encryptor, conn models.Connection) (models.Connection, error) {
	return mapSecrets(conn, func(v string) (string, error) {
		if enc == nil {
			return v, nil
		}
		return enc.Seal(v, conn.ID)
	})
}

// openSecrets reverses sealSecrets. A sealed value with no encryptor
// configured is an error rather than being handed to an SSH server.
func openSecrets(enc *crypto.Encryptor, conn models.Connection) (models.Connection, error) {
	return mapSecrets(conn, func(v string) (string, error) {
		if enc == nil {
			if crypto.IsSealed(v) {
				return "", fmt.Errorf("connection %s: %w", conn.ID, crypto.ErrMasterKeyNotSet)
			}
			return v, nil
		}
		return enc.Open(v, conn.ID)
	})
}

func mapSecrets(conn models.Connection, fn func(string) (string, error)) (models.Connection, error) {
	if conn.SshConfig == nil {
		return conn, nil
	}
	cfg := *conn.SshConfig
	var err error
	if cfg.Auth.Password, err = fn(cfg.Auth.Password); err != nil {
		return conn, err
	}
	if cfg.Auth.Passphrase, err = fn(cfg.Auth.Passphrase); err != nil {
		return conn, err
	}
	conn.SshConfig = &cfg
	return conn, nil
}
