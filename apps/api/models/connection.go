// Package models holds the connection profile types shared by the store, the
// session managers and the transport.
package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const DefaultSSHPort = 22

var (
	ErrSSHConfigRequired = errors.New("SshConfig required")
	ErrInvalidCredential = errors.New("invalid credential")
)

type ConnectionType string

const (
	ConnectionLocal ConnectionType = "local"
	ConnectionSSH   ConnectionType = "ssh"
)

type AuthKind string

const (
	AuthPassword  AuthKind = "password"
	AuthPublicKey AuthKind = "public_key"
)

// Credential is the primary SSH credential. Exactly one variant is populated,
// selected by Kind.
type Credential struct {
	Kind           AuthKind `json:"kind" toml:"kind"`
	Password       string   `json:"password,omitempty" toml:"password,omitempty"`
	PrivateKeyPath string   `json:"private_key_path,omitempty" toml:"private_key_path,omitempty"`
	Passphrase     string   `json:"passphrase,omitempty" toml:"passphrase,omitempty"`
}

func PasswordCredential(password string) Credential {
	return Credential{Kind: AuthPassword, Password: password}
}

func PublicKeyCredential(path, passphrase string) Credential {
	return Credential{Kind: AuthPublicKey, PrivateKeyPath: path, Passphrase: passphrase}
}

func (c Credential) Validate() error {
	switch c.Kind {
	case AuthPassword:
		return nil
	case AuthPublicKey:
		if strings.TrimSpace(c.PrivateKeyPath) == "" {
			return fmt.Errorf("%w: private_key_path is required", ErrInvalidCredential)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCredential, c.Kind)
	}
}

// Redacted returns a copy with secrets blanked, for API responses.
func (c Credential) Redacted() Credential {
	out := c
	if out.Password != "" {
		out.Password = "********"
	}
	if out.Passphrase != "" {
		out.Passphrase = "********"
	}
	return out
}

type SshConfig struct {
	Host     string     `json:"host" toml:"host"`
	Port     int        `json:"port" toml:"port"`
	Username string     `json:"username" toml:"username"`
	Auth     Credential `json:"auth" toml:"auth"`
}

// PortOrDefault returns Port, or 22 when unset.
func (c SshConfig) PortOrDefault() int {
	if c.Port <= 0 {
		return DefaultSSHPort
	}
	return c.Port
}

func (c SshConfig) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("host is required")
	}
	if strings.TrimSpace(c.Username) == "" {
		return errors.New("username is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return c.Auth.Validate()
}

// Connection is a saved connection profile.
type Connection struct {
	ID             string         `json:"id" toml:"id"`
	Name           string         `json:"name" toml:"name"`
	ConnectionType ConnectionType `json:"connection_type" toml:"connection_type"`
	SshConfig      *SshConfig     `json:"ssh_config,omitempty" toml:"ssh_config,omitempty"`
}

func NewLocalConnection(name string) Connection {
	return Connection{
		ID:             uuid.NewString(),
		Name:           name,
		ConnectionType: ConnectionLocal,
	}
}

func NewSSHConnection(name string, cfg SshConfig) Connection {
	return Connection{
		ID:             uuid.NewString(),
		Name:           name,
		ConnectionType: ConnectionSSH,
		SshConfig:      &cfg,
	}
}

func (c Connection) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("name is required")
	}
	switch c.ConnectionType {
	case ConnectionLocal:
		return nil
	case ConnectionSSH:
		if c.SshConfig == nil {
			return ErrSSHConfigRequired
		}
		return c.SshConfig.Validate()
	default:
		return fmt.Errorf("unknown connection type %q", c.ConnectionType)
	}
}

// Redacted returns a copy safe to send to clients.
func (c Connection) Redacted() Connection {
	out := c
	if c.SshConfig != nil {
		cfg := *c.SshConfig
		cfg.Auth = cfg.Auth.Redacted()
		out.SshConfig = &cfg
	}
	return out
}
