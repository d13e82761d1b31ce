package handlers

import (
	"context"

	"konnect/apps/api/local"
	"konnect/apps/api/models"
	"konnect/apps/api/sftp"
)

// ConnectionStore is the profile persistence used by the REST and
// WebSocket handlers. Implemented by db.FileStore and db.PostgresStore.
type ConnectionStore interface {
	List(ctx context.Context) ([]models.Connection, error)
	Get(ctx context.Context, id string) (models.Connection, error)
	Add(ctx context.Context, conn models.Connection) error
	Update(ctx context.Context, conn models.Connection) error
	Remove(ctx context.Context, id string) error
}

// TerminalCommands is the session command surface. Implemented by
// workspace.Controller.
type TerminalCommands interface {
	CreateLocal(cfg local.Config) error
	WriteLocal(id, data string) error
	ResizeLocal(id string, rows, cols uint16) error
	CloseLocal(id string) error

	CreateRemote(ctx context.Context, profile models.Connection, cols, rows uint16) error
	WriteRemote(ctx context.Context, id, data string) error
	ResizeRemote(ctx context.Context, id string, rows, cols uint16) error
	CloseRemote(id string) error
	TestConnection(ctx context.Context, id string, cfg models.SshConfig) (string, error)

	SubmitMFA(terminalID string, responses []string) error
	CancelMFA(terminalID string)
}

// FileCommands is the sftp command surface. Implemented by
// workspace.Controller.
type FileCommands interface {
	SftpConnect(ctx context.Context, profile models.Connection) error
	SftpListDir(id, path string) ([]sftp.FileEntry, error)
	SftpDownload(id, remotePath, localPath string) error
	SftpUpload(id, localPath, remotePath string) error
	SftpRemove(id, path string, isDir bool) error
	SftpCreateDir(id, path string) error
	SftpDisconnect(id string) error
}

// SessionLister reports live session ids per kind.
type SessionLister interface {
	Sessions() map[string][]string
}
