package handlers

import (
	"konnect/apps/api/models"
	"konnect/apps/api/sftp"
)

// CommandType names a WebSocket command.
type CommandType string

const (
	CmdCreateLocal    CommandType = "create_local"
	CmdWriteLocal     CommandType = "write_local"
	CmdResizeLocal    CommandType = "resize_local"
	CmdCloseLocal     CommandType = "close_local"
	CmdCreateRemote   CommandType = "create_remote"
	CmdWriteRemote    CommandType = "write_remote"
	CmdResizeRemote   CommandType = "resize_remote"
	CmdCloseRemote    CommandType = "close_remote"
	CmdSubmitMFA      CommandType = "submit_mfa"
	CmdCancelMFA      CommandType = "cancel_mfa"
	CmdTestConnection CommandType = "test_connection"
)

// Command is one client request on the WebSocket. Fields a command type
// does not use are ignored.
type Command struct {
	RequestID string      `json:"request_id"`
	Type      CommandType `json:"type"`

	// ID is the session id, or the terminal id for MFA commands.
	ID    string `json:"id,omitempty"`
	Shell string `json:"shell,omitempty"`
	Cols  uint16 `json:"cols,omitempty"`
	Rows  uint16 `json:"rows,omitempty"`
	Data  string `json:"data,omitempty"`

	// create_remote takes either an inline profile or a saved profile id.
	Connection   *models.Connection `json:"connection,omitempty"`
	ConnectionID string             `json:"connection_id,omitempty"`

	SshConfig *models.SshConfig `json:"ssh_config,omitempty"`
	Responses []string          `json:"responses,omitempty"`
}

// Result answers exactly one Command.
type Result struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

const resultType = "result"

// ConnectionRequest is the body of POST and PUT /connections.
type ConnectionRequest struct {
	Name           string                `json:"name"`
	ConnectionType models.ConnectionType `json:"connection_type"`
	SshConfig      *models.SshConfig     `json:"ssh_config,omitempty"`
}

type ConnectionListResponse struct {
	Connections []models.Connection `json:"connections"`
}

type DirListingResponse struct {
	Path    string           `json:"path"`
	Entries []sftp.FileEntry `json:"entries"`
}

type TransferRequest struct {
	RemotePath string `json:"remote_path"`
	LocalPath  string `json:"local_path"`
}

type MkdirRequest struct {
	Path string `json:"path"`
}
