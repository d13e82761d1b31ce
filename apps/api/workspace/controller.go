// Package workspace is the command surface of the daemon: every operation a
// client can invoke on local shells, remote shells, MFA challenges and file
// transfers goes through Controller, which owns the managers and turns their
// errors into the messages shown to users.
package workspace

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"konnect/apps/api/local"
	"konnect/apps/api/mfa"
	"konnect/apps/api/models"
	"konnect/apps/api/session"
	"konnect/apps/api/sftp"
	"konnect/apps/api/ssh"
	"konnect/libs/go/logging"
)

// Error is a command failure. Its message is user-facing; the cause stays
// reachable through errors.Is and errors.As.
type Error struct {
	msg string
	err error
}

func (e *Error) Error() string { return e.msg }
func (e *Error) Unwrap() error { return e.err }

func fail(err error, format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...), err: err}
}

type Controller struct {
	local  *local.Manager
	remote *ssh.Manager
	mfa    *mfa.Coordinator
	files  *sftp.Manager
	logger *logging.Logger
}

func NewController(localMgr *local.Manager, remote *ssh.Manager, coordinator *mfa.Coordinator, files *sftp.Manager, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Controller{
		local:  localMgr,
		remote: remote,
		mfa:    coordinator,
		files:  files,
		logger: logger.With("component", "controller"),
	}
}

// ============================================
// Local terminals
// ============================================

// CreateLocal starts a local shell. An id already in use succeeds untouched.
func (c *Controller) CreateLocal(cfg local.Config) error {
	if err := c.local.Create(cfg); err != nil {
		return fail(err, "Failed to create terminal: %v", err)
	}
	return nil
}

// WriteLocal sends text to a local shell. Unknown ids are ignored.
func (c *Controller) WriteLocal(id, data string) error {
	if err := c.local.Write(id, []byte(data)); err != nil {
		return fail(err, "Write failed: %v", err)
	}
	return nil
}

func (c *Controller) ResizeLocal(id string, rows, cols uint16) error {
	if err := c.local.Resize(id, rows, cols); err != nil {
		return fail(err, "Resize failed: %v", err)
	}
	return nil
}

func (c *Controller) CloseLocal(id string) error {
	return c.local.Close(id)
}

// ============================================
// Remote terminals
// ============================================

// CreateRemote authenticates to profile and opens a shell registered under
// profile.ID. It blocks through any MFA rounds.
func (c *Controller) CreateRemote(ctx context.Context, profile models.Connection, cols, rows uint16) error {
	err := c.remote.Create(ctx, profile, cols, rows)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ssh.ErrConfigRequired):
		return fail(err, "%s", ssh.ErrConfigRequired.Error())
	default:
		c.logger.Warn("remote session failed", "session_id", profile.ID, "phase", string(ssh.PhaseOf(err)), "error", err)
		return fail(err, "Failed to create SSH session: %v", err)
	}
}

func (c *Controller) WriteRemote(ctx context.Context, id, data string) error {
	err := c.remote.Write(ctx, id, []byte(data))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrNotFound):
		return fail(err, "Session %s not found", id)
	default:
		return fail(err, "Write failed: %v", err)
	}
}

// ResizeRemote is a no-op for unknown ids.
func (c *Controller) ResizeRemote(ctx context.Context, id string, rows, cols uint16) error {
	if err := c.remote.Resize(ctx, id, rows, cols); err != nil {
		return fail(err, "Resize failed: %v", err)
	}
	return nil
}

func (c *Controller) CloseRemote(id string) error {
	return c.remote.Close(id)
}

// TestConnection authenticates to cfg and disconnects, returning the server
// version. MFA prompts for the attempt are keyed by id; an empty id gets a
// generated one.
func (c *Controller) TestConnection(ctx context.Context, id string, cfg models.SshConfig) (string, error) {
	if id == "" {
		id = "test-" + uuid.NewString()
	}
	version, err := c.remote.TestConnection(ctx, id, cfg)
	if err != nil {
		return "", fail(err, "Connection test failed: %v", err)
	}
	return version, nil
}

// ============================================
// MFA
// ============================================

func (c *Controller) SubmitMFA(terminalID string, responses []string) error {
	err := c.mfa.Submit(terminalID, responses)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mfa.ErrNoPendingChallenge):
		return fail(err, "No pending MFA request for terminal: %s", terminalID)
	default:
		return fail(err, "Failed to send MFA response: %v", err)
	}
}

// CancelMFA is a no-op when nothing is pending.
func (c *Controller) CancelMFA(terminalID string) {
	c.mfa.Cancel(terminalID)
}

// ============================================
// SFTP
// ============================================

func (c *Controller) SftpConnect(ctx context.Context, profile models.Connection) error {
	if profile.SshConfig == nil {
		return fail(ssh.ErrConfigRequired, "SSH config is required for SFTP connection")
	}
	if err := c.files.Connect(ctx, profile); err != nil {
		return fail(err, "Failed to create SFTP session: %v", err)
	}
	return nil
}

func (c *Controller) SftpListDir(id, path string) ([]sftp.FileEntry, error) {
	entries, err := c.files.ListDir(id, path)
	if err != nil {
		return nil, sftpFail(err, "Failed to list directory")
	}
	return entries, nil
}

func (c *Controller) SftpDownload(id, remotePath, localPath string) error {
	if _, err := c.files.Download(id, remotePath, localPath); err != nil {
		return sftpFail(err, "Failed to download file")
	}
	return nil
}

func (c *Controller) SftpUpload(id, localPath, remotePath string) error {
	if _, err := c.files.Upload(id, localPath, remotePath); err != nil {
		return sftpFail(err, "Failed to upload file")
	}
	return nil
}

func (c *Controller) SftpRemove(id, path string, isDir bool) error {
	if err := c.files.Remove(id, path, isDir); err != nil {
		return sftpFail(err, "Failed to remove")
	}
	return nil
}

func (c *Controller) SftpCreateDir(id, path string) error {
	if err := c.files.CreateDir(id, path); err != nil {
		return sftpFail(err, "Failed to create directory")
	}
	return nil
}

func (c *Controller) SftpDisconnect(id string) error {
	return c.files.Disconnect(id)
}

// sftpFail passes "session not found" through unchanged.
func sftpFail(err error, prefix string) error {
	if errors.Is(err, sftp.ErrSessionNotFound) {
		return fail(err, "%s", err.Error())
	}
	return fail(err, "%s: %v", prefix, err)
}

// Sessions reports the ids of live sessions per kind.
func (c *Controller) Sessions() map[string][]string {
	return map[string][]string{
		"local":  c.local.IDs(),
		"remote": c.remote.IDs(),
		"sftp":   c.files.IDs(),
	}
}

// Shutdown closes every session of every kind.
func (c *Controller) Shutdown() {
	c.files.Shutdown()
	c.remote.Shutdown()
	c.local.Shutdown()
	c.logger.Info("all sessions closed")
}
