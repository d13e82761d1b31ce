package sftp

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"konnect/apps/api/events"
	"konnect/apps/api/events/eventstest"
	"konnect/apps/api/mfa"
	"konnect/apps/api/models"
	"konnect/apps/api/ssh"
)

// startSFTPServer serves the local filesystem over the sftp subsystem on
// 127.0.0.1. When kiCode is set, password auth is rejected and a single
// keyboard-interactive prompt must be answered with kiCode.
func startSFTPServer(t *testing.T, password, kiCode string) (host string, port int) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &gossh.ServerConfig{
		PasswordCallback: func(_ gossh.ConnMetadata, pw []byte) (*gossh.Permissions, error) {
			if kiCode == "" && string(pw) == password {
				return &gossh.Permissions{}, nil
			}
			return nil, errors.New("password rejected")
		},
	}
	if kiCode != "" {
		cfg.KeyboardInteractiveCallback = func(_ gossh.ConnMetadata, challenge gossh.KeyboardInteractiveChallenge) (*gossh.Permissions, error) {
			answers, err := challenge("", "", []string{"Verification code: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) != 1 || answers[0] != kiCode {
				return nil, errors.New("bad code")
			}
			return &gossh.Permissions{}, nil
		}
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			nc, err := listener.Accept()
			if err != nil {
				return
			}
			go serveSFTPConn(nc, cfg)
		}
	}()

	h, p, _ := net.SplitHostPort(listener.Addr().String())
	port, _ = strconv.Atoi(p)
	return h, port
}

func serveSFTPConn(nc net.Conn, cfg *gossh.ServerConfig) {
	defer nc.Close()
	sc, chans, reqs, err := gossh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	defer sc.Close()
	go gossh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(gossh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				req.Reply(ok, nil)
				if !ok {
					continue
				}
				server, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				_ = server.Serve()
				server.Close()
				return
			}
		}()
	}
}

func profile(host string, port int, password string) models.Connection {
	return models.Connection{
		ID:             "files-1",
		Name:           "files",
		ConnectionType: models.ConnectionSSH,
		SshConfig: &models.SshConfig{
			Host:     host,
			Port:     port,
			Username: "u",
			Auth:     models.PasswordCredential(password),
		},
	}
}

func newTestManager(t *testing.T, responder ssh.Responder) *Manager {
	t.Helper()
	m := NewManager(ssh.NewClient(responder, nil), nil)
	t.Cleanup(m.Shutdown)
	return m
}

func TestManager_FileOperations(t *testing.T) {
	host, port := startSFTPServer(t, "secret", "")
	m := newTestManager(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, m.Connect(ctx, profile(host, port, "secret")))
	require.True(t, m.Exists("files-1"))
	// Connecting again reuses the session.
	require.NoError(t, m.Connect(ctx, profile(host, port, "secret")))

	remote := t.TempDir()
	local := t.TempDir()

	require.NoError(t, m.CreateDir("files-1", filepath.Join(remote, "sub")))

	src := filepath.Join(local, "up.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello sftp"), 0o644))
	n, err := m.Upload("files-1", src, filepath.Join(remote, "sub", "up.txt"))
	require.NoError(t, err)
	assert.EqualValues(t, len("hello sftp"), n)

	entries, err := m.ListDir("files-1", remote)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sub", entries[0].Name)
	assert.True(t, entries[0].IsDir)
	assert.NotEmpty(t, entries[0].Permissions)
	assert.NotZero(t, entries[0].Modified)

	entries, err = m.ListDir("files-1", filepath.Join(remote, "sub"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "up.txt", entries[0].Name)
	assert.False(t, entries[0].IsDir)
	assert.EqualValues(t, len("hello sftp"), entries[0].Size)

	dst := filepath.Join(local, "down.txt")
	_, err = m.Download("files-1", filepath.Join(remote, "sub", "up.txt"), dst)
	require.NoError(t, err)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello sftp", string(got))

	// Directory targets keep the file name on both sides.
	intoDir := t.TempDir()
	_, err = m.Download("files-1", filepath.Join(remote, "sub", "up.txt"), intoDir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(intoDir, "up.txt"))

	_, err = m.Upload("files-1", dst, filepath.Join(remote, "sub"))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(remote, "sub", "down.txt"))
	require.NoError(t, m.Remove("files-1", filepath.Join(remote, "sub", "down.txt"), false))

	// A non-empty directory is not removed.
	assert.Error(t, m.Remove("files-1", filepath.Join(remote, "sub"), true))

	require.NoError(t, m.Remove("files-1", filepath.Join(remote, "sub", "up.txt"), false))
	require.NoError(t, m.Remove("files-1", filepath.Join(remote, "sub"), true))

	entries, err = m.ListDir("files-1", remote)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.NoError(t, m.Disconnect("files-1"))
	assert.False(t, m.Exists("files-1"))
}

func TestManager_UnknownSession(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.ListDir("nope", "/")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, "SFTP session nope not found", err.Error())

	assert.ErrorIs(t, m.CreateDir("nope", "/x"), ErrSessionNotFound)
	assert.NoError(t, m.Disconnect("nope"))
}

func TestManager_ConnectRequiresSSHConfig(t *testing.T) {
	m := newTestManager(t, nil)
	err := m.Connect(context.Background(), models.NewLocalConnection("laptop"))
	assert.ErrorIs(t, err, ssh.ErrConfigRequired)
}

func TestManager_ConnectWithMFA(t *testing.T) {
	host, port := startSFTPServer(t, "", "246810")
	rec := eventstest.NewRecorder()
	coord := mfa.NewCoordinator(rec, nil)
	m := newTestManager(t, coord)

	errc := make(chan error, 1)
	go func() {
		errc <- m.Connect(context.Background(), profile(host, port, "wrong"))
	}()

	require.True(t, rec.WaitForType(events.TypeMfaPrompt, ChallengeID("files-1"), 5*time.Second))
	require.NoError(t, coord.Submit(ChallengeID("files-1"), []string{"246810"}))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after MFA was answered")
	}
	assert.True(t, m.Exists("files-1"))
}

func TestManager_ConnectMFADoesNotCollideWithTerminal(t *testing.T) {
	host, port := startSFTPServer(t, "", "246810")
	rec := eventstest.NewRecorder()
	coord := mfa.NewCoordinator(rec, nil)
	m := newTestManager(t, coord)
	terminals := ssh.NewClient(coord, nil)

	p := profile(host, port, "wrong")
	sftpErr := make(chan error, 1)
	go func() {
		sftpErr <- m.Connect(context.Background(), p)
	}()
	require.True(t, rec.WaitForType(events.TypeMfaPrompt, ChallengeID(p.ID), 5*time.Second))

	// A remote terminal opened from the same saved connection uses the bare id.
	termErr := make(chan error, 1)
	go func() {
		conn, err := terminals.Connect(context.Background(), p.ID, *p.SshConfig)
		if err == nil {
			conn.Close()
		}
		termErr <- err
	}()
	require.True(t, rec.WaitForType(events.TypeMfaPrompt, p.ID, 5*time.Second))
	assert.True(t, coord.Pending(ChallengeID(p.ID)), "sftp prompt must still be waiting")

	require.NoError(t, coord.Submit(p.ID, []string{"246810"}))
	require.NoError(t, coord.Submit(ChallengeID(p.ID), []string{"246810"}))

	for name, errc := range map[string]chan error{"terminal": termErr, "sftp": sftpErr} {
		select {
		case err := <-errc:
			require.NoError(t, err, name)
		case <-time.After(5 * time.Second):
			t.Fatalf("%s login did not finish", name)
		}
	}
	assert.True(t, m.Exists(p.ID))
}

func TestManager_ConnectFailureRegistersNothing(t *testing.T) {
	host, port := startSFTPServer(t, "secret", "")
	m := newTestManager(t, nil)

	err := m.Connect(context.Background(), profile(host, port, "wrong"))
	require.Error(t, err)
	assert.Equal(t, ssh.PhaseAuth, ssh.PhaseOf(err))
	assert.False(t, m.Exists("files-1"))
}
