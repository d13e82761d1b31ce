package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"konnect/apps/api/db"
	"konnect/apps/api/events"
	"konnect/apps/api/local"
	"konnect/apps/api/models"
)

type fakeCommands struct {
	bus *events.Bus

	mu       sync.Mutex
	locals   []local.Config
	writes   []string
	profiles []models.Connection

	// mfa hands responses to a CreateRemote blocked in its challenge.
	mfa chan []string
}

func newFakeCommands(bus *events.Bus) *fakeCommands {
	return &fakeCommands{bus: bus, mfa: make(chan []string)}
}

func (f *fakeCommands) CreateLocal(cfg local.Config) error {
	f.mu.Lock()
	f.locals = append(f.locals, cfg)
	f.mu.Unlock()
	f.bus.Emit(events.Output(cfg.ID, "$ "))
	return nil
}

func (f *fakeCommands) WriteLocal(id, data string) error {
	f.mu.Lock()
	f.writes = append(f.writes, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeCommands) ResizeLocal(id string, rows, cols uint16) error { return nil }
func (f *fakeCommands) CloseLocal(id string) error                     { return nil }

func (f *fakeCommands) CreateRemote(ctx context.Context, profile models.Connection, cols, rows uint16) error {
	f.mu.Lock()
	f.profiles = append(f.profiles, profile)
	f.mu.Unlock()
	if profile.SshConfig == nil {
		return errors.New("SshConfig required")
	}
	select {
	case responses := <-f.mfa:
		if len(responses) == 0 || responses[0] != "123456" {
			return errors.New("Failed to create SSH session: MFA authentication error: bad code")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeCommands) WriteRemote(ctx context.Context, id, data string) error {
	return errors.New("Session " + id + " not found")
}

func (f *fakeCommands) ResizeRemote(ctx context.Context, id string, rows, cols uint16) error {
	return nil
}

func (f *fakeCommands) CloseRemote(id string) error { return nil }

func (f *fakeCommands) TestConnection(ctx context.Context, id string, cfg models.SshConfig) (string, error) {
	return "SSH-2.0-Test", nil
}

func (f *fakeCommands) SubmitMFA(terminalID string, responses []string) error {
	select {
	case f.mfa <- responses:
		return nil
	case <-time.After(time.Second):
		return errors.New("No pending MFA request for terminal: " + terminalID)
	}
}

func (f *fakeCommands) CancelMFA(terminalID string) {}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn

	// held keeps frames read while looking for another one.
	held []map[string]any
}

func dialTerminal(t *testing.T, h *TerminalHandler) *wsClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleTerminal))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(cmd map[string]any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(cmd))
}

// next returns the first frame satisfying match, checking frames held from
// earlier calls before reading new ones. Non-matching frames are held.
func (c *wsClient) next(match func(map[string]any) bool) map[string]any {
	c.t.Helper()
	for i, msg := range c.held {
		if match(msg) {
			c.held = append(c.held[:i], c.held[i+1:]...)
			return msg
		}
	}

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var msg map[string]any
		require.NoError(c.t, c.conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
		c.held = append(c.held, msg)
	}
}

func (c *wsClient) result(requestID string) map[string]any {
	return c.next(func(m map[string]any) bool {
		return m["type"] == "result" && m["request_id"] == requestID
	})
}

func TestTerminalHandler_LocalCommands(t *testing.T) {
	bus := events.NewBus()
	cmds := newFakeCommands(bus)
	client := dialTerminal(t, NewTerminalHandler(context.Background(), cmds, nil, bus, nil))

	client.send(map[string]any{"request_id": "1", "type": "create_local", "id": "term-1", "cols": 100, "rows": 30})

	var gotResult, gotOutput bool
	client.next(func(m map[string]any) bool {
		switch {
		case m["type"] == "result" && m["request_id"] == "1":
			assert.Nil(t, m["error"])
			gotResult = true
		case m["type"] == "output" && m["session_id"] == "term-1":
			assert.Equal(t, "$ ", m["data"])
			gotOutput = true
		}
		return gotResult && gotOutput
	})

	client.send(map[string]any{"request_id": "2", "type": "write_local", "id": "term-1", "data": "ls\n"})
	res := client.result("2")
	assert.Nil(t, res["error"])

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	require.Len(t, cmds.locals, 1)
	assert.Equal(t, local.Config{ID: "term-1", Cols: 100, Rows: 30}, cmds.locals[0])
	assert.Equal(t, []string{"ls\n"}, cmds.writes)
}

func TestTerminalHandler_Errors(t *testing.T) {
	bus := events.NewBus()
	client := dialTerminal(t, NewTerminalHandler(context.Background(), newFakeCommands(bus), nil, bus, nil))

	client.send(map[string]any{"request_id": "a", "type": "bogus"})
	assert.Equal(t, "Unknown command: bogus", client.result("a")["error"])

	client.send(map[string]any{"request_id": "b", "type": "write_remote", "id": "missing", "data": "x"})
	assert.Equal(t, "Session missing not found", client.result("b")["error"])

	client.send(map[string]any{"request_id": "c", "type": "submit_mfa", "id": "nobody", "responses": []string{"1"}})
	assert.Equal(t, "No pending MFA request for terminal: nobody", client.result("c")["error"])

	client.send(map[string]any{"request_id": "d", "type": "test_connection"})
	assert.Equal(t, "SshConfig required", client.result("d")["error"])
}

func TestTerminalHandler_TestConnectionReturnsVersion(t *testing.T) {
	bus := events.NewBus()
	client := dialTerminal(t, NewTerminalHandler(context.Background(), newFakeCommands(bus), nil, bus, nil))

	client.send(map[string]any{
		"request_id": "t",
		"type":       "test_connection",
		"ssh_config": map[string]any{"host": "example.com", "username": "u", "auth": map[string]any{"kind": "password"}},
	})
	res := client.result("t")
	assert.Nil(t, res["error"])
	assert.Equal(t, map[string]any{"server_version": "SSH-2.0-Test"}, res["data"])
}

func TestTerminalHandler_MFASubmittedWhileCreateBlocks(t *testing.T) {
	bus := events.NewBus()
	cmds := newFakeCommands(bus)

	store := db.NewFileStore(t.TempDir(), nil)
	saved := models.NewSSHConnection("prod", models.SshConfig{
		Host: "example.com", Username: "u", Auth: models.PasswordCredential("pw"),
	})
	require.NoError(t, store.Add(context.Background(), saved))

	client := dialTerminal(t, NewTerminalHandler(context.Background(), cmds, store, bus, nil))

	client.send(map[string]any{"request_id": "create", "type": "create_remote", "id": "term-9", "connection_id": saved.ID})
	client.send(map[string]any{"request_id": "mfa", "type": "submit_mfa", "id": "term-9", "responses": []string{"123456"}})

	assert.Nil(t, client.result("mfa")["error"])
	assert.Nil(t, client.result("create")["error"])

	cmds.mu.Lock()
	defer cmds.mu.Unlock()
	require.Len(t, cmds.profiles, 1)
	assert.Equal(t, "term-9", cmds.profiles[0].ID)
	assert.Equal(t, "example.com", cmds.profiles[0].SshConfig.Host)
	assert.Equal(t, "pw", cmds.profiles[0].SshConfig.Auth.Password)
}

func TestTerminalHandler_UnknownSavedConnection(t *testing.T) {
	bus := events.NewBus()
	store := db.NewFileStore(t.TempDir(), nil)
	client := dialTerminal(t, NewTerminalHandler(context.Background(), newFakeCommands(bus), store, bus, nil))

	client.send(map[string]any{"request_id": "r", "type": "create_remote", "connection_id": "nope"})
	assert.Equal(t, "Connection not found: nope", client.result("r")["error"])
}

func TestTerminalHandler_UnsubscribesOnClose(t *testing.T) {
	bus := events.NewBus()
	client := dialTerminal(t, NewTerminalHandler(context.Background(), newFakeCommands(bus), nil, bus, nil))

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	client.conn.Close()
	require.Eventually(t, func() bool { return bus.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:*", "https://app.example.com"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"https://app.example.com", true},
		{"https://evil.example.com", false},
		{"http://127.0.0.1:3000", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, check(r))
		})
	}
}
