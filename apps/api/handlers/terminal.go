package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"konnect/apps/api/db"
	"konnect/apps/api/events"
	"konnect/apps/api/local"
	"konnect/apps/api/models"
	"konnect/libs/go/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// eventBuffer absorbs output bursts while a frame is being written.
	eventBuffer = 256
)

// TerminalHandler serves the command/event WebSocket. Sessions belong to the
// controller, not to the socket: closing the socket leaves them running and a
// new socket receives their events.
type TerminalHandler struct {
	commands TerminalCommands
	store    ConnectionStore
	bus      *events.Bus
	upgrader websocket.Upgrader

	// baseCtx bounds commands that outlive a single socket.
	baseCtx context.Context
}

func NewTerminalHandler(baseCtx context.Context, commands TerminalCommands, store ConnectionStore, bus *events.Bus, allowedOrigins []string) *TerminalHandler {
	return &TerminalHandler{
		commands: commands,
		store:    store,
		bus:      bus,
		baseCtx:  baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
			Subprotocols:    []string{"bearer"},
		},
	}
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and origins matching one of the glob patterns.
func originChecker(patterns []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, p := range patterns {
			if p == "*" || p == origin {
				return true
			}
			if ok, _ := path.Match(p, origin); ok {
				return true
			}
		}
		return false
	}
}

// wsConn serializes writes to a websocket.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// HandleTerminal upgrades the request and runs the command loop until the
// client goes away.
func (h *TerminalHandler) HandleTerminal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)

	responseHeader := http.Header{}
	if websocket.Subprotocols(r) != nil {
		responseHeader.Set("Sec-WebSocket-Protocol", "bearer")
	}

	conn, err := h.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		log.Error("websocket upgrade failed", "error", err)
		return
	}
	ws := &wsConn{conn: conn}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("failed to close websocket", "error", err)
		}
	}()

	sub := h.bus.Subscribe(eventBuffer)
	defer sub.Close()

	log.Info("terminal websocket connected")

	done := make(chan struct{})
	var wg sync.WaitGroup

	// Bus -> WebSocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case ev := <-sub.Events():
				if err := ws.writeJSON(ev); err != nil {
					log.Debug("websocket event write error", "error", err)
					sub.Close()
					conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Ping loop for WebSocket keepalive
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	h.readLoop(ctx, ws)

	close(done)
	sub.Close()
	wg.Wait()
	log.Info("terminal websocket closed")
}

func (h *TerminalHandler) readLoop(ctx context.Context, ws *wsConn) {
	log := logging.FromContext(ctx)
	conn := ws.conn

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Debug("failed to set read deadline", "error", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("websocket read error", "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.reply(ctx, ws, Result{Error: "Invalid command: " + err.Error()})
			continue
		}

		switch cmd.Type {
		case CmdCreateRemote, CmdTestConnection:
			// These block through connect and MFA. The submit_mfa that
			// unblocks them arrives on this same loop.
			go func(cmd Command) {
				data, err := h.dispatch(h.baseCtx, cmd)
				h.reply(ctx, ws, newResult(cmd, data, err))
			}(cmd)
		default:
			data, err := h.dispatch(ctx, cmd)
			h.reply(ctx, ws, newResult(cmd, data, err))
		}
	}
}

func newResult(cmd Command, data any, err error) Result {
	res := Result{RequestID: cmd.RequestID, Data: data}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

func (h *TerminalHandler) reply(ctx context.Context, ws *wsConn, res Result) {
	res.Type = resultType
	if err := ws.writeJSON(res); err != nil {
		logging.FromContext(ctx).Debug("websocket result write error", "request_id", res.RequestID, "error", err)
	}
}

// dispatch runs one command and returns its result payload.
func (h *TerminalHandler) dispatch(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Type {
	case CmdCreateLocal:
		return nil, h.commands.CreateLocal(local.Config{ID: cmd.ID, Shell: cmd.Shell, Cols: cmd.Cols, Rows: cmd.Rows})
	case CmdWriteLocal:
		return nil, h.commands.WriteLocal(cmd.ID, cmd.Data)
	case CmdResizeLocal:
		return nil, h.commands.ResizeLocal(cmd.ID, cmd.Rows, cmd.Cols)
	case CmdCloseLocal:
		return nil, h.commands.CloseLocal(cmd.ID)

	case CmdCreateRemote:
		profile, err := h.resolveProfile(ctx, cmd)
		if err != nil {
			return nil, err
		}
		return nil, h.commands.CreateRemote(ctx, profile, cmd.Cols, cmd.Rows)
	case CmdWriteRemote:
		return nil, h.commands.WriteRemote(ctx, cmd.ID, cmd.Data)
	case CmdResizeRemote:
		return nil, h.commands.ResizeRemote(ctx, cmd.ID, cmd.Rows, cmd.Cols)
	case CmdCloseRemote:
		return nil, h.commands.CloseRemote(cmd.ID)
	case CmdTestConnection:
		if cmd.SshConfig == nil {
			return nil, models.ErrSSHConfigRequired
		}
		version, err := h.commands.TestConnection(ctx, cmd.ID, *cmd.SshConfig)
		if err != nil {
			return nil, err
		}
		return map[string]string{"server_version": version}, nil

	case CmdSubmitMFA:
		return nil, h.commands.SubmitMFA(cmd.ID, cmd.Responses)
	case CmdCancelMFA:
		h.commands.CancelMFA(cmd.ID)
		return nil, nil

	default:
		return nil, errors.New("Unknown command: " + string(cmd.Type))
	}
}

// resolveProfile returns the inline profile, or loads the saved one. A
// non-empty cmd.ID overrides the session id so one profile can back several
// terminals.
func (h *TerminalHandler) resolveProfile(ctx context.Context, cmd Command) (models.Connection, error) {
	var profile models.Connection
	switch {
	case cmd.Connection != nil:
		profile = *cmd.Connection
	case cmd.ConnectionID != "":
		if h.store == nil {
			return profile, errors.New("Connection not found: " + cmd.ConnectionID)
		}
		stored, err := h.store.Get(ctx, cmd.ConnectionID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return profile, errors.New("Connection not found: " + cmd.ConnectionID)
			}
			return profile, errors.New("Failed to load connection: " + err.Error())
		}
		profile = stored
	default:
		return profile, models.ErrSSHConfigRequired
	}
	if cmd.ID != "" {
		profile.ID = cmd.ID
	}
	return profile, nil
}
