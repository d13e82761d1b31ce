package ssh

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

// testServerConfig configures the in-process SSH server used by these tests.
type testServerConfig struct {
	// password is the only accepted password. Empty rejects every password.
	password string

	// authorizedKey is accepted for public key auth when set.
	authorizedKey gossh.PublicKey

	// keyboardInteractive drives keyboard-interactive auth when set.
	keyboardInteractive func(challenge gossh.KeyboardInteractiveChallenge) error

	// onShell runs once a shell is requested. Defaults to echoing input.
	onShell func(srv *testServer, ch gossh.Channel)
}

type testServer struct {
	listener net.Listener
	hostKey  gossh.PublicKey

	shells atomic.Int32

	mu            sync.Mutex
	received      bytes.Buffer
	windowChanges [][2]uint32
}

func startTestServer(t *testing.T, cfg testServerConfig) *testServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("create host signer: %v", err)
	}

	serverCfg := &gossh.ServerConfig{
		PasswordCallback: func(conn gossh.ConnMetadata, pw []byte) (*gossh.Permissions, error) {
			if cfg.password != "" && string(pw) == cfg.password {
				return &gossh.Permissions{}, nil
			}
			return nil, errors.New("password rejected")
		},
	}
	if cfg.authorizedKey != nil {
		serverCfg.PublicKeyCallback = func(conn gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if bytes.Equal(key.Marshal(), cfg.authorizedKey.Marshal()) {
				return &gossh.Permissions{}, nil
			}
			return nil, errors.New("unknown public key")
		}
	}
	if cfg.keyboardInteractive != nil {
		serverCfg.KeyboardInteractiveCallback = func(conn gossh.ConnMetadata, challenge gossh.KeyboardInteractiveChallenge) (*gossh.Permissions, error) {
			if err := cfg.keyboardInteractive(challenge); err != nil {
				return nil, err
			}
			return &gossh.Permissions{}, nil
		}
	}
	serverCfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &testServer{listener: listener, hostKey: hostSigner.PublicKey()}
	onShell := cfg.onShell
	if onShell == nil {
		onShell = echoShell
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn, serverCfg, onShell)
		}
	}()

	t.Cleanup(func() { listener.Close() })
	return srv
}

func (s *testServer) host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

func (s *testServer) port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

func (s *testServer) addr() string { return s.listener.Addr().String() }

func (s *testServer) receivedString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.String()
}

func (s *testServer) lastWindowChange() ([2]uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.windowChanges) == 0 {
		return [2]uint32{}, false
	}
	return s.windowChanges[len(s.windowChanges)-1], true
}

func (s *testServer) handleConn(netConn net.Conn, cfg *gossh.ServerConfig, onShell func(*testServer, gossh.Channel)) {
	defer netConn.Close()
	srvConn, chans, reqs, err := gossh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	defer srvConn.Close()
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
		go s.handleSession(ch, requests, onShell)
	}
}

func (s *testServer) handleSession(ch gossh.Channel, reqs <-chan *gossh.Request, onShell func(*testServer, gossh.Channel)) {
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
			s.shells.Add(1)
			go s.handleRequests(reqs)
			onShell(s, ch)
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) handleRequests(reqs <-chan *gossh.Request) {
	for req := range reqs {
		if req.Type == "window-change" && len(req.Payload) >= 8 {
			cols := binary.BigEndian.Uint32(req.Payload[0:4])
			rows := binary.BigEndian.Uint32(req.Payload[4:8])
			s.mu.Lock()
			s.windowChanges = append(s.windowChanges, [2]uint32{cols, rows})
			s.mu.Unlock()
		}
		if req.WantReply {
			req.Reply(req.Type == "window-change", nil)
		}
	}
}

// echoShell records and echoes everything the client sends.
func echoShell(s *testServer, ch gossh.Channel) {
	defer ch.Close()
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.mu.Lock()
			s.received.Write(buf[:n])
			s.mu.Unlock()
			if _, werr := ch.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// exitingShell prints a line, reports exit status 0 and closes the channel.
func exitingShell(s *testServer, ch gossh.Channel) {
	ch.Write([]byte("bye\r\n"))
	ch.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{0}))
	ch.Close()
}
