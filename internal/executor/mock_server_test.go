package executor

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/dsyorkd/fleet-controller/internal/storage"
)

// mockSSHServer is a minimal SSH server with scripted exec replies and a
// real sftp subsystem backed by the local filesystem.
type mockSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig

	mu       sync.Mutex
	commands map[string]commandResponse
	executed []string
	delay    time.Duration

	handshakes int32
}

type commandResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func newMockSSHServer(t *testing.T) *mockSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	s := &mockSSHServer{commands: make(map[string]commandResponse)}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if string(pass) == "testpass" {
				atomic.AddInt32(&s.handshakes, 1)
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %s", c.User())
		},
	}
	s.config.AddHostKey(hostSigner)

	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { s.listener.Close() })

	go s.serve()
	return s
}

func (s *mockSSHServer) endpoint() Endpoint {
	addr := s.listener.Addr().(*net.TCPAddr)
	return Endpoint{Host: "127.0.0.1", Port: addr.Port, User: "fleet", CredentialsRef: "test"}
}

func (s *mockSSHServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *mockSSHServer) on(cmd string, resp commandResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[cmd] = resp
}

func (s *mockSSHServer) setDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

func (s *mockSSHServer) ran() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.executed...)
}

func (s *mockSSHServer) handshakeCount() int {
	return int(atomic.LoadInt32(&s.handshakes))
}

func (s *mockSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

func (s *mockSSHServer) handleConn(conn net.Conn) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		conn.Close()
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			nc.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *mockSSHServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			if len(req.Payload) < 4 {
				req.Reply(false, nil)
				return
			}
			n := binary.BigEndian.Uint32(req.Payload[:4])
			cmd := string(req.Payload[4 : 4+n])
			req.Reply(true, nil)

			s.mu.Lock()
			s.executed = append(s.executed, cmd)
			resp, ok := s.commands[cmd]
			delay := s.delay
			s.mu.Unlock()
			if !ok {
				resp = commandResponse{Stderr: "command not found: " + cmd, ExitCode: 127}
			}
			if delay > 0 {
				time.Sleep(delay)
			}

			ch.Write([]byte(resp.Stdout))
			ch.Stderr().Write([]byte(resp.Stderr))
			status := make([]byte, 4)
			binary.BigEndian.PutUint32(status, uint32(resp.ExitCode))
			ch.SendRequest("exit-status", false, status)
			return
		case "subsystem":
			if len(req.Payload) < 4 || string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				return
			}
			req.Reply(true, nil)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			server.Serve()
			server.Close()
			return
		case "signal":
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// staticCredentials hands out the same password credential for every ref
type staticCredentials struct {
	password string
}

func (c staticCredentials) GetCredential(ref string) (*storage.Credential, error) {
	return &storage.Credential{Username: "fleet", Password: c.password}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.CommandTimeout = 5 * time.Second
	cfg.KeepAlive = 0
	cfg.IdleTimeout = 0
	return cfg
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}
