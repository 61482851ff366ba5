package sftpclient

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"
)

// testSSHServer is an in-process SSH server listening on a loopback TCP port.
// Every connection serves SFTP from the same in-memory filesystem.
type testSSHServer struct {
	config   *gossh.ServerConfig
	handlers sftp.Handlers
	listener net.Listener

	// rejectSubsystem makes the server refuse the sftp subsystem request.
	rejectSubsystem atomic.Bool

	mu    sync.Mutex
	conns []net.Conn

	accepted atomic.Int32
	wg       sync.WaitGroup
}

// newTestSSHServer accepts password when it is non-empty and authorizedKey
// when it is non-empty.
func newTestSSHServer(t testing.TB, password, authorizedKey string) *testSSHServer {
	t.Helper()

	hostKeyPEM, _ := generateTestRSAKey(t)
	hostKey, err := gossh.ParsePrivateKey([]byte(hostKeyPEM))
	if err != nil {
		t.Fatalf("failed to parse host key: %v", err)
	}

	var allowed gossh.PublicKey
	if authorizedKey != "" {
		allowed, _, _, _, err = gossh.ParseAuthorizedKey([]byte(authorizedKey))
		if err != nil {
			t.Fatalf("failed to parse authorized key: %v", err)
		}
	}

	config := &gossh.ServerConfig{
		PasswordCallback: func(_ gossh.ConnMetadata, pass []byte) (*gossh.Permissions, error) {
			if password != "" && string(pass) == password {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
		PublicKeyCallback: func(_ gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if allowed != nil && bytes.Equal(key.Marshal(), allowed.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("public key rejected")
		},
	}
	config.AddHostKey(hostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testSSHServer{config: config, handlers: sftp.InMemHandler(), listener: listener}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *testSSHServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// addr is the loopback address the server listens on.
func (s *testSSHServer) addr() string {
	return s.listener.Addr().String()
}

// DialContext satisfies SSHTransport.DialContext. The requested address is
// ignored so configs can use an unresolvable host name.
func (s *testSSHServer) DialContext(ctx context.Context, network, _ string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, s.addr())
}

func (s *testSSHServer) serve(conn net.Conn) {
	defer conn.Close()

	sconn, chans, reqs, err := gossh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sconn.Close()
	s.accepted.Add(1)
	go gossh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *testSSHServer) handleSession(ch gossh.Channel, requests <-chan *gossh.Request) {
	defer ch.Close()

	for req := range requests {
		ok := !s.rejectSubsystem.Load() && req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
		if req.WantReply {
			_ = req.Reply(ok, nil)
		}
		if !ok {
			continue
		}

		server := sftp.NewRequestServer(ch, s.handlers)
		_ = server.Serve()
		_ = server.Close()
		return
	}
}

func (s *testSSHServer) close() {
	_ = s.listener.Close()
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// newServerTransport returns an SSHTransport that dials s.
func newServerTransport(s *testSSHServer) *SSHTransport {
	t := NewSSHTransport()
	t.DialContext = s.DialContext
	return t
}
