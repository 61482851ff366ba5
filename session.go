package sftpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Transport opens authenticated sessions. Each call returns a new Session.
type Transport interface {
	Connect(ctx context.Context, config Config) (Session, error)
}

// Session is an authenticated connection to the remote host.
type Session interface {
	// OpenChannel opens a file transfer channel of the given protocol.
	OpenChannel(ctx context.Context, protocol string, timeout time.Duration) (Channel, error)
	IsConnected() bool
	// Disconnect closes the session. Closing twice is a no-op.
	Disconnect() error
}

// SSHTransport dials SSH servers with golang.org/x/crypto/ssh and opens
// SFTP channels with github.com/pkg/sftp.
type SSHTransport struct {
	// Fs is used to read private key files. Defaults to the OS filesystem.
	Fs afero.Fs

	// DialContext overrides the TCP dialer.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	// SFTPOptions are passed to sftp.NewClient for every channel.
	SFTPOptions []sftp.ClientOption
}

var _ Transport = (*SSHTransport)(nil)

// NewSSHTransport returns a transport using the OS filesystem and a plain TCP dialer.
func NewSSHTransport() *SSHTransport {
	return &SSHTransport{
		Fs:          afero.NewOsFs(),
		SFTPOptions: []sftp.ClientOption{sftp.UseConcurrentWrites(true)},
	}
}

// Connect dials config's host and completes the SSH handshake within
// config.ConnectTimeout.
func (t *SSHTransport) Connect(ctx context.Context, config Config) (Session, error) {
	config = config.WithDefaults()
	log := config.Logger
	addr := config.address()

	fs := t.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	authMethods, closers, err := buildAuthMethods(fs, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAuthenticationFailed, addr, err)
	}

	hostKeyCallback, err := buildHostKeyCallback(config)
	if err != nil {
		closeAll(log, closers)
		return nil, fmt.Errorf("%w: failed to configure host key verification: %w", ErrConnectionFailed, err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            config.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.ConnectTimeout,
	}

	log.Infof("connecting to sftp %s@%s", config.User, addr)

	dial := t.DialContext
	if dial == nil {
		dialer := &net.Dialer{Timeout: config.ConnectTimeout}
		dial = dialer.DialContext
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	conn, err := dial(dialCtx, "tcp", addr)
	if err != nil {
		closeAll(log, closers)
		return nil, classifyConnectError(addr, err)
	}

	// The handshake is not context aware; the deadline and AfterFunc bound it.
	_ = conn.SetDeadline(time.Now().Add(config.ConnectTimeout))
	stop := context.AfterFunc(dialCtx, func() { conn.Close() })
	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	stopped := stop()
	if err != nil {
		conn.Close()
		closeAll(log, closers)
		return nil, classifyConnectError(addr, err)
	}
	if !stopped {
		ncc.Close()
		closeAll(log, closers)
		return nil, classifyConnectError(addr, context.Cause(dialCtx))
	}
	_ = conn.SetDeadline(time.Time{})

	log.Infof("session connected to %s", addr)
	return &sshSession{
		client:      ssh.NewClient(ncc, chans, reqs),
		addr:        addr,
		log:         log,
		closers:     closers,
		sftpOptions: t.SFTPOptions,
	}, nil
}

// sshSession owns one *ssh.Client and any auth resources tied to it.
type sshSession struct {
	client      *ssh.Client
	addr        string
	log         Logger
	closers     []io.Closer
	sftpOptions []sftp.ClientOption

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Session = (*sshSession)(nil)

func (s *sshSession) OpenChannel(ctx context.Context, protocol string, timeout time.Duration) (Channel, error) {
	if protocol != DefaultProtocol {
		return nil, fmt.Errorf("%w: unsupported channel type %q", ErrChannelOpenFailed, protocol)
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: session to %s is closed", ErrChannelOpenFailed, s.addr)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrChannelOpenFailed, s.addr, err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	done := make(chan channelResult, 1)
	go func() {
		client, err := sftp.NewClient(s.client, s.sftpOptions...)
		done <- channelResult{client, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrChannelOpenFailed, s.addr, r.err)
		}
		s.log.Infof("channel created to %s", s.addr)
		return newSFTPChannel(&SFTPClientWrapper{client: r.client}, s), nil
	case <-timer.C:
		go closeLateClient(done)
		return nil, fmt.Errorf("%w: %s: timed out after %v", ErrChannelOpenFailed, s.addr, timeout)
	case <-ctx.Done():
		go closeLateClient(done)
		return nil, fmt.Errorf("%w: %s: %w", ErrChannelOpenFailed, s.addr, ctx.Err())
	}
}

type channelResult struct {
	client *sftp.Client
	err    error
}

// closeLateClient waits for an abandoned channel open and closes the client
// if it eventually succeeds.
func closeLateClient(done <-chan channelResult) {
	if r := <-done; r.client != nil {
		r.client.Close()
	}
}

func (s *sshSession) IsConnected() bool { return !s.closed.Load() }

func (s *sshSession) Disconnect() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err := s.client.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		for _, c := range s.closers {
			err = multierr.Append(err, c.Close())
		}
		s.closeErr = err
	})
	return s.closeErr
}

func closeAll(log Logger, closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Debugf("failed to close auth resource: %v", err)
		}
	}
}

// buildAuthMethods resolves the credential variant into SSH auth methods.
// The returned closers hold agent connections that must outlive the handshake.
func buildAuthMethods(fs afero.Fs, config Config) ([]ssh.AuthMethod, []io.Closer, error) {
	log := config.Logger
	if log == nil {
		log = nopLogger()
	}

	switch cred := config.Credential.(type) {
	case Password:
		return passwordAuth(cred.Secret), nil, nil
	case *Password:
		if cred == nil {
			return nil, nil, errors.New("no credential configured")
		}
		return passwordAuth(cred.Secret), nil, nil
	case PrivateKey:
		methods, closers := privateKeyAuth(fs, log, cred)
		return methods, closers, nil
	case *PrivateKey:
		if cred == nil {
			return nil, nil, errors.New("no credential configured")
		}
		methods, closers := privateKeyAuth(fs, log, *cred)
		return methods, closers, nil
	case nil:
		return nil, nil, errors.New("no credential configured")
	default:
		return nil, nil, fmt.Errorf("unsupported credential type %T", config.Credential)
	}
}

// passwordAuth answers both password and keyboard-interactive prompts with secret.
func passwordAuth(secret string) []ssh.AuthMethod {
	return []ssh.AuthMethod{
		ssh.Password(secret),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = secret
			}
			return answers, nil
		}),
	}
}

// privateKeyAuth registers the identity at key.Path, if any, followed by the
// SSH agent. Identity load failures are logged, not returned, so a broken key
// still leaves the agent to try.
func privateKeyAuth(fs afero.Fs, log Logger, key PrivateKey) ([]ssh.AuthMethod, []io.Closer) {
	var methods []ssh.AuthMethod
	var closers []io.Closer

	if strings.TrimSpace(key.Path) != "" {
		signer, err := loadSigner(fs, key.Path, key.Passphrase)
		if err != nil {
			log.Errorf("failed to add identity %s: %v", key.Path, err)
		} else {
			log.Debugf("added identity %s (%s)", key.Path, signer.PublicKey().Type())
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if method, conn := agentAuth(); method != nil {
		methods = append(methods, method)
		closers = append(closers, conn)
	}

	return methods, closers
}

func loadSigner(fs afero.Fs, keyPath, passphrase string) (ssh.Signer, error) {
	expanded, err := homedir.Expand(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand key path: %w", err)
	}

	keyData, err := afero.ReadFile(fs, expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to read SSH key file: %w", err)
	}

	if strings.TrimSpace(passphrase) != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH private key with passphrase: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(keyData)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, errors.New("SSH private key is encrypted and no passphrase was configured")
		}
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}
	return signer, nil
}

// agentAuth connects to the agent at SSH_AUTH_SOCK. The connection is kept
// open for the session because signing happens during the handshake.
func agentAuth() (ssh.AuthMethod, io.Closer) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil
	}

	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn
}

func buildHostKeyCallback(config Config) (ssh.HostKeyCallback, error) {
	log := config.Logger
	if log == nil {
		log = nopLogger()
	}

	switch config.HostKeyPolicy {
	case HostKeyYes, HostKeyAsk:
	case HostKeyNo, "":
		log.Warnf("SSH host key verification disabled for %s", config.address())
		return ssh.InsecureIgnoreHostKey(), nil
	default:
		return nil, fmt.Errorf("invalid host key policy %q", config.HostKeyPolicy)
	}

	knownHosts := config.KnownHostsFile
	if knownHosts == "" {
		knownHosts = "~/.ssh/known_hosts"
	}
	expandedPath, err := homedir.Expand(knownHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to expand known_hosts path %s: %w", knownHosts, err)
	}

	callback, err := knownhosts.New(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts file %s: %w", expandedPath, err)
	}
	return callback, nil
}
