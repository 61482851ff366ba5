package sftpclient

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/sftp"
	"go.uber.org/multierr"
)

var (
	errChannelClosed = errors.New("channel is closed")
	errNotDirectory  = errors.New("not a directory")
	errIsDirectory   = errors.New("is a directory")
)

// Channel is a file transfer channel bound to exactly one Session.
// Relative paths are resolved against the channel's working directory.
type Channel interface {
	// Cd changes the working directory. It fails when dir is missing or not a directory.
	Cd(dir string) error
	// Mkdir creates a single directory.
	Mkdir(dir string) error
	// Remove deletes a regular file.
	Remove(path string) error
	// Ls lists the entries of a directory.
	Ls(dir string) ([]RemoteEntry, error)
	// Get opens a remote file for reading.
	Get(path string) (io.ReadCloser, error)
	// Put streams r into a remote file, truncating it if it exists.
	Put(r io.Reader, path string) error
	// Pwd returns the current working directory.
	Pwd() string
	IsConnected() bool
	IsClosed() bool
	// Session returns the owning session, which may be nil.
	Session() Session
	// Disconnect closes the channel. Closing twice is a no-op.
	Disconnect() error
}

// SFTPClientInterface abstracts SFTP operations for testing.
type SFTPClientInterface interface {
	Open(path string) (SFTPFile, error)
	Create(path string) (SFTPFile, error)
	Remove(path string) error
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	ReadDir(path string) ([]os.FileInfo, error)
	Getwd() (string, error)
	Close() error
}

// SFTPFile abstracts file operations for testing.
type SFTPFile interface {
	io.Reader
	io.Writer
	io.Closer
}

// SFTPClientWrapper wraps the real sftp.Client to implement SFTPClientInterface.
type SFTPClientWrapper struct {
	client *sftp.Client
}

var _ SFTPClientInterface = (*SFTPClientWrapper)(nil)

func (w *SFTPClientWrapper) Open(path string) (SFTPFile, error)         { return w.client.Open(path) }
func (w *SFTPClientWrapper) Create(path string) (SFTPFile, error)       { return w.client.Create(path) }
func (w *SFTPClientWrapper) Remove(path string) error                   { return w.client.Remove(path) }
func (w *SFTPClientWrapper) Stat(path string) (os.FileInfo, error)      { return w.client.Stat(path) }
func (w *SFTPClientWrapper) Mkdir(path string) error                    { return w.client.Mkdir(path) }
func (w *SFTPClientWrapper) ReadDir(path string) ([]os.FileInfo, error) { return w.client.ReadDir(path) }
func (w *SFTPClientWrapper) Getwd() (string, error)                     { return w.client.Getwd() }
func (w *SFTPClientWrapper) Close() error                               { return w.client.Close() }

// sftpChannel emulates a working directory on top of SFTP, which has none:
// every path is made absolute before it reaches the server.
type sftpChannel struct {
	client  SFTPClientInterface
	session Session
	home    string
	cwd     string

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Channel = (*sftpChannel)(nil)

// NewChannelWithSFTP creates a Channel over a custom SFTP client implementation.
// The working directory starts at the client's login directory.
func NewChannelWithSFTP(client SFTPClientInterface, session Session) Channel {
	return newSFTPChannel(client, session)
}

func newSFTPChannel(client SFTPClientInterface, session Session) *sftpChannel {
	// An empty home leaves relative paths to the server's own resolution.
	home, err := client.Getwd()
	if err != nil {
		home = ""
	}
	return &sftpChannel{
		client:  client,
		session: session,
		home:    home,
		cwd:     home,
	}
}

// resolve maps p onto an absolute remote path.
func (c *sftpChannel) resolve(p string) string {
	switch {
	case p == "~":
		return path.Join(c.home, ".")
	case strings.HasPrefix(p, "~/"):
		return path.Join(c.home, p[2:])
	case path.IsAbs(p):
		return path.Clean(p)
	default:
		return path.Join(c.cwd, p)
	}
}

func (c *sftpChannel) Cd(dir string) error {
	if c.closed.Load() {
		return errChannelClosed
	}
	target := c.resolve(dir)
	info, err := c.client.Stat(target)
	if err != nil {
		return fmt.Errorf("cd %s: %w", target, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cd %s: %w", target, errNotDirectory)
	}
	c.cwd = target
	return nil
}

func (c *sftpChannel) Mkdir(dir string) error {
	if c.closed.Load() {
		return errChannelClosed
	}
	target := c.resolve(dir)
	if err := c.client.Mkdir(target); err != nil {
		return fmt.Errorf("mkdir %s: %w", target, err)
	}
	return nil
}

func (c *sftpChannel) Remove(p string) error {
	if c.closed.Load() {
		return errChannelClosed
	}
	target := c.resolve(p)
	info, err := c.client.Stat(target)
	if err != nil {
		return fmt.Errorf("rm %s: %w", target, err)
	}
	if info.IsDir() {
		return fmt.Errorf("rm %s: %w", target, errIsDirectory)
	}
	if err := c.client.Remove(target); err != nil {
		return fmt.Errorf("rm %s: %w", target, err)
	}
	return nil
}

func (c *sftpChannel) Ls(dir string) ([]RemoteEntry, error) {
	if c.closed.Load() {
		return nil, errChannelClosed
	}
	target := c.resolve(dir)
	infos, err := c.client.ReadDir(target)
	if err != nil {
		return nil, fmt.Errorf("ls %s: %w", target, err)
	}

	entries := make([]RemoteEntry, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if name == "." || name == ".." {
			continue
		}
		entries = append(entries, RemoteEntry{
			Name:    name,
			Path:    path.Join(dir, name),
			Size:    info.Size(),
			Mode:    info.Mode(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
	}
	return entries, nil
}

func (c *sftpChannel) Get(p string) (io.ReadCloser, error) {
	if c.closed.Load() {
		return nil, errChannelClosed
	}
	target := c.resolve(p)
	file, err := c.client.Open(target)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", target, err)
	}
	return file, nil
}

func (c *sftpChannel) Put(r io.Reader, p string) (err error) {
	if c.closed.Load() {
		return errChannelClosed
	}
	target := c.resolve(p)
	file, err := c.client.Create(target)
	if err != nil {
		return fmt.Errorf("put %s: %w", target, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("put %s: close: %w", target, cerr))
		}
	}()

	if _, err := io.Copy(file, r); err != nil {
		return fmt.Errorf("put %s: %w", target, err)
	}
	return nil
}

func (c *sftpChannel) Pwd() string { return c.cwd }

func (c *sftpChannel) IsConnected() bool { return !c.closed.Load() }

func (c *sftpChannel) IsClosed() bool { return c.closed.Load() }

func (c *sftpChannel) Session() Session { return c.session }

func (c *sftpChannel) Disconnect() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}
