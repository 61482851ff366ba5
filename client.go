package sftpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// ClientInterface defines the transfer operations, allowing mocks in callers' tests.
type ClientInterface interface {
	// Read fetches a remote file into a local temp file.
	Read(ctx context.Context, remotePath string) (afero.File, error)
	// ListFiles lists the non-directory entries of a remote directory.
	ListFiles(ctx context.Context, dirPath string) ([]RemoteEntry, error)
	// FetchFiles fetches every non-directory entry of a remote directory.
	FetchFiles(ctx context.Context, dirPath string) ([]afero.File, error)
	// Upload streams r to targetPath, creating missing remote directories.
	Upload(ctx context.Context, targetPath string, r io.Reader) error
	// UploadFile uploads a local file to targetPath.
	UploadFile(ctx context.Context, targetPath, localPath string) error
	// Download writes a remote file to localDest, creating missing local directories.
	Download(ctx context.Context, targetPath, localDest string) error
	// Remove deletes a remote file.
	Remove(ctx context.Context, targetPath string) error
	// Close removes local temp files created by Read and FetchFiles.
	Close() error
}

// Client runs each operation on its own session and channel, which are torn
// down before the operation returns. A Client is safe for concurrent use.
type Client struct {
	config    Config
	transport Transport
	fs        afero.Fs
	log       Logger
	temps     *tempFiles
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the SSH transport, primarily for tests.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithFs sets the local filesystem used for temp files, uploads and downloads.
func WithFs(fs afero.Fs) Option {
	return func(c *Client) {
		c.fs = fs
	}
}

// NewClient validates config and creates a client. No connection is made.
func NewClient(config Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.WithDefaults()

	c := &Client{
		config: config,
		log:    config.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	if c.transport == nil {
		t := NewSSHTransport()
		t.Fs = c.fs
		c.transport = t
	}
	c.temps = newTempFiles(c.fs, config.LocalTempDir)

	return c, nil
}

// Config returns a copy of the client's configuration with defaults applied.
func (c *Client) Config() Config {
	return c.config
}

// Close removes local temp files created by Read and FetchFiles.
// Callers should close the returned handles first.
func (c *Client) Close() error {
	if err := c.temps.cleanup(); err != nil {
		c.log.Warnf("failed to remove temp files: %v", err)
		return wrapErr(ErrLocalIO, "cleanup", c.config.LocalTempDir, err)
	}
	return nil
}

// withChannel builds a session, opens a channel, changes into the configured
// root and runs fn. Teardown runs on every exit path.
func (c *Client) withChannel(ctx context.Context, op, target string, fn func(ch Channel) error) error {
	if err := ctx.Err(); err != nil {
		return wrapErr(ErrConnectionFailed, op, target, fmt.Errorf("operation cancelled: %w", err))
	}

	var sess Session
	var ch Channel
	defer func() {
		teardown(c.log, ch, sess)
	}()

	sess, err := c.transport.Connect(ctx, c.config)
	if err != nil {
		c.log.Errorf("%s %s: %v", op, target, err)
		return err
	}

	ch, err = sess.OpenChannel(ctx, c.config.Protocol, c.config.ChannelTimeout)
	if err != nil {
		c.log.Errorf("%s %s: %v", op, target, err)
		return err
	}

	if c.config.Root != "" {
		if err := ch.Cd(c.config.Root); err != nil {
			c.log.Errorf("found no root directory %s: %v", c.config.Root, err)
			return wrapErr(ErrRemotePathNotFound, op, c.config.Root, err)
		}
		c.log.Debugf("change directory to %s", c.config.Root)
	}

	return fn(ch)
}

// Read fetches remotePath, relative to the configured root, into a new local
// temp file and returns it rewound to the start. The file is removed by Close.
func (c *Client) Read(ctx context.Context, remotePath string) (afero.File, error) {
	var local afero.File
	err := c.withChannel(ctx, "read", remotePath, func(ch Channel) error {
		f, err := c.fetch(ch, rootRelative(remotePath))
		if err != nil {
			return err
		}
		local = f
		return nil
	})
	if err != nil {
		c.log.Errorf("download file failure, target path: %s: %v", remotePath, err)
		return nil, err
	}
	return local, nil
}

// fetch copies one remote file into a registered temp file.
func (c *Client) fetch(ch Channel, remotePath string) (afero.File, error) {
	rc, err := ch.Get(remotePath)
	if err != nil {
		return nil, classifyRemoteError("read", remotePath, err)
	}
	defer rc.Close()

	f, err := c.temps.create(remotePath)
	if err != nil {
		return nil, wrapErr(ErrLocalIO, "read", remotePath, err)
	}

	if err := copyRemote(f, rc); err != nil {
		c.temps.discard(f)
		return nil, wrapCopyErr("read", remotePath, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		c.temps.discard(f)
		return nil, wrapErr(ErrLocalIO, "read", remotePath, err)
	}
	return f, nil
}

// ListFiles lists dirPath, relative to the configured root, and returns its
// non-directory entries. File contents are not fetched.
func (c *Client) ListFiles(ctx context.Context, dirPath string) ([]RemoteEntry, error) {
	var files []RemoteEntry
	err := c.withChannel(ctx, "list", dirPath, func(ch Channel) error {
		entries, err := ch.Ls(rootRelative(dirPath))
		if err != nil {
			return wrapErr(ErrRemotePathNotFound, "list", dirPath, err)
		}
		files = filterFiles(entries)
		return nil
	})
	if err != nil {
		c.log.Errorf("download file list failure, target path: %s: %v", dirPath, err)
		return nil, err
	}
	return files, nil
}

// FetchFiles lists dirPath and fetches every non-directory entry into local
// temp files over a single session. On failure, files fetched so far are
// removed.
func (c *Client) FetchFiles(ctx context.Context, dirPath string) ([]afero.File, error) {
	var fetched []afero.File
	err := c.withChannel(ctx, "fetch", dirPath, func(ch Channel) error {
		entries, err := ch.Ls(rootRelative(dirPath))
		if err != nil {
			return wrapErr(ErrRemotePathNotFound, "fetch", dirPath, err)
		}
		for _, entry := range filterFiles(entries) {
			f, err := c.fetch(ch, entry.Path)
			if err != nil {
				return err
			}
			fetched = append(fetched, f)
		}
		return nil
	})
	if err != nil {
		for _, f := range fetched {
			c.temps.discard(f)
		}
		c.log.Errorf("download file list failure, target path: %s: %v", dirPath, err)
		return nil, err
	}
	return fetched, nil
}

// remoteReadError marks a copy failure caused by the remote side.
type remoteReadError struct{ err error }

func (e *remoteReadError) Error() string { return e.err.Error() }
func (e *remoteReadError) Unwrap() error { return e.err }

type remoteReader struct{ r io.Reader }

func (r remoteReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		err = &remoteReadError{err}
	}
	return n, err
}

// copyRemote copies src to dst, tagging read failures as remote.
func copyRemote(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, remoteReader{src})
	return err
}

// wrapCopyErr reports remote read failures as ErrTransferFailed and anything
// else as ErrLocalIO.
func wrapCopyErr(op, p string, err error) error {
	var remote *remoteReadError
	if errors.As(err, &remote) {
		return wrapErr(ErrTransferFailed, op, p, remote.err)
	}
	if errors.Is(err, ErrLocalIO) {
		return err
	}
	return wrapErr(ErrLocalIO, op, p, err)
}

func filterFiles(entries []RemoteEntry) []RemoteEntry {
	files := make([]RemoteEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir {
			files = append(files, e)
		}
	}
	return files
}

// rootRelative strips leading slashes so that every operation resolves p
// against the configured root, as Upload does.
func rootRelative(p string) string {
	return strings.TrimLeft(p, "/")
}

// splitTarget splits a remote target on its last "/" into directory and file name.
func splitTarget(targetPath string) (dir, name string) {
	idx := strings.LastIndex(targetPath, "/")
	if idx < 0 {
		return "", targetPath
	}
	return targetPath[:idx], targetPath[idx+1:]
}

// Upload streams r to targetPath, which is relative to the configured root and
// includes the file name. Missing directories are created according to the
// configured EnsurePolicy. If r is an io.Closer it is closed before Upload
// returns, whatever the outcome.
func (c *Client) Upload(ctx context.Context, targetPath string, r io.Reader) (err error) {
	defer func() {
		if closer, ok := r.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				c.log.Warnf("failed to close upload stream for %s: %v", targetPath, cerr)
			}
			c.log.Debugf("closed input stream")
		}
	}()

	dir, name := splitTarget(targetPath)
	if strings.TrimSpace(name) == "" {
		return wrapErr(ErrInvalidRemotePath, "upload", targetPath, fmt.Errorf("target has no file name"))
	}

	err = c.withChannel(ctx, "upload", targetPath, func(ch Channel) error {
		if dir != "" {
			report := EnsureDir(ch, dir, c.config.EnsurePolicy, c.log)
			if rerr := report.Err(); rerr != nil {
				if c.config.EnsurePolicy != EnsureBestEffort {
					return rerr
				}
				c.log.Warnf("directory %s only partially ensured, uploading into %s: %v", dir, ch.Pwd(), rerr)
			}
		}

		if perr := ch.Put(r, name); perr != nil {
			return classifyRemoteError("upload", targetPath, perr)
		}
		return nil
	})
	if err != nil {
		c.log.Errorf("upload file failure, path: %s: %v", targetPath, err)
		return err
	}
	c.log.Infof("upload file success, path: %s", targetPath)
	return nil
}

// UploadFile opens localPath and uploads it to targetPath.
func (c *Client) UploadFile(ctx context.Context, targetPath, localPath string) error {
	f, err := c.fs.Open(localPath)
	if err != nil {
		c.log.Errorf("failed to open local file %s: %v", localPath, err)
		return wrapErr(ErrLocalIO, "upload", localPath, err)
	}
	return c.Upload(ctx, targetPath, f)
}

// localParent returns the directory part of dest, split on its last "/" or "\".
func localParent(dest string) (string, bool) {
	idx := strings.LastIndexAny(dest, `/\`)
	if idx < 0 {
		return "", false
	}
	if idx == 0 {
		return dest[:1], true
	}
	return dest[:idx], true
}

// Download writes targetPath, relative to the configured root, to localDest.
// localDest must contain a path separator; otherwise no remote work is
// attempted and the error wraps ErrInvalidLocalDestination. A partially
// written destination is removed on failure.
func (c *Client) Download(ctx context.Context, targetPath, localDest string) error {
	parent, ok := localParent(localDest)
	if !ok {
		return wrapErr(ErrInvalidLocalDestination, "download", localDest,
			fmt.Errorf("please check '/' or '\\'"))
	}

	exists, err := afero.DirExists(c.fs, parent)
	if err != nil {
		return wrapErr(ErrLocalIO, "download", parent, err)
	}
	if !exists {
		if err := c.fs.MkdirAll(parent, 0o755); err != nil {
			c.log.Errorf("can't create folder %s: %v", parent, err)
			return wrapErr(ErrLocalIO, "download", parent, err)
		}
		c.log.Infof("create folder: %s", parent)
	}

	err = c.withChannel(ctx, "download", targetPath, func(ch Channel) error {
		rc, err := ch.Get(rootRelative(targetPath))
		if err != nil {
			return classifyRemoteError("download", targetPath, err)
		}
		defer rc.Close()

		out, err := c.fs.Create(localDest)
		if err != nil {
			return wrapErr(ErrLocalIO, "download", localDest, err)
		}

		copyErr := copyRemote(out, rc)
		if closeErr := out.Close(); copyErr == nil && closeErr != nil {
			copyErr = wrapErr(ErrLocalIO, "download", localDest, closeErr)
		}
		if copyErr != nil {
			if rerr := c.fs.Remove(localDest); rerr != nil {
				c.log.Warnf("failed to remove partial download %s: %v", localDest, rerr)
			}
			return wrapCopyErr("download", targetPath, copyErr)
		}
		return nil
	})
	if err != nil {
		c.log.Errorf("download file failure, download path: %s: %v", localDest, err)
		return err
	}
	c.log.Infof("download file success, download path: %s", localDest)
	return nil
}

// Remove deletes targetPath, relative to the configured root.
func (c *Client) Remove(ctx context.Context, targetPath string) error {
	err := c.withChannel(ctx, "remove", targetPath, func(ch Channel) error {
		if err := ch.Remove(rootRelative(targetPath)); err != nil {
			return classifyRemoteError("remove", targetPath, err)
		}
		return nil
	})
	if err != nil {
		c.log.Errorf("delete file failure, path: %s: %v", targetPath, err)
		return err
	}
	return nil
}
