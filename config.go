package sftpclient

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// DefaultPort is the SSH port used when Config.Port is zero or negative.
const DefaultPort = 22

// DefaultProtocol is the only channel type the client knows how to open.
const DefaultProtocol = "sftp"

// DefaultTimeout applies to both the session connect and channel connect steps.
const DefaultTimeout = 15 * time.Second

// HostKeyPolicy controls server host key verification, mirroring
// OpenSSH's StrictHostKeyChecking values.
type HostKeyPolicy string

const (
	// HostKeyNo accepts any host key (default).
	HostKeyNo HostKeyPolicy = "no"
	// HostKeyYes verifies the host key against a known_hosts file.
	HostKeyYes HostKeyPolicy = "yes"
	// HostKeyAsk behaves as HostKeyYes; the client never prompts.
	HostKeyAsk HostKeyPolicy = "ask"
)

// EnsurePolicy decides what happens when a remote directory segment cannot
// be created or entered during an upload.
type EnsurePolicy string

const (
	// EnsureStrict stops at the first unrecoverable segment and fails the upload (default).
	EnsureStrict EnsurePolicy = "strict"
	// EnsureBestEffort walks every segment, logs failures and still attempts the put.
	EnsureBestEffort EnsurePolicy = "best_effort"
)

// Credential is the authentication variant for a session.
// It is implemented only by Password and PrivateKey.
type Credential interface {
	credential()
}

// Password authenticates with a secret.
type Password struct {
	Secret string
}

// PrivateKey authenticates with a private key file and an optional passphrase.
// An empty Path registers no identity; the SSH agent is used when available.
type PrivateKey struct {
	Path       string
	Passphrase string
}

func (Password) credential()   {}
func (PrivateKey) credential() {}

// Config holds SSH connection configuration.
type Config struct {
	// Host is the target SSH server hostname or IP address.
	Host string

	// Port is the SSH port. Zero or negative means DefaultPort.
	Port int

	// User is the SSH username.
	User string

	// Protocol is the channel type to open (default "sftp").
	Protocol string

	// HostKeyPolicy controls host key verification (default HostKeyNo).
	HostKeyPolicy HostKeyPolicy

	// KnownHostsFile is used when HostKeyPolicy is yes or ask.
	// Defaults to ~/.ssh/known_hosts.
	KnownHostsFile string

	// ConnectTimeout bounds the TCP dial and SSH handshake (default 15s).
	ConnectTimeout time.Duration

	// ChannelTimeout bounds opening the file transfer channel (default 15s).
	ChannelTimeout time.Duration

	// Root is the remote directory every path is resolved against.
	Root string

	// Credential selects password or private key authentication.
	Credential Credential

	// EnsurePolicy controls remote directory creation failures on upload.
	EnsurePolicy EnsurePolicy

	// LocalTempDir is where Read and FetchFiles place downloaded files.
	// Empty means the OS temp directory.
	LocalTempDir string

	// Logger receives diagnostics. Defaults to a no-op zap logger.
	Logger Logger
}

// WithDefaults returns a copy of the config with default values applied.
func (c Config) WithDefaults() Config {
	if c.Protocol == "" {
		c.Protocol = DefaultProtocol
	}
	if c.HostKeyPolicy == "" {
		c.HostKeyPolicy = HostKeyNo
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultTimeout
	}
	if c.ChannelTimeout <= 0 {
		c.ChannelTimeout = DefaultTimeout
	}
	if c.EnsurePolicy == "" {
		c.EnsurePolicy = EnsureStrict
	}
	if c.Logger == nil {
		c.Logger = nopLogger()
	}
	return c
}

// Validate reports configuration errors that make every operation fail.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Host) == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if strings.TrimSpace(c.User) == "" {
		errs = append(errs, errors.New("username is required"))
	}
	switch c.Credential.(type) {
	case Password, *Password, PrivateKey, *PrivateKey:
	case nil:
		errs = append(errs, errors.New("credential is required"))
	default:
		errs = append(errs, fmt.Errorf("unsupported credential type %T", c.Credential))
	}
	switch c.HostKeyPolicy {
	case "", HostKeyNo, HostKeyYes, HostKeyAsk:
	default:
		errs = append(errs, fmt.Errorf("invalid host key policy %q: must be yes, no or ask", c.HostKeyPolicy))
	}
	switch c.EnsurePolicy {
	case "", EnsureStrict, EnsureBestEffort:
	default:
		errs = append(errs, fmt.Errorf("invalid ensure policy %q: must be strict or best_effort", c.EnsurePolicy))
	}
	if c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", multierr.Combine(errs...))
	}
	return nil
}

// address returns host:port, substituting DefaultPort for non-positive ports.
func (c Config) address() string {
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// RemoteEntry is a single directory listing result.
type RemoteEntry struct {
	// Name is the entry's base name.
	Name string

	// Path is Name joined to the listed directory, still root-relative.
	Path string

	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
}
