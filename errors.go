package sftpclient

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Error categories. Every error returned by a Client operation wraps exactly
// one of these; test with errors.Is.
var (
	ErrAuthenticationFailed        = errors.New("authentication failed")
	ErrConnectionFailed            = errors.New("connection failed")
	ErrChannelOpenFailed           = errors.New("channel open failed")
	ErrRemotePathNotFound          = errors.New("remote path not found")
	ErrRemoteDirectoryCreateFailed = errors.New("remote directory create failed")
	ErrLocalIO                     = errors.New("local i/o failure")
	ErrInvalidLocalDestination     = errors.New("invalid local destination")
	ErrInvalidRemotePath           = errors.New("invalid remote path")
	ErrTransferFailed              = errors.New("transfer failed")
)

// authFailureMessages identify handshake errors caused by rejected credentials.
var authFailureMessages = []string{
	"unable to authenticate",
	"no supported methods remain",
	"no auth passed yet",
}

// wrapErr tags err with a category and an operation/path description.
func wrapErr(kind error, op, path string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s %s", kind, op, path)
	}
	return fmt.Errorf("%w: %s %s: %w", kind, op, path, err)
}

// classifyConnectError maps a dial or handshake failure to
// ErrAuthenticationFailed or ErrConnectionFailed.
func classifyConnectError(addr string, err error) error {
	if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrConnectionFailed) {
		return err
	}

	errMsg := strings.ToLower(err.Error())
	for _, msg := range authFailureMessages {
		if strings.Contains(errMsg, msg) {
			return fmt.Errorf("%w: %s: %w", ErrAuthenticationFailed, addr, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: timed out: %w", ErrConnectionFailed, addr, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrConnectionFailed, addr, err)
}

// classifyRemoteError picks the category for a failed remote file operation.
func classifyRemoteError(op, path string, err error) error {
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, ErrRemotePathNotFound) {
		return wrapErr(ErrRemotePathNotFound, op, path, err)
	}
	return wrapErr(ErrTransferFailed, op, path, err)
}
