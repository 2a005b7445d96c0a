// Package transport implements the feed file-transfer surface: stat a
// remote file without downloading it, download it with a size cap,
// and test a feed's credentials, over either FTP or SFTP.
package transport

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Stat is the remote file metadata the ingestion engine's change-detection
// step compares against Feed.LastRemoteMtime/LastRemoteSize.
type Stat struct {
	Size    int64
	ModTime time.Time
}

// Transport reaches one feed's remote file over FTP or SFTP.
type Transport interface {
	// Stat returns the remote file's size and modification time without
	// transferring its contents.
	Stat(ctx context.Context) (Stat, error)

	// Download streams the remote file into w, stopping with
	// ErrFileTooLarge if maxBytes is exceeded. Returns the number of bytes
	// written.
	Download(ctx context.Context, w io.Writer, maxBytes int64) (int64, error)

	// TestConnection verifies the transport can authenticate and reach the
	// configured path, without downloading anything. Used by the admin
	// surface's connection-test action.
	TestConnection(ctx context.Context) error

	// Close releases any underlying connection.
	Close() error
}

// ErrFileTooLarge is returned by Download when the remote file exceeds the
// byte budget passed in.
var ErrFileTooLarge = fmt.Errorf("remote file exceeds configured size limit")

// Config holds the connection parameters common to both FTP and SFTP.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Path     string

	ControlTimeout time.Duration
	DataTimeout    time.Duration

	// AllowPlainFTP gates the FTP transport entirely; when false, New
	// refuses to construct a plain-FTP transport; the ALLOW_PLAIN_FTP
	// setting protects credentials from cleartext transit.
	AllowPlainFTP bool
}

// Kind identifies which wire protocol a Config should use.
type Kind string

const (
	KindFTP  Kind = "FTP"
	KindSFTP Kind = "SFTP"
)

// New constructs the Transport for kind, or an error if kind is FTP and
// cfg.AllowPlainFTP is false.
func New(ctx context.Context, kind Kind, cfg Config) (Transport, error) {
	switch kind {
	case KindSFTP:
		return NewSFTPTransport(ctx, cfg)
	case KindFTP:
		if !cfg.AllowPlainFTP {
			return nil, fmt.Errorf("plain FTP transport disabled by ALLOW_PLAIN_FTP setting")
		}
		return NewFTPTransport(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}
