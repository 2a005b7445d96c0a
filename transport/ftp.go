package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPTransport implements Transport over plain FTP using jlaffaye/ftp.
// New construction is gated behind Config.AllowPlainFTP in transport.New.
type FTPTransport struct {
	cfg    Config
	client *ftp.ServerConn
}

// NewFTPTransport dials cfg.Host:cfg.Port and authenticates.
func NewFTPTransport(ctx context.Context, cfg Config) (*FTPTransport, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client, err := ftp.Dial(addr, ftp.DialWithTimeout(cfg.ControlTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := client.Login(cfg.Username, cfg.Password); err != nil {
		client.Quit()
		return nil, fmt.Errorf("login: %w", err)
	}

	return &FTPTransport{cfg: cfg, client: client}, nil
}

func (t *FTPTransport) Stat(ctx context.Context) (Stat, error) {
	size, err := t.client.FileSize(t.cfg.Path)
	if err != nil {
		return Stat{}, fmt.Errorf("size %s: %w", t.cfg.Path, err)
	}

	var modTime time.Time
	entries, err := t.client.List(t.cfg.Path)
	if err == nil && len(entries) == 1 {
		modTime = entries[0].Time
	}

	return Stat{Size: size, ModTime: modTime}, nil
}

func (t *FTPTransport) Download(ctx context.Context, w io.Writer, maxBytes int64) (int64, error) {
	resp, err := t.client.Retr(t.cfg.Path)
	if err != nil {
		return 0, fmt.Errorf("retr %s: %w", t.cfg.Path, err)
	}
	defer resp.Close()

	counter := &WriteCounter{Dest: w, Max: maxBytes}
	return io.Copy(counter, resp)
}

func (t *FTPTransport) TestConnection(ctx context.Context) error {
	_, err := t.client.FileSize(t.cfg.Path)
	return err
}

func (t *FTPTransport) Close() error {
	return t.client.Quit()
}
