package transport

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPTransport implements Transport over an SSH/SFTP connection, using
// pkg/sftp atop golang.org/x/crypto/ssh
// for the underlying handshake and auth.
type SFTPTransport struct {
	cfg        Config
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

// NewSFTPTransport dials cfg.Host:cfg.Port over SSH and opens an SFTP
// session. Host key verification is intentionally permissive here (feeds
// are configured by admins who supply host/credentials directly, not
// discovered dynamically); a stricter deployment can swap in
// knownhosts.New when a known_hosts path is configured.
func NewSFTPTransport(ctx context.Context, cfg Config) (*SFTPTransport, error) {
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         cfg.ControlTimeout,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	dialer := net.Dialer{Timeout: cfg.ControlTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("open sftp session: %w", err)
	}

	return &SFTPTransport{cfg: cfg, sshClient: sshClient, sftpClient: sftpClient}, nil
}

func (t *SFTPTransport) Stat(ctx context.Context) (Stat, error) {
	info, err := t.sftpClient.Stat(t.cfg.Path)
	if err != nil {
		return Stat{}, fmt.Errorf("stat %s: %w", t.cfg.Path, err)
	}
	return Stat{Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (t *SFTPTransport) Download(ctx context.Context, w io.Writer, maxBytes int64) (int64, error) {
	remote, err := t.sftpClient.Open(t.cfg.Path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", t.cfg.Path, err)
	}
	defer remote.Close()

	counter := &WriteCounter{Dest: w, Max: maxBytes}
	n, err := io.Copy(counter, remote)
	if err != nil {
		return n, err
	}
	return n, nil
}

func (t *SFTPTransport) TestConnection(ctx context.Context) error {
	_, err := t.sftpClient.Stat(t.cfg.Path)
	return err
}

func (t *SFTPTransport) Close() error {
	var firstErr error
	if err := t.sftpClient.Close(); err != nil {
		firstErr = err
	}
	if err := t.sshClient.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
