package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	trackssh "trackup/pkg/ssh"
	"trackup/pkg/upload"
)

// sftpClient is the part of *sftp.Client an upload needs.
type sftpClient interface {
	Stat(p string) (os.FileInfo, error)
	Create(path string) (io.WriteCloser, error)
}

// SFTPConnection is one SSH session with an open SFTP channel.
type SFTPConnection interface {
	GetClient() sftpClient
	Close() error
}

type sftpClientAdapter struct {
	*sftp.Client
}

func (a sftpClientAdapter) Create(path string) (io.WriteCloser, error) {
	return a.Client.Create(path)
}

// SFTPConn pairs an *ssh.Client with the *sftp.Client running over it.
type SFTPConn struct {
	mu         sync.Mutex
	sshConn    *ssh.Client
	sftpClient *sftp.Client
	closed     bool
}

func NewSFTPConn(client *ssh.Client, sftpClient *sftp.Client) *SFTPConn {
	return &SFTPConn{
		sshConn:    client,
		sftpClient: sftpClient,
	}
}

func (s *SFTPConn) GetClient() sftpClient {
	return sftpClientAdapter{s.sftpClient}
}

// Close disconnects the channel first, then the session.
func (s *SFTPConn) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("connection was already closed")
	}
	s.closed = true

	var firstErr error
	if s.sftpClient != nil {
		firstErr = s.sftpClient.Close()
	}
	if s.sshConn != nil {
		if err := s.sshConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type sftpConnectFunc func(ctx context.Context, kind upload.Kind, addr string, config *ssh.ClientConfig) (SFTPConnection, error)

// connectSFTP establishes the SSH session and the SFTP channel. A channel
// that cannot be opened is a transport failure.
func connectSFTP(ctx context.Context, kind upload.Kind, addr string, config *ssh.ClientConfig) (SFTPConnection, error) {
	conn, err := trackssh.DialContext(ctx, "tcp", addr, config)
	if err != nil {
		return nil, err
	}

	sftpConn, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, upload.Transient(kind, "open sftp channel", err)
	}

	return NewSFTPConn(conn, sftpConn), nil
}
