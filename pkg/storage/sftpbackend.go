package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"trackup/pkg/logger"
	trackssh "trackup/pkg/ssh"
	"trackup/pkg/upload"
)

const (
	msgHostKeyLoad = "Could not read the pinned host key"
	msgIdentity    = "Could not load SSH identity"
	msgSSHAuth     = "Could not authenticate to SSH server"
)

// SFTPBackend uploads over SFTP for both the SFTP and the SSH kinds. The SSH
// kind always carries a private key; otherwise they behave the same.
type SFTPBackend struct {
	connect sftpConnectFunc
	logger  *logger.Logger
}

func NewSFTPBackend(l *logger.Logger) *SFTPBackend {
	return &SFTPBackend{
		connect: connectSFTP,
		logger:  l.With(map[string]any{"component": "sftp"}),
	}
}

func (s *SFTPBackend) Upload(ctx context.Context, req *upload.Request) (upload.Outcome, error) {
	log := s.logger.With(map[string]any{
		"kind": req.Kind,
		"host": req.Host,
		"file": req.FileName(),
	})

	local, err := os.Open(req.LocalPath)
	if err != nil {
		log.Error("could not open local file", err, nil)
		return upload.Failed(req.Kind, err.Error(), err), nil
	}
	defer func() { _ = local.Close() }()

	verifier, err := trackssh.NewHostKeyVerifier(req.Host, req.HostKey, req.RequireHostKey)
	if err != nil {
		log.Error(msgHostKeyLoad, err, nil)
		return upload.Failed(req.Kind, msgHostKeyLoad, err), nil
	}

	auth, err := trackssh.NewAuth(trackssh.Credentials{
		Username:       req.Username,
		Password:       req.Password,
		PrivateKeyPath: req.PrivateKeyPath,
		Passphrase:     req.PrivateKeyPassphrase,
	})
	if err != nil {
		log.Error(msgIdentity, err, nil)
		return upload.Failed(req.Kind, msgIdentity, err), nil
	}

	log.Debug("connecting", map[string]any{"pinned": verifier.Pinned()})
	config := trackssh.ClientConfig(req.Username, auth, verifier, DefaultTimeout)
	conn, err := s.connect(ctx, req.Kind, req.Addr(), config)
	if err != nil {
		return classifyConnectError(req.Kind, verifier, auth, err, log)
	}
	closeConn := sync.OnceValue(conn.Close)
	stop := context.AfterFunc(ctx, func() { _ = closeConn() })
	defer func() {
		stop()
		if err := closeConn(); err != nil {
			log.Debug("disconnect failed", map[string]any{"error": err.Error()})
		}
	}()

	log.Debug("connected, uploading", map[string]any{"remote_dir": req.RemoteDir})
	sent, err := putFile(conn.GetClient(), req.RemoteDir, req.FileName(), local)
	if err != nil {
		log.Error(err.Error(), err, nil)
		return upload.Failed(req.Kind, err.Error(), err), nil
	}

	log.Debug("uploaded", map[string]any{"size": sent.Size, "xxhash": sent.Digest})
	return upload.Succeeded(req.Kind).WithChecksum(sent.Digest), nil
}

// classifyConnectError sorts a failed session setup into the distinguished
// host key outcome, a refused login, or a transport failure for the queue.
func classifyConnectError(kind upload.Kind, verifier *trackssh.HostKeyVerifier, auth *trackssh.Auth, err error, log *logger.Logger) (upload.Outcome, error) {
	var hk *trackssh.HostKeyError
	if !errors.As(err, &hk) {
		hk = verifier.Rejection()
	}
	if hk != nil {
		log.Error("host key rejected", err, map[string]any{"fingerprint": hk.Fingerprint})
		return upload.Failed(kind, hk.Error(), err).WithHostKey(hk.Key, hk.Fingerprint), nil
	}

	if upload.IsTransient(err) {
		log.Warn("transport failure", map[string]any{"error": err.Error()})
		return upload.Outcome{}, err
	}

	if auth.Attempted() && !isNetworkError(err) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		log.Error(msgSSHAuth, err, nil)
		return upload.Failed(kind, msgSSHAuth, err), nil
	}

	log.Warn("transport failure", map[string]any{"error": err.Error()})
	return upload.Outcome{}, upload.Transient(kind, "connect", err)
}

// sentFile describes the bytes that went over the channel.
type sentFile struct {
	Size   int64
	Digest string
}

// putFile changes into dir and writes name there, replacing any existing
// file. The remote size is checked against what was sent once the file is closed.
func putFile(client sftpClient, dir, name string, r io.Reader) (sentFile, error) {
	info, err := client.Stat(dir)
	if err != nil {
		return sentFile{}, fmt.Errorf("change directory to %s: %w", dir, err)
	}
	if !info.IsDir() {
		return sentFile{}, fmt.Errorf("change directory to %s: not a directory", dir)
	}

	remotePath := path.Join(dir, name)
	remote, err := client.Create(remotePath)
	if err != nil {
		return sentFile{}, fmt.Errorf("create %s: %w", name, err)
	}

	h := newChecksum()
	n, err := io.Copy(io.MultiWriter(remote, h), r)
	if err != nil {
		_ = remote.Close()
		return sentFile{}, fmt.Errorf("write %s: %w", name, err)
	}

	if err := remote.Close(); err != nil {
		return sentFile{}, fmt.Errorf("close %s: %w", name, err)
	}

	written, err := client.Stat(remotePath)
	if err != nil {
		return sentFile{}, fmt.Errorf("verify %s: %w", name, err)
	}
	if written.Size() != n {
		return sentFile{}, fmt.Errorf("verify %s: remote size %d, sent %d", name, written.Size(), n)
	}

	return sentFile{Size: n, Digest: checksumString(h)}, nil
}
