package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jlaffaye/ftp"

	"trackup/pkg/logger"
	"trackup/pkg/upload"
)

const (
	msgCreateClient = "Could not create FTP Client"
	msgConnect      = "Could not connect or upload to FTP server."
	msgLogin        = "Could not log in to FTP server"
	msgCleanup      = "Could not logout or disconnect"
)

// ftpConn is the part of *ftp.ServerConn an attempt uses.
type ftpConn interface {
	Login(user, password string) error
	ChangeDir(path string) error
	MakeDir(path string) error
	Type(transferType ftp.TransferType) error
	Stor(path string, r io.Reader) error
	Quit() error
}

type ftpDialFunc func(ctx context.Context, req *upload.Request, tlsConfig *tls.Config, debug io.Writer) (ftpConn, error)

// FTPBackend uploads over plain FTP and FTPS. FTP failures are always
// reported as outcomes; none of them are retried.
type FTPBackend struct {
	trust  TrustStore
	dial   ftpDialFunc
	logger *logger.Logger
}

func NewFTPBackend(trust TrustStore, l *logger.Logger) *FTPBackend {
	return &FTPBackend{
		trust:  trust,
		dial:   dialFTP,
		logger: l.With(map[string]any{"component": "ftp"}),
	}
}

func (b *FTPBackend) Upload(ctx context.Context, req *upload.Request) (upload.Outcome, error) {
	log := b.logger.With(map[string]any{
		"kind": req.Kind,
		"host": req.Host,
		"file": req.FileName(),
	})
	replies := newTranscript()

	var tlsConfig *tls.Config
	if req.Kind == upload.KindFTPS {
		cfg, err := b.trust.TLSConfig(req.Host, req.TLSProtocol)
		if err != nil {
			log.Error(msgCreateClient, err, nil)
			return upload.Failed(req.Kind, msgCreateClient, err), nil
		}
		tlsConfig = cfg
	}

	conn, err := b.dial(ctx, req, tlsConfig, replies)
	if err != nil {
		log.Error(msgConnect, err, nil)
		return upload.Failed(req.Kind, msgConnect, err).WithServerReplies(replies.Lines()), nil
	}

	sum := newChecksum()
	recorded := b.session(ctx, conn, req, sum, log)
	outcome := settle(req.Kind, recorded, context.Cause(ctx), conn.Quit(), log)

	if outcome.Success {
		outcome = outcome.WithChecksum(checksumString(sum))
	} else {
		outcome = outcome.WithServerReplies(replies.Lines())
	}
	return outcome, nil
}

// session runs one login-to-store exchange. It returns nil when the attempt
// was cut off because ctx ended, leaving the result to settle.
func (b *FTPBackend) session(ctx context.Context, conn ftpConn, req *upload.Request, sum io.Writer, log *logger.Logger) *upload.Outcome {
	outcome := b.transfer(conn, req, sum, log)
	if !outcome.Success && ctx.Err() != nil {
		log.Warn("attempt abandoned", map[string]any{"error": context.Cause(ctx).Error()})
		return nil
	}
	return &outcome
}

func (b *FTPBackend) transfer(conn ftpConn, req *upload.Request, sum io.Writer, log *logger.Logger) upload.Outcome {
	if err := conn.Login(req.Username, req.Password); err != nil {
		if isNetworkError(err) {
			log.Error(msgConnect, err, nil)
			return upload.Failed(req.Kind, msgConnect, err)
		}
		log.Debug(msgLogin, map[string]any{"reply": err.Error()})
		return upload.Failed(req.Kind, msgLogin, err)
	}

	log.Debug("checking for FTP directory", map[string]any{"directory": req.RemoteDir})
	if err := ensureDirectory(conn, req.RemoteDir, log); err != nil {
		msg := "Could not create FTP directory " + req.RemoteDir
		log.Error(msg, err, nil)
		return upload.Failed(req.Kind, msg, err)
	}

	if err := conn.Type(ftp.TransferTypeBinary); err != nil {
		log.Error(msgConnect, err, nil)
		return upload.Failed(req.Kind, msgConnect, err)
	}

	local, err := os.Open(req.LocalPath)
	if err != nil {
		log.Error(msgConnect, err, nil)
		return upload.Failed(req.Kind, msgConnect, err)
	}
	defer func() { _ = local.Close() }()

	name := req.RemoteFileName()
	if err := conn.Stor(name, io.TeeReader(local, sum)); err != nil {
		if isNetworkError(err) {
			log.Error(msgConnect, err, nil)
			return upload.Failed(req.Kind, msgConnect, err)
		}
		msg := "Failed to FTP file " + name
		log.Debug(msg, map[string]any{"reply": err.Error()})
		return upload.Failed(req.Kind, msg, err)
	}

	log.Debug("successfully uploaded file", map[string]any{"remote_name": name})
	return upload.Succeeded(req.Kind)
}

// settle folds the logout/disconnect result into the attempt's result. A
// cleanup failure never replaces an outcome that was already recorded. With
// nothing recorded, the cleanup failure is reported, and failing that the
// reason the attempt was cut off.
func settle(kind upload.Kind, recorded *upload.Outcome, cause, cleanupErr error, log *logger.Logger) upload.Outcome {
	if cleanupErr != nil {
		log.Error(msgCleanup, cleanupErr, nil)
	}

	switch {
	case recorded != nil:
		return *recorded
	case cleanupErr != nil:
		return upload.Failed(kind, msgCleanup, cleanupErr)
	default:
		if cause == nil {
			cause = errors.New("session ended without a result")
		}
		return upload.Failed(kind, msgConnect, cause)
	}
}

// ensureDirectory leaves the connection inside dir, creating it when it
// cannot be entered.
func ensureDirectory(conn ftpConn, dir string, log *logger.Logger) error {
	if err := conn.ChangeDir(dir); err == nil {
		return nil
	}

	log.Debug("attempting to create FTP directory", map[string]any{"directory": dir})
	return createDirectoryTree(conn, dir, log)
}

// createDirectoryTree enters each segment of dirTree in turn, and from the
// first segment that cannot be entered on, creates and enters it. Running it
// again over an existing tree only enters directories.
func createDirectoryTree(conn ftpConn, dirTree string, log *logger.Logger) error {
	if strings.HasPrefix(dirTree, "/") {
		if err := conn.ChangeDir("/"); err != nil {
			return fmt.Errorf("enter /: %w", err)
		}
	}

	exists := true
	for _, dir := range strings.Split(dirTree, "/") {
		if dir == "" {
			continue
		}

		if exists {
			exists = conn.ChangeDir(dir) == nil
		}
		if exists {
			continue
		}

		mkErr := conn.MakeDir(dir)
		if mkErr != nil {
			// Someone may have created it in between; entering decides.
			log.Debug("make directory failed", map[string]any{"segment": dir, "reply": mkErr.Error()})
		}
		if err := conn.ChangeDir(dir); err != nil {
			return fmt.Errorf("enter %s: %w", dir, errors.Join(err, mkErr))
		}
	}

	return nil
}

// deadlineConn applies a fresh idle deadline before every read and write.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}

// connSet tracks every socket an attempt opens so they can be closed
// together when the attempt's context ends.
type connSet struct {
	mu     sync.Mutex
	conns  []net.Conn
	closed bool
}

func (s *connSet) add(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return net.ErrClosed
	}
	s.conns = append(s.conns, conn)
	return nil
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

// ftpSession is a library connection bound to the context it was dialed with.
type ftpSession struct {
	*ftp.ServerConn
	conns *connSet
	stop  func() bool
}

func (s *ftpSession) Quit() error {
	defer s.conns.closeAll()
	defer s.stop()
	return s.ServerConn.Quit()
}

// dialFTP hands the library one dial func for every socket. The first call
// is the control connection: it is TLS-wrapped here for implicit FTPS, while
// explicit FTPS is upgraded by the library after AUTH TLS. Every later call
// is a data connection, which the library expects to come back already
// wrapped when TLS is in use.
func dialFTP(ctx context.Context, req *upload.Request, tlsConfig *tls.Config, debug io.Writer) (ftpConn, error) {
	dialer := net.Dialer{Timeout: DefaultTimeout}
	conns := &connSet{}
	stop := context.AfterFunc(ctx, conns.closeAll)

	var dialed atomic.Bool
	dial := func(network, addr string) (net.Conn, error) {
		raw, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		var conn net.Conn = &deadlineConn{Conn: raw, timeout: DefaultTimeout}
		if err := conns.add(conn); err != nil {
			return nil, err
		}

		control := dialed.CompareAndSwap(false, true)
		if tlsConfig == nil || (control && !req.Implicit) {
			return conn, nil
		}
		return tls.Client(conn, tlsConfig), nil
	}

	opts := []ftp.DialOption{
		ftp.DialWithDebugOutput(debug),
		ftp.DialWithDialFunc(dial),
	}
	if tlsConfig != nil {
		if req.Implicit {
			opts = append(opts, ftp.DialWithTLS(tlsConfig))
		} else {
			opts = append(opts, ftp.DialWithExplicitTLS(tlsConfig))
		}
	}

	conn, err := ftp.Dial(req.Addr(), opts...)
	if err != nil {
		stop()
		conns.closeAll()
		return nil, err
	}
	return &ftpSession{ServerConn: conn, conns: conns, stop: stop}, nil
}
