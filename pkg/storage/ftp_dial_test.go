package storage

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackup/pkg/logger"
	"trackup/pkg/upload"
)

// tcpFTPServer speaks enough of the FTP control protocol over real sockets
// for one passive-mode STOR per session.
type tcpFTPServer struct {
	ln       net.Listener
	tls      *tls.Config
	implicit bool

	// When hold is set, the STOR reply is withheld until it is closed.
	// received is signalled once the data connection has been drained.
	hold     chan struct{}
	received chan struct{}

	mu    sync.Mutex
	dirs  map[string]bool
	files map[string][]byte
	data  int
}

func startTCPFTPServer(t *testing.T, tlsConfig *tls.Config, implicit bool) *tcpFTPServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	s := &tcpFTPServer{
		ln:       ln,
		tls:      tlsConfig,
		implicit: implicit,
		received: make(chan struct{}, 1),
		dirs:     map[string]bool{"/": true},
		files:    map[string][]byte{},
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn)
		}
	}()
	return s
}

func (s *tcpFTPServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *tcpFTPServer) file(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return data, ok
}

func (s *tcpFTPServer) dataConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (s *tcpFTPServer) request(t *testing.T, kind upload.Kind, dir string) *upload.Request {
	return &upload.Request{
		Kind:      kind,
		Host:      "127.0.0.1",
		Port:      s.port(),
		Username:  "logger",
		Password:  "secret",
		RemoteDir: dir,
		LocalPath: writeTrack(t, "track.gpx", "<gpx>points</gpx>"),
		Implicit:  s.implicit,
	}
}

func (s *tcpFTPServer) serve(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if s.implicit {
		conn = tls.Server(conn, s.tls)
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	reply := func(format string, args ...any) {
		fmt.Fprintf(rw, format+"\r\n", args...)
		_ = rw.Flush()
	}

	cwd := "/"
	resolve := func(p string) string {
		if path.IsAbs(p) {
			return path.Clean(p)
		}
		return path.Join(cwd, p)
	}

	protected := false
	var passive net.Listener
	defer func() {
		if passive != nil {
			_ = passive.Close()
		}
	}()

	reply("220 trackup test server ready")
	for {
		line, err := rw.ReadString('\n')
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(strings.TrimRight(line, "\r\n"), " ")

		switch strings.ToUpper(cmd) {
		case "AUTH":
			reply("234 AUTH TLS successful")
			conn = tls.Server(conn, s.tls)
			rw = bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
		case "USER":
			reply("331 Password required for %s", arg)
		case "PASS":
			if arg != "secret" {
				reply("530 Login incorrect.")
				continue
			}
			reply("230 User logged in")
		case "FEAT":
			reply("502 Command not implemented")
		case "PROT":
			protected = arg == "P"
			reply("200 Protection set to %s", arg)
		case "CWD":
			target := resolve(arg)
			s.mu.Lock()
			ok := s.dirs[target]
			s.mu.Unlock()
			if !ok {
				reply("550 %s: No such file or directory", arg)
				continue
			}
			cwd = target
			reply("250 CWD command successful")
		case "MKD":
			target := resolve(arg)
			s.mu.Lock()
			s.dirs[target] = true
			s.mu.Unlock()
			reply(`257 "%s" created`, target)
		case "EPSV":
			if passive != nil {
				_ = passive.Close()
			}
			passive, err = net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				reply("425 Cannot open data connection")
				continue
			}
			reply("229 Entering Extended Passive Mode (|||%d|)", passive.Addr().(*net.TCPAddr).Port)
		case "STOR":
			if passive == nil {
				reply("425 Use EPSV first")
				continue
			}
			dc, err := passive.Accept()
			if err != nil {
				reply("425 Cannot open data connection")
				continue
			}
			if protected {
				dc = tls.Server(dc, s.tls)
			}
			reply("150 Opening BINARY mode data connection for %s", arg)

			body, err := io.ReadAll(dc)
			_ = dc.Close()
			if err != nil {
				reply("426 Connection closed; transfer aborted")
				continue
			}
			s.mu.Lock()
			s.files[resolve(arg)] = body
			s.data++
			s.mu.Unlock()

			select {
			case s.received <- struct{}{}:
			default:
			}
			if s.hold != nil {
				<-s.hold
			}
			reply("226 Transfer complete")
		case "QUIT":
			reply("221 Goodbye")
			return
		default:
			reply("200 %s ok", cmd)
		}
	}
}

func serverTLS(t *testing.T) (*tls.Config, TrustStore) {
	cert, pemPath := selfSignedCert(t, "127.0.0.1")
	// No tickets: the client never reads on a data connection, and unread
	// tickets would turn its close into a reset.
	return &tls.Config{
		Certificates:           []tls.Certificate{cert},
		SessionTicketsDisabled: true,
	}, TrustStore{KnownServersFile: pemPath}
}

func TestFTPUploadOverSockets(t *testing.T) {
	srv := startTCPFTPServer(t, nil, false)
	backend := NewFTPBackend(TrustStore{}, logger.NewDefault())

	outcome, err := backend.Upload(context.Background(), srv.request(t, upload.KindFTP, "/logs/2024"))
	require.NoError(t, err)

	require.True(t, outcome.Success, "%s: %v %v", outcome.Message, outcome.Cause, outcome.ServerReplies)
	data, ok := srv.file("/logs/2024/track.gpx")
	require.True(t, ok)
	assert.Equal(t, "<gpx>points</gpx>", string(data))
	assert.Equal(t, fmt.Sprintf("%016x", xxhash.Sum64String("<gpx>points</gpx>")), outcome.Checksum)
	assert.Equal(t, 1, srv.dataConns())
}

func TestFTPUploadOverSocketsWrongPassword(t *testing.T) {
	srv := startTCPFTPServer(t, nil, false)
	backend := NewFTPBackend(TrustStore{}, logger.NewDefault())
	req := srv.request(t, upload.KindFTP, "/logs")
	req.Password = "wrong"

	outcome, err := backend.Upload(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, outcome.Success)
	assert.Equal(t, msgLogin, outcome.Message)
	assert.Contains(t, strings.Join(outcome.ServerReplies, "\n"), "530 Login incorrect.")
}

func TestFTPSUploadOverSockets(t *testing.T) {
	tests := []struct {
		name     string
		implicit bool
	}{
		{name: "explicit"},
		{name: "implicit", implicit: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverConfig, trust := serverTLS(t)
			srv := startTCPFTPServer(t, serverConfig, tt.implicit)
			backend := NewFTPBackend(trust, logger.NewDefault())

			outcome, err := backend.Upload(context.Background(), srv.request(t, upload.KindFTPS, "/logs"))
			require.NoError(t, err)

			require.True(t, outcome.Success, "%s: %v", outcome.Message, outcome.Cause)
			data, ok := srv.file("/logs/track.gpx")
			require.True(t, ok)
			assert.Equal(t, "<gpx>points</gpx>", string(data))
		})
	}
}

func TestFTPUploadOverSocketsStopsWhenContextEnds(t *testing.T) {
	srv := startTCPFTPServer(t, nil, false)
	srv.hold = make(chan struct{})
	t.Cleanup(func() { close(srv.hold) })
	backend := NewFTPBackend(TrustStore{}, logger.NewDefault())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-srv.received:
			cancel()
		case <-time.After(10 * time.Second):
		}
	}()

	start := time.Now()
	outcome, err := backend.Upload(ctx, srv.request(t, upload.KindFTP, "/logs"))
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 10*time.Second, "cancellation closes the sockets")
	assert.False(t, outcome.Success)
	assert.Equal(t, msgCleanup, outcome.Message)
}
