package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTrack(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("<gpx/>"), 0o644))
	return path
}

func validRequest(t *testing.T, kind Kind) *Request {
	return &Request{
		Kind:      kind,
		Host:      "example.org",
		Port:      21,
		Username:  "logger",
		Password:  "secret",
		RemoteDir: "/logs",
		LocalPath: writeTrack(t, "track.gpx"),
	}
}

func TestTag(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindFTP, "FTPtrack.gpx"},
		{KindFTPS, "FTPtrack.gpx"},
		{KindSFTP, "SFTPtrack.gpx"},
		{KindSSH, "SSHtrack.gpx"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			r := &Request{Kind: tt.kind, LocalPath: "/data/logs/track.gpx"}
			assert.Equal(t, tt.want, r.Tag())
		})
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Request)
		wantErr string
	}{
		{name: "valid ftp", mutate: func(r *Request) {}},
		{name: "unknown kind", mutate: func(r *Request) { r.Kind = "SCP" }, wantErr: "Kind"},
		{name: "missing host", mutate: func(r *Request) { r.Host = "" }, wantErr: "Host"},
		{name: "bad port", mutate: func(r *Request) { r.Port = 70000 }, wantErr: "Port"},
		{name: "ssh needs key", mutate: func(r *Request) { r.Kind = KindSSH }, wantErr: "PrivateKeyPath"},
		{name: "ssh with key", mutate: func(r *Request) { r.Kind = KindSSH; r.PrivateKeyPath = "/keys/id_ed25519" }},
		{name: "bad tls protocol", mutate: func(r *Request) { r.Kind = KindFTPS; r.TLSProtocol = "QUIC" }, wantErr: "TLSProtocol"},
		{name: "remote name with slash", mutate: func(r *Request) { r.RemoteName = "a/b.gpx" }, wantErr: "contains a slash"},
		{name: "missing file", mutate: func(r *Request) { r.LocalPath = filepath.Join(t.TempDir(), "gone.gpx") }, wantErr: "local file"},
		{name: "directory", mutate: func(r *Request) { r.LocalPath = t.TempDir() }, wantErr: "not a regular file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest(t, KindFTP)
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRemoteFileName(t *testing.T) {
	r := &Request{LocalPath: "/tmp/20240101.gpx"}
	assert.Equal(t, "20240101.gpx", r.RemoteFileName())

	r.RemoteName = "today.gpx"
	assert.Equal(t, "today.gpx", r.RemoteFileName())
	assert.Equal(t, "20240101.gpx", r.FileName())
}

func TestCheckTag(t *testing.T) {
	assert.NoError(t, CheckTag("FTPtrack.gpx"))
	assert.ErrorIs(t, CheckTag(""), ErrInvalidTag)
	assert.ErrorIs(t, CheckTag("../etc"), ErrInvalidTag)
}

func TestOutcomeIsDetachedFromInputs(t *testing.T) {
	replies := []string{"220 ready", "230 logged in"}
	key := []byte{1, 2, 3}

	o := Failed(KindSFTP, "rejected", nil).WithServerReplies(replies).WithHostKey(key, "SHA256:abc")
	replies[0] = "mutated"
	key[0] = 9

	assert.Equal(t, "220 ready", o.ServerReplies[0])
	assert.Equal(t, byte(1), o.HostKey[0])

	c := o.Clone()
	c.HostKey[1] = 7
	assert.Equal(t, byte(2), o.HostKey[1])
	assert.True(t, o.HostKeyMismatch())
	assert.NotEmpty(t, o.AttemptID)
}

func TestOutcomeJSON(t *testing.T) {
	o := Failed(KindFTP, "Could not log in to FTP server", errors.New("530 Login incorrect")).
		WithServerReplies([]string{"530 Login incorrect."}).
		ForTask("FTPtrack.gpx", 1)

	data, err := json.Marshal(o)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "FTP", decoded["kind"])
	assert.Equal(t, "FTPtrack.gpx", decoded["tag"])
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, "530 Login incorrect", decoded["cause"])
	assert.EqualValues(t, 1, decoded["attempt"])
	assert.NotContains(t, decoded, "host_key")
}

func TestIsTransient(t *testing.T) {
	base := errors.New("connection reset by peer")
	err := fmt.Errorf("attempt: %w", Transient(KindSSH, "dial", base))

	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsTransient(base))
	assert.False(t, IsTransient(nil))
	assert.Contains(t, err.Error(), "SSH dial")
}
