// Package upload holds the values shared by every protocol client and the task
// queue: what to send where, how the task is identified, and what happened.
package upload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

type Kind string

const (
	KindFTP  Kind = "FTP"
	KindFTPS Kind = "FTPS"
	KindSFTP Kind = "SFTP"
	KindSSH  Kind = "SSH"
)

// Family is the tag prefix. FTPS shares the FTP family: both go through the
// same FTP destination, so one file is never sent over both at once.
func (k Kind) Family() string {
	if k == KindFTPS {
		return string(KindFTP)
	}
	return string(k)
}

func (k Kind) UsesSSH() bool {
	return k == KindSFTP || k == KindSSH
}

func (k Kind) UsesFTP() bool {
	return k == KindFTP || k == KindFTPS
}

// Request describes one transfer. It is treated as immutable once submitted.
type Request struct {
	Kind Kind   `json:"kind" validate:"required,oneof=FTP FTPS SFTP SSH"`
	Host string `json:"host" validate:"required"`
	Port int    `json:"port" validate:"required,min=1,max=65535"`

	Username             string `json:"username" validate:"required"`
	Password             string `json:"password,omitempty"`
	PrivateKeyPath       string `json:"private_key_path,omitempty" validate:"required_if=Kind SSH"`
	PrivateKeyPassphrase string `json:"private_key_passphrase,omitempty"`

	// HostKey is the pinned SSH host key, base64 of its wire form.
	HostKey        string `json:"host_key,omitempty"`
	RequireHostKey bool   `json:"require_host_key,omitempty"`

	TLSProtocol string `json:"tls_protocol,omitempty" validate:"omitempty,oneof=TLS SSL TLSv1.2 TLSv1.3"`
	Implicit    bool   `json:"implicit,omitempty"`

	RemoteDir  string `json:"remote_dir" validate:"required"`
	LocalPath  string `json:"local_path" validate:"required"`
	RemoteName string `json:"remote_name,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the request fields and that the local file is a readable
// regular file right now.
func (r *Request) Validate() error {
	if err := requestValidator().Struct(r); err != nil {
		return fmt.Errorf("invalid upload request: %w", err)
	}

	if strings.ContainsRune(r.RemoteName, '/') {
		return fmt.Errorf("invalid upload request: remote name %q contains a slash", r.RemoteName)
	}

	info, err := os.Stat(r.LocalPath)
	if err != nil {
		return fmt.Errorf("local file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("local file %s is not a regular file", r.LocalPath)
	}

	f, err := os.Open(r.LocalPath)
	if err != nil {
		return fmt.Errorf("local file: %w", err)
	}
	_ = f.Close()

	return nil
}

// FileName is the base name of the local file.
func (r *Request) FileName() string {
	return filepath.Base(r.LocalPath)
}

// RemoteFileName is the name the file gets on the server.
func (r *Request) RemoteFileName() string {
	if r.RemoteName != "" {
		return r.RemoteName
	}
	return r.FileName()
}

func (r *Request) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Tag identifies "this file via this protocol" and is the dedup key of the queue.
func (r *Request) Tag() string {
	return Tag(r.Kind, r.LocalPath)
}

func Tag(kind Kind, localPath string) string {
	return kind.Family() + filepath.Base(localPath)
}

// ErrInvalidTag is returned for tags that cannot name a task.
var ErrInvalidTag = errors.New("invalid tag")

// CheckTag rejects empty tags and tags with path separators.
func CheckTag(tag string) error {
	if tag == "" || strings.ContainsAny(tag, "/\\") {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	return nil
}
