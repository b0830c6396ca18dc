package ssh

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// HostKeyError is returned from the host key callback when the presented key
// is not trusted. Key holds the presented key, never the pinned one.
type HostKeyError struct {
	Host        string
	Key         []byte
	Fingerprint string
	// Changed is true when a pin existed and differs; false when no pin
	// existed and one was required.
	Changed bool
}

func (e *HostKeyError) Error() string {
	if e.Changed {
		return fmt.Sprintf("host key for %s has been changed (presented %s)", e.Host, e.Fingerprint)
	}
	return fmt.Sprintf("host key for %s is not trusted (presented %s)", e.Host, e.Fingerprint)
}

// HostKeyVerifier compares the key a server presents with an optional pin.
// One verifier serves one attempt.
type HostKeyVerifier struct {
	host     string
	pinned   []byte
	required bool

	mu       sync.Mutex
	rejected *HostKeyError
}

// NewHostKeyVerifier builds a verifier from the stored pin, which is base64 of
// the key's wire form. An authorized_keys line is accepted too.
func NewHostKeyVerifier(host, pin string, required bool) (*HostKeyVerifier, error) {
	v := &HostKeyVerifier{host: host, required: required}

	pin = strings.TrimSpace(pin)
	if pin == "" {
		return v, nil
	}

	key, err := DecodeHostKey(pin)
	if err != nil {
		return nil, err
	}
	v.pinned = key
	return v, nil
}

func DecodeHostKey(stored string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(stored); err == nil {
		if _, err := ssh.ParsePublicKey(raw); err != nil {
			return nil, fmt.Errorf("pinned host key: %w", err)
		}
		return raw, nil
	}

	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(stored))
	if err != nil {
		return nil, fmt.Errorf("pinned host key is neither base64 nor authorized_keys format: %w", err)
	}
	return pub.Marshal(), nil
}

func EncodeHostKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

func (v *HostKeyVerifier) Pinned() bool {
	return len(v.pinned) > 0
}

// Callback is installed as the session's ssh.HostKeyCallback.
func (v *HostKeyVerifier) Callback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		return v.Verify(key)
	}
}

func (v *HostKeyVerifier) Verify(key ssh.PublicKey) error {
	presented := key.Marshal()

	switch {
	case v.Pinned() && bytes.Equal(presented, v.pinned):
		return nil
	case v.Pinned():
		return v.reject(presented, Fingerprint(key), true)
	case v.required:
		return v.reject(presented, Fingerprint(key), false)
	default:
		return nil
	}
}

func (v *HostKeyVerifier) reject(presented []byte, fingerprint string, changed bool) error {
	err := &HostKeyError{
		Host:        v.host,
		Key:         presented,
		Fingerprint: fingerprint,
		Changed:     changed,
	}

	v.mu.Lock()
	v.rejected = err
	v.mu.Unlock()

	return err
}

// Rejection returns the rejection recorded during the handshake, if any.
// The ssh package may flatten the callback error, so this is the reliable source.
func (v *HostKeyVerifier) Rejection() *HostKeyError {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rejected
}
