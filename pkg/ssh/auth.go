package ssh

import (
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// Credentials is the identity offered to the server.
type Credentials struct {
	Username       string
	Password       string
	PrivateKeyPath string
	Passphrase     string
}

// Auth carries the auth methods for one attempt and notes whether the server
// ever asked for them, which separates "credentials refused" from "link died
// before authentication".
type Auth struct {
	methods   []ssh.AuthMethod
	attempted atomic.Bool
}

// NewAuth registers the private key identity when a path is given, then
// password authentication when a password is given.
func NewAuth(creds Credentials) (*Auth, error) {
	a := &Auth{}

	if creds.PrivateKeyPath != "" {
		signer, err := loadSigner(creds.PrivateKeyPath, creds.Passphrase)
		if err != nil {
			return nil, err
		}
		a.methods = append(a.methods, ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
			a.attempted.Store(true)
			return []ssh.Signer{signer}, nil
		}))
	}

	if creds.Password != "" {
		password := creds.Password
		a.methods = append(a.methods, ssh.PasswordCallback(func() (string, error) {
			a.attempted.Store(true)
			return password, nil
		}))
	}

	if len(a.methods) == 0 {
		return nil, fmt.Errorf("either password or private key must be provided")
	}

	return a, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

func (a *Auth) Methods() []ssh.AuthMethod {
	return a.methods
}

func (a *Auth) Attempted() bool {
	return a.attempted.Load()
}
