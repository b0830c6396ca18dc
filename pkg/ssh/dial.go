package ssh

import (
	"context"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientConfig assembles the session configuration for one attempt with
// strict host key checking.
func ClientConfig(user string, auth *Auth, verifier *HostKeyVerifier, timeout time.Duration) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth.Methods(),
		HostKeyCallback: verifier.Callback(),
		Timeout:         timeout,
	}
}

// DialContext is ssh.Dial that gives up when ctx is done, including during the handshake.
func DialContext(ctx context.Context, network, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	if config.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(config.Timeout))
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan result)
	go func() {
		var client *ssh.Client
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err == nil {
			_ = conn.SetDeadline(time.Time{})
			client = ssh.NewClient(c, chans, reqs)
		}
		select {
		case ch <- result{client, err}:
		case <-ctx.Done():
			if client != nil {
				client.Close()
			} else {
				conn.Close()
			}
		}
	}()
	select {
	case res := <-ch:
		return res.client, res.err
	case <-ctx.Done():
		conn.Close()
		return nil, context.Cause(ctx)
	}
}
