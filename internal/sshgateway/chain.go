package sshgateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/moorgate-io/moorgate/internal/sshcreds"
)

// sshHandshake runs the SSH handshake over an established stream while
// honoring context cancellation. The raw connection is closed on failure so
// callers never leak half-open sockets.
func sshHandshake(ctx context.Context, conn net.Conn, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{ssh.NewClient(c, chans, reqs), nil}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			conn.Close()
			return nil, r.err
		}
		return r.client, nil
	}
}

// buildJumpChain connects the hops in order. Hop zero is dialed directly;
// every later hop is reached through the previous client's forwarded stream.
// On any failure all clients opened so far are closed in reverse order and
// nothing past the failing hop is ever dialed.
func buildJumpChain(ctx context.Context, hops []*sshcreds.Target, timeout time.Duration) ([]*ssh.Client, error) {
	clients := make([]*ssh.Client, 0, len(hops))
	closeAll := func() {
		for i := len(clients) - 1; i >= 0; i-- {
			clients[i].Close()
		}
	}

	for i, hop := range hops {
		addr := net.JoinHostPort(hop.Address, strconv.Itoa(hop.Port))
		config, err := hopClientConfig(hop, timeout)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("jump host %s: %w", addr, err)
		}

		hctx, cancel := context.WithTimeout(ctx, timeout)
		var conn net.Conn
		if i == 0 {
			d := net.Dialer{Timeout: timeout}
			conn, err = d.DialContext(hctx, "tcp", addr)
		} else {
			conn, err = dialViaClient(hctx, clients[i-1], addr)
		}
		if err != nil {
			cancel()
			closeAll()
			return nil, fmt.Errorf("dial jump host %s: %w", addr, err)
		}

		client, err := sshHandshake(hctx, conn, addr, config)
		cancel()
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("jump host %s: %w", addr, err)
		}
		clients = append(clients, client)
	}
	return clients, nil
}

// hopClientConfig builds the client config for an intermediate hop. Hops
// authenticate from stored material only; there is no interactive prompting
// mid-chain.
func hopClientConfig(hop *sshcreds.Target, timeout time.Duration) (*ssh.ClientConfig, error) {
	var methods []ssh.AuthMethod
	m := hop.Material
	switch m.Kind {
	case sshcreds.MaterialKey:
		if !looksLikePrivateKey(m.PrivateKey) {
			return nil, errInvalidKeyFormat
		}
		signer, err := parseSigner(m.PrivateKey, m.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	case sshcreds.MaterialPassword:
		if m.Password == "" {
			return nil, errors.New("no stored password")
		}
		methods = append(methods,
			ssh.Password(m.Password),
			autoAnswerKeyboardInteractive(m.Password))
	default:
		return nil, errors.New("stored credentials required for a jump host")
	}

	return &ssh.ClientConfig{
		User:            hop.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// autoAnswerKeyboardInteractive answers password-looking prompts with the
// stored password and leaves everything else blank.
func autoAnswerKeyboardInteractive(password string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			if isPasswordPrompt(questions[i], echos[i]) {
				answers[i] = password
			}
		}
		return answers, nil
	})
}

// dialViaClient opens a forwarded TCP stream to addr through an established
// hop client.
func dialViaClient(ctx context.Context, client *ssh.Client, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := client.Dial("tcp", addr)
		done <- result{c, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.conn, r.err
	}
}
