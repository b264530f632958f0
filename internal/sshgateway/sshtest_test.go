package sshgateway

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"
)

// testServerConfig controls an in-process SSH server used by the tests.
type testServerConfig struct {
	user     string
	password string
	// challenge, when set, drives server-side keyboard-interactive auth.
	challenge func(client ssh.KeyboardInteractiveChallenge) error
	// publicKey, when set, is accepted for public key auth.
	publicKey ssh.PublicKey
	// allowForward enables direct-tcpip channels so the server can act as a
	// jump host.
	allowForward bool
	// onForward records every forwarded destination.
	onForward func(dest string)
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	return signer
}

// newTestKeyPEM returns a PEM-encoded private key and its signer.
func newTestKeyPEM(t *testing.T) (string, ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer from key: %v", err)
	}
	return string(pem.EncodeToMemory(block)), signer
}

// startTestServer runs an SSH server that answers PTY shell sessions with an
// "echo:" stream and optionally forwards direct-tcpip channels.
func startTestServer(t *testing.T, cfg testServerConfig) string {
	t.Helper()

	serverCfg := &ssh.ServerConfig{}
	if cfg.password != "" {
		serverCfg.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if (cfg.user == "" || conn.User() == cfg.user) && string(password) == cfg.password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}
	if cfg.challenge != nil {
		serverCfg.KeyboardInteractiveCallback = func(conn ssh.ConnMetadata, client ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			if err := cfg.challenge(client); err != nil {
				return nil, err
			}
			return &ssh.Permissions{}, nil
		}
	}
	if cfg.publicKey != nil {
		serverCfg.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(cfg.publicKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	if cfg.password == "" && cfg.challenge == nil && cfg.publicKey == nil {
		serverCfg.NoClientAuth = true
	}
	serverCfg.AddHostKey(newTestSigner(t))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				handleTestConn(netConn, serverCfg, &cfg)
			}()
		}
	}()
	t.Cleanup(func() {
		listener.Close()
		<-done
		wg.Wait()
	})

	return listener.Addr().String()
}

func handleTestConn(netConn net.Conn, serverCfg *ssh.ServerConfig, cfg *testServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, serverCfg)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go handleTestSession(ch, requests)
		case "direct-tcpip":
			if !cfg.allowForward {
				newChan.Reject(ssh.Prohibited, "forwarding disabled")
				continue
			}
			var payload struct {
				DestAddr string
				DestPort uint32
				OrigAddr string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
				newChan.Reject(ssh.ConnectionFailed, "bad payload")
				continue
			}
			dest := net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort)))
			if cfg.onForward != nil {
				cfg.onForward(dest)
			}
			target, err := net.Dial("tcp", dest)
			if err != nil {
				newChan.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			ch, requests, err := newChan.Accept()
			if err != nil {
				target.Close()
				continue
			}
			go ssh.DiscardRequests(requests)
			go pipeConns(ch, target)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func pipeConns(ch ssh.Channel, target net.Conn) {
	defer ch.Close()
	defer target.Close()
	go func() {
		io.Copy(target, ch)
		target.Close()
	}()
	io.Copy(ch, target)
}

func handleTestSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	var hasPTY bool
	for req := range requests {
		switch req.Type {
		case "pty-req":
			hasPTY = true
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			if hasPTY {
				ch.Write([]byte("PTY:true\n"))
			}
			go func() {
				buf := make([]byte, 4096)
				for {
					n, err := ch.Read(buf)
					if n > 0 {
						ch.Write([]byte("echo:"))
						ch.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}
