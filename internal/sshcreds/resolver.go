// Package sshcreds resolves host and credential references into decrypted
// SSH authentication material for the terminal gateway. It is the only place
// where stored secrets are decrypted; resolved targets live for a single
// connect attempt and are never persisted.
package sshcreds

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/moorgate-io/moorgate/internal/crypto"
	"github.com/moorgate-io/moorgate/internal/database"
	"github.com/moorgate-io/moorgate/internal/logutil"
)

// MaterialKind selects the authentication method offered for a connection.
type MaterialKind string

const (
	// MaterialNone offers no stored secret; the server is expected to prompt
	// interactively and the client supplies the value live.
	MaterialNone MaterialKind = "none"
	// MaterialPassword offers a password, which also lets the server fall
	// back to keyboard-interactive prompts answered with the same secret.
	MaterialPassword MaterialKind = "password"
	// MaterialKey offers a private key.
	MaterialKey MaterialKind = "key"
)

// AuthMaterial is decrypted authentication material for one SSH connection.
type AuthMaterial struct {
	Kind       MaterialKind
	Password   string
	PrivateKey string
	Passphrase string
	KeyKind    string
}

// SocksProxy describes one SOCKS5 hop.
type SocksProxy struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Target is a fully resolved SSH destination: address, login and decrypted
// material, plus the jump-host references and proxy chain configured for it.
type Target struct {
	HostID      uint
	Address     string
	Port        int
	Username    string
	Material    AuthMaterial
	JumpHostIDs []uint
	Proxies     []SocksProxy
}

// Store resolves references against the relational database, decrypting
// secrets with the Fernet key.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// ResolveHost loads a host row and returns a connectable target with
// decrypted material. The caller identity is recorded for audit logging only;
// access control happens before the gateway accepts the socket.
func (s *Store) ResolveHost(hostID, callerID uint) (*Target, error) {
	h, err := database.GetHostByID(hostID)
	if err != nil {
		return nil, fmt.Errorf("resolve host %d: %w", hostID, err)
	}

	t := &Target{
		HostID:   h.ID,
		Address:  h.IP,
		Port:     h.Port,
		Username: h.Username,
	}

	if h.CredentialID != nil {
		material, username, err := s.ResolveCredential(*h.CredentialID, callerID)
		if err != nil {
			return nil, err
		}
		t.Material = *material
		if username != "" {
			t.Username = username
		}
	} else {
		material, err := decryptHostMaterial(h)
		if err != nil {
			return nil, err
		}
		t.Material = *material
	}

	if err := json.Unmarshal([]byte(orEmptyList(h.JumpHosts)), &t.JumpHostIDs); err != nil {
		return nil, fmt.Errorf("parse jump hosts for host %d: %w", hostID, err)
	}

	if h.UseSocks5 {
		proxies, err := decryptProxyChain(h)
		if err != nil {
			return nil, err
		}
		t.Proxies = proxies
	}

	log.Printf("[creds] resolved host %d (%s) for user %d", h.ID, logutil.Snippet(h.Name, 64), callerID)
	return t, nil
}

// ResolveCredential loads and decrypts a shared credential. The returned
// username is empty when the credential does not carry one.
func (s *Store) ResolveCredential(credID, callerID uint) (*AuthMaterial, string, error) {
	c, err := database.GetCredentialByID(credID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve credential %d: %w", credID, err)
	}

	material := &AuthMaterial{Kind: MaterialKind(c.AuthType), KeyKind: c.KeyType}
	if material.Password, err = crypto.Decrypt(c.Password); err != nil {
		return nil, "", fmt.Errorf("decrypt credential %d password: %w", credID, err)
	}
	if material.PrivateKey, err = crypto.Decrypt(c.PrivateKey); err != nil {
		return nil, "", fmt.Errorf("decrypt credential %d key: %w", credID, err)
	}
	if material.Passphrase, err = crypto.Decrypt(c.Passphrase); err != nil {
		return nil, "", fmt.Errorf("decrypt credential %d passphrase: %w", credID, err)
	}
	if material.Kind == "" {
		material.Kind = MaterialPassword
	}

	log.Printf("[creds] resolved credential %d (%s) for user %d", c.ID, logutil.Snippet(c.Name, 64), callerID)
	return material, c.Username, nil
}

func decryptHostMaterial(h *database.Host) (*AuthMaterial, error) {
	material := &AuthMaterial{Kind: MaterialKind(h.AuthType), KeyKind: h.KeyType}
	var err error
	if material.Password, err = crypto.Decrypt(h.Password); err != nil {
		return nil, fmt.Errorf("decrypt host %d password: %w", h.ID, err)
	}
	if material.PrivateKey, err = crypto.Decrypt(h.PrivateKey); err != nil {
		return nil, fmt.Errorf("decrypt host %d key: %w", h.ID, err)
	}
	if material.Passphrase, err = crypto.Decrypt(h.KeyPassword); err != nil {
		return nil, fmt.Errorf("decrypt host %d key password: %w", h.ID, err)
	}
	if material.Kind == "" {
		material.Kind = MaterialPassword
	}
	return material, nil
}

func decryptProxyChain(h *database.Host) ([]SocksProxy, error) {
	var proxies []SocksProxy
	if err := json.Unmarshal([]byte(orEmptyList(h.Socks5ProxyChain)), &proxies); err != nil {
		return nil, fmt.Errorf("parse proxy chain for host %d: %w", h.ID, err)
	}

	// A single socks5_host/port pair is shorthand for a one-element chain.
	if len(proxies) == 0 && h.Socks5Host != "" {
		password, err := crypto.Decrypt(h.Socks5Password)
		if err != nil {
			return nil, fmt.Errorf("decrypt host %d proxy password: %w", h.ID, err)
		}
		proxies = []SocksProxy{{
			Host:     h.Socks5Host,
			Port:     h.Socks5Port,
			Username: h.Socks5Username,
			Password: password,
		}}
	}
	return proxies, nil
}

func orEmptyList(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}
