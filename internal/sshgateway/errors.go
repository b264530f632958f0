package sshgateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// errInvalidKeyFormat is returned before any connection attempt when supplied
// key material does not look like a PEM private key block. The message text
// is sent to the client verbatim.
var errInvalidKeyFormat = errors.New("Invalid private key format")

// looksLikePrivateKey reports whether key material is a plausible PEM block.
// Full parsing happens later; this catches pasted public keys and garbage
// before a connection is attempted.
func looksLikePrivateKey(key string) bool {
	return strings.Contains(key, "-----BEGIN") && strings.Contains(key, "-----END")
}

// isAuthFailure reports whether an SSH handshake error means the server
// rejected every offered authentication method.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "permission denied")
}

// friendlyConnectError maps known network failure signatures to messages a
// person at a terminal can act on, falling back to the raw error text.
func friendlyConnectError(err error, addr string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no such host"):
		return fmt.Sprintf("Hostname could not be resolved: %s", addr)
	case strings.Contains(lower, "connection refused"):
		return fmt.Sprintf("Connection refused by %s", addr)
	case errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(lower, "i/o timeout") ||
		strings.Contains(lower, "timed out"):
		return fmt.Sprintf("Connection to %s timed out", addr)
	case strings.Contains(lower, "connection reset"):
		return fmt.Sprintf("Connection reset by %s", addr)
	case strings.Contains(lower, "no common algorithm"):
		return "Could not agree on SSH algorithms with the server"
	default:
		return msg
	}
}
