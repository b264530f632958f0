// Package sshterminal provides interactive terminal sessions over SSH
// connections.
//
// It wraps golang.org/x/crypto/ssh to create PTY-backed shell sessions sized
// to the client's terminal, with support for resizing. The package is used by
// the terminal gateway to stream remote shells to browser clients.
package sshterminal

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// MaxInputMessageSize is the maximum size in bytes for a single terminal input
// message. Messages exceeding this limit are rejected to prevent DoS.
const MaxInputMessageSize = 64 * 1024 // 64 KB

// MaxCols and MaxRows define upper bounds for terminal dimensions.
// Values beyond these are clamped.
const (
	MaxCols = 500
	MaxRows = 500
)

// Default dimensions used when the client supplies none.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// ClampSize normalizes terminal dimensions to the allowed range.
func ClampSize(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}

// TerminalSession wraps an SSH session with PTY support for interactive
// shell access.
type TerminalSession struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Session *ssh.Session
}

// Resize changes the terminal dimensions of the PTY.
func (ts *TerminalSession) Resize(cols, rows int) error {
	cols, rows = ClampSize(cols, rows)
	return ts.Session.WindowChange(rows, cols)
}

// Close terminates the SSH session and releases resources.
func (ts *TerminalSession) Close() error {
	return ts.Session.Close()
}

// CreateInteractiveSession opens a new SSH session with a PTY of the given
// dimensions and starts the remote user's login shell. Stderr is merged into
// the PTY stream by the remote side, so only Stdout needs to be read.
func CreateInteractiveSession(client *ssh.Client, cols, rows int) (*TerminalSession, error) {
	cols, rows = ClampSize(cols, rows)

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &TerminalSession{
		Stdin:   stdin,
		Stdout:  stdout,
		Session: session,
	}, nil
}
