package sshgateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/moorgate-io/moorgate/internal/sshcreds"
)

// promptKind distinguishes the two human-in-the-loop prompt flavors.
type promptKind int

const (
	promptTOTP promptKind = iota
	promptPassword
)

func (k promptKind) String() string {
	if k == promptTOTP {
		return "one-time code"
	}
	return "password"
}

// totpPromptPattern matches keyboard-interactive prompts asking for a
// one-time code rather than a password.
var totpPromptPattern = regexp.MustCompile(`(?i)verification code|one[-\s]?time|\botp\b|2fa|authenticator`)

func isTOTPPrompt(prompt string) bool {
	return totpPromptPattern.MatchString(prompt)
}

// isPasswordPrompt treats no-echo prompts and anything mentioning "password"
// as answerable with the stored or supplied password.
func isPasswordPrompt(prompt string, echo bool) bool {
	return !echo || strings.Contains(strings.ToLower(prompt), "password")
}

// promptRequest is a one-shot continuation for a surfaced prompt. The answer
// channel is buffered so resolving never blocks the socket read loop.
type promptRequest struct {
	kind   promptKind
	answer chan string
}

// negotiator drives SSH authentication for one connect attempt. It owns the
// keyboard-interactive callback: prompts it can answer from stored material
// are answered automatically, TOTP and missing-password prompts are relayed
// to the client and the callback parks until the answer arrives or the wait
// times out. A negotiator is never reused across attempts.
type negotiator struct {
	ctx              context.Context
	material         sshcreds.AuthMaterial
	forceInteractive bool
	answerTimeout    time.Duration
	surface          func(kind promptKind, prompt string) error

	mu             sync.Mutex
	pending        *promptRequest
	totpSurfaced   bool
	passwordOffered bool
}

func newNegotiator(ctx context.Context, material sshcreds.AuthMaterial, forceInteractive bool, answerTimeout time.Duration, surface func(promptKind, string) error) *negotiator {
	return &negotiator{
		ctx:              ctx,
		material:         material,
		forceInteractive: forceInteractive,
		answerTimeout:    answerTimeout,
		surface:          surface,
	}
}

// authMethods builds the method list offered to the server, ordered so that
// stored material is tried before anything interactive.
func (n *negotiator) authMethods() ([]ssh.AuthMethod, error) {
	if n.forceInteractive {
		return []ssh.AuthMethod{ssh.KeyboardInteractive(n.challenge)}, nil
	}

	switch n.material.Kind {
	case sshcreds.MaterialKey:
		if !looksLikePrivateKey(n.material.PrivateKey) {
			return nil, errInvalidKeyFormat
		}
		signer, err := parseSigner(n.material.PrivateKey, n.material.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{
			ssh.PublicKeys(signer),
			ssh.KeyboardInteractive(n.challenge),
		}, nil
	case sshcreds.MaterialPassword:
		if n.material.Password != "" {
			return []ssh.AuthMethod{
				ssh.Password(n.material.Password),
				ssh.KeyboardInteractive(n.challenge),
			}, nil
		}
		fallthrough
	default:
		// No stored secret: everything goes through keyboard-interactive so
		// the client can be prompted live.
		return []ssh.AuthMethod{ssh.KeyboardInteractive(n.challenge)}, nil
	}
}

func parseSigner(privateKey, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase([]byte(privateKey), []byte(passphrase))
	}
	return ssh.ParsePrivateKey([]byte(privateKey))
}

// challenge is the keyboard-interactive callback. The SSH library may invoke
// it several times in one handshake; each round is classified and either
// auto-answered or relayed to the client.
func (n *negotiator) challenge(user, instruction string, questions []string, echos []bool) ([]string, error) {
	if len(questions) == 0 {
		// Informational round, acknowledge with no answers.
		return []string{}, nil
	}

	for i, q := range questions {
		if isTOTPPrompt(q) {
			return n.answerTOTPRound(questions, echos, i)
		}
	}
	return n.answerPasswordRound(questions, echos)
}

func (n *negotiator) answerTOTPRound(questions []string, echos []bool, totpIdx int) ([]string, error) {
	n.mu.Lock()
	if n.totpSurfaced {
		n.mu.Unlock()
		// A second code request means the first code was rejected. Fail the
		// attempt instead of re-prompting so the client sees a clean error.
		return nil, errors.New("one-time code was not accepted")
	}
	n.totpSurfaced = true
	n.mu.Unlock()

	code, err := n.await(promptTOTP, questions[totpIdx])
	if err != nil {
		return nil, err
	}

	answers := make([]string, len(questions))
	for i := range questions {
		switch {
		case i == totpIdx:
			answers[i] = code
		case isPasswordPrompt(questions[i], echos[i]):
			answers[i] = n.material.Password
		}
	}
	return answers, nil
}

func (n *negotiator) answerPasswordRound(questions []string, echos []bool) ([]string, error) {
	answers := make([]string, len(questions))

	n.mu.Lock()
	stored := n.material.Password
	offered := n.passwordOffered
	if stored != "" {
		n.passwordOffered = true
	}
	n.mu.Unlock()

	if stored != "" {
		if offered {
			// The server already rejected this password in an earlier round.
			return nil, errors.New("password was not accepted")
		}
		for i := range questions {
			if isPasswordPrompt(questions[i], echos[i]) {
				answers[i] = stored
			}
		}
		return answers, nil
	}

	// No stored password; relay the first password-looking prompt.
	idx := -1
	for i := range questions {
		if isPasswordPrompt(questions[i], echos[i]) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return answers, nil
	}

	value, err := n.await(promptPassword, questions[idx])
	if err != nil {
		return nil, err
	}
	answers[idx] = value
	return answers, nil
}

// await surfaces a prompt to the client and blocks the handshake goroutine
// until resolve delivers the answer, the attempt is canceled, or the answer
// wait times out.
func (n *negotiator) await(kind promptKind, prompt string) (string, error) {
	req := &promptRequest{kind: kind, answer: make(chan string, 1)}

	n.mu.Lock()
	if n.pending != nil {
		n.mu.Unlock()
		return "", errors.New("another authentication prompt is already pending")
	}
	n.pending = req
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		if n.pending == req {
			n.pending = nil
		}
		n.mu.Unlock()
	}()

	if err := n.surface(kind, prompt); err != nil {
		return "", fmt.Errorf("relay %s prompt: %w", kind, err)
	}

	select {
	case v := <-req.answer:
		return v, nil
	case <-n.ctx.Done():
		return "", n.ctx.Err()
	case <-time.After(n.answerTimeout):
		return "", fmt.Errorf("timed out waiting for %s", kind)
	}
}

// resolve delivers the client's answer to the pending prompt. It returns
// false when no prompt of that kind is waiting.
func (n *negotiator) resolve(kind promptKind, value string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == nil || n.pending.kind != kind {
		return false
	}
	n.pending.answer <- value
	n.pending = nil
	return true
}
