package sshgateway

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/moorgate-io/moorgate/internal/sshcreds"
)

func noSurface(promptKind, string) error { return nil }

func TestIsTOTPPrompt(t *testing.T) {
	matches := []string{
		"Verification code: ",
		"One-time password:",
		"one time code",
		"Enter OTP:",
		"2FA code:",
		"Authenticator app code:",
	}
	for _, p := range matches {
		if !isTOTPPrompt(p) {
			t.Errorf("isTOTPPrompt(%q) = false, want true", p)
		}
	}

	nonMatches := []string{
		"Password: ",
		"password for root:",
		"Are you sure? (yes/no)",
	}
	for _, p := range nonMatches {
		if isTOTPPrompt(p) {
			t.Errorf("isTOTPPrompt(%q) = true, want false", p)
		}
	}
}

func TestIsPasswordPrompt(t *testing.T) {
	if !isPasswordPrompt("Password: ", false) {
		t.Error("no-echo password prompt not recognized")
	}
	if !isPasswordPrompt("Enter PASSWORD for admin", true) {
		t.Error("echoed prompt mentioning password not recognized")
	}
	if !isPasswordPrompt("anything hidden", false) {
		t.Error("no-echo prompt should count as password prompt")
	}
	if isPasswordPrompt("Enter your username", true) {
		t.Error("echoed non-password prompt misclassified")
	}
}

func TestAuthMethods_KeyValidation(t *testing.T) {
	n := newNegotiator(context.Background(), sshcreds.AuthMaterial{
		Kind:       sshcreds.MaterialKey,
		PrivateKey: "ssh-ed25519 AAAA... not a private key",
	}, false, time.Second, noSurface)

	_, err := n.authMethods()
	if !errors.Is(err, errInvalidKeyFormat) {
		t.Fatalf("authMethods() error = %v, want errInvalidKeyFormat", err)
	}
}

func TestAuthMethods_ValidKey(t *testing.T) {
	keyPEM, _ := newTestKeyPEM(t)
	n := newNegotiator(context.Background(), sshcreds.AuthMaterial{
		Kind:       sshcreds.MaterialKey,
		PrivateKey: keyPEM,
	}, false, time.Second, noSurface)

	methods, err := n.authMethods()
	if err != nil {
		t.Fatalf("authMethods() error: %v", err)
	}
	if len(methods) != 2 {
		t.Fatalf("got %d methods, want public key plus keyboard-interactive", len(methods))
	}
}

func TestAuthMethods_ForceInteractiveIgnoresStoredKey(t *testing.T) {
	keyPEM, _ := newTestKeyPEM(t)
	n := newNegotiator(context.Background(), sshcreds.AuthMaterial{
		Kind:       sshcreds.MaterialKey,
		PrivateKey: keyPEM,
	}, true, time.Second, noSurface)

	methods, err := n.authMethods()
	if err != nil {
		t.Fatalf("authMethods() error: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("got %d methods, want keyboard-interactive only", len(methods))
	}
}

func TestChallenge_EmptyRound(t *testing.T) {
	n := newNegotiator(context.Background(), sshcreds.AuthMaterial{Kind: sshcreds.MaterialPassword, Password: "pw"},
		false, time.Second, noSurface)

	answers, err := n.challenge("root", "welcome", nil, nil)
	if err != nil {
		t.Fatalf("challenge() error: %v", err)
	}
	if len(answers) != 0 {
		t.Fatalf("got %d answers, want 0", len(answers))
	}
}

func TestChallenge_AutoAnswersStoredPassword(t *testing.T) {
	n := newNegotiator(context.Background(), sshcreds.AuthMaterial{Kind: sshcreds.MaterialPassword, Password: "secret"},
		false, time.Second, noSurface)

	answers, err := n.challenge("root", "", []string{"Password: "}, []bool{false})
	if err != nil {
		t.Fatalf("challenge() error: %v", err)
	}
	if len(answers) != 1 || answers[0] != "secret" {
		t.Fatalf("answers = %v, want [secret]", answers)
	}
}

func TestChallenge_RejectedStoredPasswordFailsSecondRound(t *testing.T) {
	n := newNegotiator(context.Background(), sshcreds.AuthMaterial{Kind: sshcreds.MaterialPassword, Password: "secret"},
		false, time.Second, noSurface)

	if _, err := n.challenge("root", "", []string{"Password: "}, []bool{false}); err != nil {
		t.Fatalf("first round error: %v", err)
	}
	_, err := n.challenge("root", "", []string{"Password: "}, []bool{false})
	if err == nil {
		t.Fatal("second password round should fail instead of looping")
	}
}

func TestChallenge_TOTPRelayedToClient(t *testing.T) {
	surfaced := make(chan string, 1)
	n := newNegotiator(context.Background(), sshcreds.AuthMaterial{Kind: sshcreds.MaterialPassword, Password: "pw"},
		false, 5*time.Second, func(kind promptKind, prompt string) error {
			if kind != promptTOTP {
				t.Errorf("surfaced kind = %v, want TOTP", kind)
			}
			surfaced <- prompt
			return nil
		})

	go func() {
		<-surfaced
		if !n.resolve(promptTOTP, "123456") {
			t.Error("resolve(promptTOTP) = false")
		}
	}()

	answers, err := n.challenge("root", "", []string{"Verification code: "}, []bool{false})
	if err != nil {
		t.Fatalf("challenge() error: %v", err)
	}
	if answers[0] != "123456" {
		t.Fatalf("answer = %q, want relayed code", answers[0])
	}
}

func TestChallenge_TOTPSurfacedOnlyOnce(t *testing.T) {
	var n *negotiator
	n = newNegotiator(context.Background(), sshcreds.AuthMaterial{Kind: sshcreds.MaterialPassword, Password: "pw"},
		false, 5*time.Second, func(kind promptKind, prompt string) error {
			go n.resolve(promptTOTP, "111111")
			return nil
		})

	if _, err := n.challenge("root", "", []string{"Verification code: "}, []bool{false}); err != nil {
		t.Fatalf("first TOTP round error: %v", err)
	}
	_, err := n.challenge("root", "", []string{"Verification code: "}, []bool{false})
	if err == nil {
		t.Fatal("second TOTP round should fail, not re-prompt")
	}
}

func TestChallenge_MixedRoundAnswersPasswordAlongsideTOTP(t *testing.T) {
	var n *negotiator
	n = newNegotiator(context.Background(), sshcreds.AuthMaterial{Kind: sshcreds.MaterialPassword, Password: "pw"},
		false, 5*time.Second, func(kind promptKind, prompt string) error {
			go n.resolve(promptTOTP, "654321")
			return nil
		})

	answers, err := n.challenge("root", "",
		[]string{"Password: ", "Verification code: "}, []bool{false, false})
	if err != nil {
		t.Fatalf("challenge() error: %v", err)
	}
	if answers[0] != "pw" || answers[1] != "654321" {
		t.Fatalf("answers = %v, want stored password and relayed code", answers)
	}
}

func TestChallenge_MissingPasswordRelayed(t *testing.T) {
	var n *negotiator
	n = newNegotiator(context.Background(), sshcreds.AuthMaterial{Kind: sshcreds.MaterialNone},
		false, 5*time.Second, func(kind promptKind, prompt string) error {
			if kind != promptPassword {
				t.Errorf("surfaced kind = %v, want password", kind)
			}
			go n.resolve(promptPassword, "live-password")
			return nil
		})

	answers, err := n.challenge("root", "", []string{"Password: "}, []bool{false})
	if err != nil {
		t.Fatalf("challenge() error: %v", err)
	}
	if answers[0] != "live-password" {
		t.Fatalf("answer = %q, want relayed password", answers[0])
	}
}

func TestAwait_Timeout(t *testing.T) {
	n := newNegotiator(context.Background(), sshcreds.AuthMaterial{Kind: sshcreds.MaterialNone},
		false, 50*time.Millisecond, noSurface)

	_, err := n.await(promptTOTP, "Verification code: ")
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("await() error = %v, want timeout", err)
	}
}

func TestAwait_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := newNegotiator(ctx, sshcreds.AuthMaterial{Kind: sshcreds.MaterialNone},
		false, 5*time.Second, noSurface)

	go cancel()
	_, err := n.await(promptPassword, "Password: ")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("await() error = %v, want context.Canceled", err)
	}
}

func TestResolve_WrongKindRejected(t *testing.T) {
	n := newNegotiator(context.Background(), sshcreds.AuthMaterial{Kind: sshcreds.MaterialNone},
		false, 5*time.Second, noSurface)

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.await(promptTOTP, "Verification code: ")
	}()

	// Wait for the prompt to become pending.
	deadline := time.After(2 * time.Second)
	for {
		n.mu.Lock()
		pending := n.pending != nil
		n.mu.Unlock()
		if pending {
			break
		}
		select {
		case <-deadline:
			t.Fatal("prompt never became pending")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if n.resolve(promptPassword, "nope") {
		t.Error("resolve with mismatched kind should fail")
	}
	if !n.resolve(promptTOTP, "123456") {
		t.Error("resolve with matching kind should succeed")
	}
	<-done
}

// End to end: handshake against a server that demands a one-time code.
func TestNegotiator_InteractiveHandshake(t *testing.T) {
	addr := startTestServer(t, testServerConfig{
		challenge: func(client ssh.KeyboardInteractiveChallenge) error {
			answers, err := client("", "", []string{"Verification code: "}, []bool{false})
			if err != nil {
				return err
			}
			if len(answers) != 1 || answers[0] != "42424242" {
				return errors.New("bad code")
			}
			return nil
		},
	})

	var n *negotiator
	n = newNegotiator(context.Background(), sshcreds.AuthMaterial{Kind: sshcreds.MaterialNone},
		false, 5*time.Second, func(kind promptKind, prompt string) error {
			go n.resolve(promptTOTP, "42424242")
			return nil
		})

	methods, err := n.authMethods()
	if err != nil {
		t.Fatalf("authMethods() error: %v", err)
	}
	client, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            "root",
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		t.Fatalf("dial with interactive auth: %v", err)
	}
	client.Close()
}
