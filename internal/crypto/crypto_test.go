package crypto

import (
	"path/filepath"
	"testing"

	"github.com/moorgate-io/moorgate/internal/config"
	"github.com/moorgate-io/moorgate/internal/database"
)

func setupDB(t *testing.T) {
	t.Helper()
	config.Cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	if err := database.Init(); err != nil {
		t.Fatalf("database init: %v", err)
	}
	t.Cleanup(func() { database.Close() })
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	setupDB(t)

	ciphertext, err := Encrypt("hunter2")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if ciphertext == "hunter2" || ciphertext == "" {
		t.Fatalf("ciphertext = %q", ciphertext)
	}

	plaintext, err := Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if plaintext != "hunter2" {
		t.Errorf("plaintext = %q, want original", plaintext)
	}
}

func TestEncryptEmptyIsEmpty(t *testing.T) {
	setupDB(t)

	out, err := Encrypt("")
	if err != nil || out != "" {
		t.Errorf("Encrypt(\"\") = %q, %v", out, err)
	}
	out, err = Decrypt("")
	if err != nil || out != "" {
		t.Errorf("Decrypt(\"\") = %q, %v", out, err)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	setupDB(t)

	if _, err := Decrypt("not-a-fernet-token"); err == nil {
		t.Error("Decrypt() accepted garbage")
	}
}

func TestKeyPersistsAcrossCalls(t *testing.T) {
	setupDB(t)

	ciphertext, err := Encrypt("value")
	if err != nil {
		t.Fatal(err)
	}
	// A second operation must reuse the persisted key, not generate a new one.
	if _, err := Decrypt(ciphertext); err != nil {
		t.Errorf("Decrypt() with persisted key failed: %v", err)
	}
}

func TestMask(t *testing.T) {
	if got := Mask(""); got != "" {
		t.Errorf("Mask(\"\") = %q", got)
	}
	if got := Mask("ab"); got != "****" {
		t.Errorf("Mask(short) = %q", got)
	}
	if got := Mask("supersecret"); got != "****cret" {
		t.Errorf("Mask(long) = %q", got)
	}
}
