// Package auth issues and verifies the bearer tokens used by both the REST
// API and the terminal gateway. Tokens are opaque random values held in an
// in-memory store; a token created for a user with a pending second-factor
// challenge is marked as such and rejected by everything except the TOTP
// verification endpoint.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const (
	TokenDuration = 8 * time.Hour
	TokenCookie   = "moorgate_token"
	BcryptCost    = 12
)

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// TokenInfo describes a verified bearer token.
type TokenInfo struct {
	UserID uint
	// PendingTOTP is true while the user still owes a second factor.
	// Such tokens must not open terminal sessions.
	PendingTOTP bool
}

type tokenEntry struct {
	info      TokenInfo
	expiresAt time.Time
}

type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]tokenEntry
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		tokens: make(map[string]tokenEntry),
	}
}

// Create mints a new bearer token for the user. pendingTOTP marks the token
// as awaiting a second factor.
func (s *TokenStore) Create(userID uint, pendingTOTP bool) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	s.mu.Lock()
	s.tokens[token] = tokenEntry{
		info:      TokenInfo{UserID: userID, PendingTOTP: pendingTOTP},
		expiresAt: time.Now().Add(TokenDuration),
	}
	s.mu.Unlock()
	return token, nil
}

// Verify returns the token's info when the token exists and has not expired.
func (s *TokenStore) Verify(token string) (TokenInfo, bool) {
	s.mu.RLock()
	entry, ok := s.tokens[token]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return TokenInfo{}, false
	}
	return entry.info, true
}

// ClearPendingTOTP marks a pending token as fully authenticated, after the
// second factor has been presented elsewhere.
func (s *TokenStore) ClearPendingTOTP(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.tokens[token]
	if !ok || time.Now().After(entry.expiresAt) {
		return false
	}
	entry.info.PendingTOTP = false
	s.tokens[token] = entry
	return true
}

func (s *TokenStore) Delete(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

func (s *TokenStore) DeleteByUserID(userID uint) {
	s.mu.Lock()
	for token, entry := range s.tokens {
		if entry.info.UserID == userID {
			delete(s.tokens, token)
		}
	}
	s.mu.Unlock()
}

// Cleanup removes expired tokens. Called periodically from main.
func (s *TokenStore) Cleanup() {
	now := time.Now()
	s.mu.Lock()
	for token, entry := range s.tokens {
		if now.After(entry.expiresAt) {
			delete(s.tokens, token)
		}
	}
	s.mu.Unlock()
}
