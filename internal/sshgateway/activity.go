package sshgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	activityTimeout  = 5 * time.Second
	internalTokenTTL = time.Minute
	internalSubject  = "terminal-gateway"
)

// ActivityEvent is the payload posted to the internal activity endpoint.
type ActivityEvent struct {
	UserID  uint   `json:"user_id"`
	HostID  uint   `json:"host_id"`
	Address string `json:"address"`
	Action  string `json:"action"`
}

// Reporter posts shell-open notifications to the control plane's internal
// activity endpoint. Posts are fire and forget; failures are logged and
// never affect the terminal session.
type Reporter struct {
	endpoint string
	secret   []byte
	client   *http.Client
}

func NewReporter(endpoint string, secret []byte) *Reporter {
	return &Reporter{
		endpoint: endpoint,
		secret:   secret,
		client:   &http.Client{Timeout: activityTimeout},
	}
}

// ShellOpened records that a shell was opened on a host.
func (r *Reporter) ShellOpened(callerID, hostID uint, address string) {
	if r == nil || r.endpoint == "" {
		return
	}
	event := ActivityEvent{
		UserID:  callerID,
		HostID:  hostID,
		Address: address,
		Action:  "shell_opened",
	}
	go func() {
		if err := r.post(event); err != nil {
			log.Printf("[gateway] activity report failed: %v", err)
		}
	}()
}

func (r *Reporter) post(event ActivityEvent) error {
	token, err := MintInternalToken(r.secret, event.UserID)
	if err != nil {
		return fmt.Errorf("mint internal token: %w", err)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), activityTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("activity endpoint returned %s", resp.Status)
	}
	return nil
}

// MintInternalToken issues a short-lived HS256 token for the internal
// activity endpoint.
func MintInternalToken(secret []byte, callerID uint) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": internalSubject,
		"uid": callerID,
		"iat": now.Unix(),
		"exp": now.Add(internalTokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyInternalToken validates a token minted by MintInternalToken and
// returns the caller id embedded in it.
func VerifyInternalToken(secret []byte, token string) (uint, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return 0, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return 0, fmt.Errorf("invalid token claims")
	}
	if sub, _ := claims["sub"].(string); sub != internalSubject {
		return 0, fmt.Errorf("unexpected token subject")
	}
	uid, ok := claims["uid"].(float64)
	if !ok {
		return 0, fmt.Errorf("missing caller id claim")
	}
	return uint(uid), nil
}
