// Package sshgateway serves interactive SSH terminals to browser clients
// over websockets. Each accepted socket becomes a Session that drives at
// most one SSH connection at a time, including jump-host chains, SOCKS5
// proxy chains and human-in-the-loop authentication prompts.
package sshgateway

import (
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/moorgate-io/moorgate/internal/auth"
	"github.com/moorgate-io/moorgate/internal/sshcreds"
)

// maxFrameSize bounds a single inbound websocket frame. Input payloads have
// their own tighter limit; this catches oversized envelopes early.
const maxFrameSize = 1024 * 1024

// TokenVerifier checks bearer tokens presented on the websocket handshake.
type TokenVerifier interface {
	Verify(token string) (auth.TokenInfo, bool)
}

// TargetResolver resolves stored host and credential references into
// decrypted connection material.
type TargetResolver interface {
	ResolveHost(hostID, callerID uint) (*sshcreds.Target, error)
	ResolveCredential(credID, callerID uint) (*sshcreds.AuthMaterial, string, error)
}

// ShellReporter receives a notification whenever a shell is opened.
// Implementations must not block.
type ShellReporter interface {
	ShellOpened(callerID, hostID uint, address string)
}

// Config carries the gateway's tunables.
type Config struct {
	// MaxSessionsPerUser caps concurrent sockets per caller. Zero disables
	// the cap.
	MaxSessionsPerUser int
	// ConnectTimeout bounds each network dial and SSH handshake.
	ConnectTimeout time.Duration
	// AnswerTimeout bounds the wait for a client's answer to an interactive
	// authentication prompt.
	AnswerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.AnswerTimeout <= 0 {
		c.AnswerTimeout = 60 * time.Second
	}
	return c
}

// Gateway accepts terminal websockets and hands each one to a Session.
type Gateway struct {
	verifier TokenVerifier
	resolver TargetResolver
	reporter ShellReporter
	registry *sessionRegistry
	cfg      Config
}

func New(verifier TokenVerifier, resolver TargetResolver, reporter ShellReporter, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	return &Gateway{
		verifier: verifier,
		resolver: resolver,
		reporter: reporter,
		registry: newSessionRegistry(cfg.MaxSessionsPerUser),
		cfg:      cfg,
	}
}

// Router returns the gateway's HTTP surface: the websocket endpoint plus a
// trivial liveness probe.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", g.HandleWS)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}

// HandleWS authenticates the handshake, enforces the per-caller session cap
// and runs the session loop until the socket closes. Rejections happen
// before the websocket upgrade so clients get a plain HTTP status.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	info, ok := g.verifier.Verify(token)
	if !ok {
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}
	if info.PendingTOTP {
		http.Error(w, "Second factor verification required", http.StatusUnauthorized)
		return
	}

	if !g.registry.acquire(info.UserID) {
		log.Printf("[gateway] user %d rejected: session limit reached", info.UserID)
		http.Error(w, "Too many concurrent terminal sessions", http.StatusTooManyRequests)
		return
	}
	defer g.registry.release(info.UserID)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("[gateway] websocket accept failed: %v", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxFrameSize)

	s := newSession(g, info.UserID, conn)
	log.Printf("[gateway] session %s opened for user %d (%d active)", s.id, info.UserID, g.registry.active(info.UserID))

	s.run(r.Context())

	log.Printf("[gateway] session %s closed for user %d", s.id, info.UserID)
	conn.Close(websocket.StatusNormalClosure, "")
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
