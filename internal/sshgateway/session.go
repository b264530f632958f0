package sshgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/moorgate-io/moorgate/internal/logutil"
	"github.com/moorgate-io/moorgate/internal/sshcreds"
	"github.com/moorgate-io/moorgate/internal/sshterminal"
)

// sessionState tracks where a session is in its connection lifecycle.
type sessionState int

const (
	stateIdle sessionState = iota
	stateConnecting
	stateConnected
	stateCleaningUp
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateCleaningUp:
		return "cleaning_up"
	default:
		return "unknown"
	}
}

const writeTimeout = 10 * time.Second

// Session owns one accepted websocket and at most one SSH connection at a
// time. The read loop runs on the accepting goroutine; connecting and shell
// output pumping run on their own goroutines and coordinate through the
// state machine under mu.
type Session struct {
	id       string
	callerID uint
	conn     *websocket.Conn
	gw       *Gateway

	// writeMu serializes websocket writes from the read loop, the shell
	// output pump and the connect goroutine.
	writeMu sync.Mutex

	mu                sync.Mutex
	state             sessionState
	attempt           uint64
	client            *ssh.Client
	hopClients        []*ssh.Client
	shell             *sshterminal.TerminalSession
	neg               *negotiator
	connectCancel     context.CancelFunc
	shellInitializing bool
	cleanupPending    bool
	lastConnect       *ConnectRequest
}

func newSession(gw *Gateway, callerID uint, conn *websocket.Conn) *Session {
	return &Session{
		id:       uuid.New().String(),
		callerID: callerID,
		conn:     conn,
		gw:       gw,
	}
}

// run reads and dispatches frames until the socket closes, then tears down
// whatever connection state is left.
func (s *Session) run(ctx context.Context) {
	defer s.cleanup("socket closed")

	limiter := newTokenBucket(inputRateBurst, inputRateLimit)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.allow() {
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[gateway] session %s: malformed frame: %v", s.id, err)
			s.sendError("Invalid message format")
			continue
		}
		s.handle(ctx, msg)
	}
}

func (s *Session) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case msgPing:
		s.send(evtPong, nil)
	case msgConnect:
		var req ConnectRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.sendError("Invalid connect request")
			return
		}
		s.startConnect(ctx, &req)
	case msgResize:
		var req ResizeRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		s.handleResize(req)
	case msgInput:
		s.handleInput(msg.Data)
	case msgDisconnect:
		s.cleanup("client requested disconnect")
		s.send(evtDisconnected, nil)
	case msgTOTPResponse:
		s.handleAuthResponse(promptTOTP, msg.Data)
	case msgPasswordResponse:
		s.handleAuthResponse(promptPassword, msg.Data)
	case msgReconnect:
		s.handleReconnect(ctx, msg.Data)
	default:
		log.Printf("[gateway] session %s: unknown message type %s", s.id, logutil.Snippet(msg.Type, 32))
	}
}

// startConnect validates the request and launches the connect goroutine so
// the read loop stays free to deliver prompt answers mid-handshake.
func (s *Session) startConnect(ctx context.Context, req *ConnectRequest) {
	s.mu.Lock()
	if s.state != stateIdle {
		state := s.state
		s.mu.Unlock()
		log.Printf("[gateway] session %s: connect ignored in state %s", s.id, state)
		return
	}
	s.state = stateConnecting
	s.attempt++
	gen := s.attempt
	s.lastConnect = req
	s.mu.Unlock()

	if err := validateHostConfig(&req.HostConfig); err != nil {
		s.sendError(err.Error())
		s.cleanup("invalid host configuration")
		return
	}
	go s.connect(ctx, req, gen)
}

func validateHostConfig(cfg *HostConfig) error {
	if cfg.IP == "" && cfg.ID == 0 {
		return errors.New("Host address is required")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return errors.New("Invalid port number")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Username == "" && cfg.ID == 0 && cfg.CredentialID == 0 {
		return errors.New("Username is required")
	}
	return nil
}

func (s *Session) connect(ctx context.Context, req *ConnectRequest, gen uint64) {
	cctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.connectCancel = cancel
	s.mu.Unlock()
	defer cancel()

	target, err := s.resolveTarget(req)
	if err != nil {
		s.failConnect(err, req.HostConfig.IP, gen)
		return
	}
	addr := net.JoinHostPort(target.Address, strconv.Itoa(target.Port))

	neg := newNegotiator(cctx, target.Material, req.HostConfig.ForceKeyboardInteractive,
		s.gw.cfg.AnswerTimeout, s.surfacePrompt)
	s.mu.Lock()
	s.neg = neg
	s.mu.Unlock()

	methods, err := neg.authMethods()
	if err != nil {
		s.failConnect(err, addr, gen)
		return
	}

	config := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         s.gw.cfg.ConnectTimeout,
	}

	// Interactive prompts can legitimately stall the handshake, so the
	// overall deadline leaves room for one answer wait on top of the
	// network timeout.
	hctx, hcancel := context.WithTimeout(cctx, s.gw.cfg.ConnectTimeout+s.gw.cfg.AnswerTimeout)
	defer hcancel()

	client, hops, err := s.dialTarget(hctx, target, addr, config)
	if err != nil {
		s.failConnect(err, addr, gen)
		return
	}

	s.mu.Lock()
	if s.state != stateConnecting || s.attempt != gen || s.cleanupPending {
		s.mu.Unlock()
		client.Close()
		closeClients(hops)
		return
	}
	s.client = client
	s.hopClients = hops
	s.state = stateConnected
	s.shellInitializing = true
	s.mu.Unlock()

	log.Printf("[gateway] session %s: connected to %s for user %d", s.id, addr, s.callerID)
	s.openShell(cctx, req, target)
}

// dialTarget reaches the destination over whichever path the target
// configures: a SOCKS5 chain, a jump-host chain, or a direct dial.
func (s *Session) dialTarget(ctx context.Context, target *sshcreds.Target, addr string, config *ssh.ClientConfig) (*ssh.Client, []*ssh.Client, error) {
	timeout := s.gw.cfg.ConnectTimeout

	switch {
	case len(target.Proxies) > 0:
		conn, err := dialThroughProxies(ctx, target.Proxies, addr, timeout)
		if err != nil {
			return nil, nil, err
		}
		client, err := sshHandshake(ctx, conn, addr, config)
		return client, nil, err

	case len(target.JumpHostIDs) > 0:
		hopTargets, err := s.resolveJumpChain(target.JumpHostIDs)
		if err != nil {
			return nil, nil, err
		}
		hops, err := buildJumpChain(ctx, hopTargets, timeout)
		if err != nil {
			return nil, nil, err
		}
		conn, err := dialViaClient(ctx, hops[len(hops)-1], addr)
		if err != nil {
			closeClients(hops)
			return nil, nil, err
		}
		client, err := sshHandshake(ctx, conn, addr, config)
		if err != nil {
			closeClients(hops)
			return nil, nil, err
		}
		return client, hops, nil

	default:
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, nil, err
		}
		client, err := sshHandshake(ctx, conn, addr, config)
		return client, nil, err
	}
}

// resolveTarget turns the wire host config into a connectable target.
// Stored host rows are loaded first when an id is given, then any inline
// fields override them. Inline secrets always win over stored ones.
func (s *Session) resolveTarget(req *ConnectRequest) (*sshcreds.Target, error) {
	cfg := req.HostConfig

	var target *sshcreds.Target
	if cfg.ID != 0 {
		t, err := s.gw.resolver.ResolveHost(cfg.ID, s.callerID)
		if err != nil {
			return nil, err
		}
		target = t
	} else {
		target = &sshcreds.Target{}
	}

	if cfg.IP != "" {
		target.Address = cfg.IP
	}
	if cfg.Port != 0 {
		target.Port = cfg.Port
	}
	if cfg.Username != "" {
		target.Username = cfg.Username
	}
	if target.Port == 0 {
		target.Port = 22
	}

	switch {
	case cfg.Password != "" || cfg.Key != "":
		target.Material = inlineMaterial(&cfg)
	case cfg.CredentialID != 0:
		material, username, err := s.gw.resolver.ResolveCredential(cfg.CredentialID, s.callerID)
		if err != nil {
			return nil, err
		}
		target.Material = *material
		if target.Username == "" {
			target.Username = username
		}
	case cfg.AuthType != "":
		if target.Material.Kind == "" {
			target.Material.Kind = sshcreds.MaterialKind(cfg.AuthType)
		}
	}
	if target.Material.Kind == "" {
		target.Material.Kind = sshcreds.MaterialNone
	}

	if len(cfg.JumpHosts) > 0 {
		target.JumpHostIDs = target.JumpHostIDs[:0]
		for _, j := range cfg.JumpHosts {
			target.JumpHostIDs = append(target.JumpHostIDs, j.HostID)
		}
	}

	if cfg.UseSocks5 {
		target.Proxies = inlineProxies(&cfg)
	}

	if target.Address == "" {
		return nil, errors.New("Host address is required")
	}
	if target.Username == "" {
		return nil, errors.New("Username is required")
	}
	return target, nil
}

func inlineMaterial(cfg *HostConfig) sshcreds.AuthMaterial {
	if cfg.Key != "" {
		return sshcreds.AuthMaterial{
			Kind:       sshcreds.MaterialKey,
			PrivateKey: cfg.Key,
			Passphrase: cfg.KeyPassword,
			KeyKind:    cfg.KeyType,
		}
	}
	return sshcreds.AuthMaterial{
		Kind:     sshcreds.MaterialPassword,
		Password: cfg.Password,
	}
}

func inlineProxies(cfg *HostConfig) []sshcreds.SocksProxy {
	if len(cfg.Socks5ProxyChain) > 0 {
		proxies := make([]sshcreds.SocksProxy, 0, len(cfg.Socks5ProxyChain))
		for _, p := range cfg.Socks5ProxyChain {
			proxies = append(proxies, sshcreds.SocksProxy{
				Host:     p.Host,
				Port:     p.Port,
				Username: p.Username,
				Password: p.Password,
			})
		}
		return proxies
	}
	if cfg.Socks5Host != "" {
		return []sshcreds.SocksProxy{{
			Host:     cfg.Socks5Host,
			Port:     cfg.Socks5Port,
			Username: cfg.Socks5Username,
			Password: cfg.Socks5Password,
		}}
	}
	return nil
}

// resolveJumpChain loads every hop before any network activity; a missing or
// undecryptable hop fails the whole attempt up front.
func (s *Session) resolveJumpChain(ids []uint) ([]*sshcreds.Target, error) {
	hops := make([]*sshcreds.Target, 0, len(ids))
	for _, id := range ids {
		hop, err := s.gw.resolver.ResolveHost(id, s.callerID)
		if err != nil {
			return nil, err
		}
		hops = append(hops, hop)
	}
	return hops, nil
}

// surfacePrompt relays a keyboard-interactive prompt to the client.
func (s *Session) surfacePrompt(kind promptKind, prompt string) error {
	evt := evtPasswordRequired
	if kind == promptTOTP {
		evt = evtTOTPRequired
	}
	log.Printf("[gateway] session %s: relaying %s prompt", s.id, kind)
	return s.send(evt, map[string]string{"prompt": prompt})
}

// failConnect reports a failed attempt to the client, choosing the message
// shape by error class, then routes through cleanup. Attempts already torn
// down by a disconnect stay silent.
func (s *Session) failConnect(err error, addr string, gen uint64) {
	s.mu.Lock()
	active := s.state == stateConnecting && s.attempt == gen
	s.mu.Unlock()
	if !active {
		log.Printf("[gateway] session %s: connect aborted: %v", s.id, err)
		return
	}

	log.Printf("[gateway] session %s: connect to %s failed: %v", s.id, addr, err)
	switch {
	case errors.Is(err, errInvalidKeyFormat):
		s.sendError(errInvalidKeyFormat.Error())
	case isAuthFailure(err):
		s.send(evtAuthNotAvailable, map[string]string{
			"message": "Authentication failed. The server did not accept the offered credentials.",
		})
	default:
		s.sendError(friendlyConnectError(err, addr))
	}
	s.cleanup("connect failed")
}

// openShell allocates the PTY and login shell, wires the output pump and
// announces the connection. If a disconnect raced in while the shell was
// being created, the deferred cleanup runs here.
func (s *Session) openShell(ctx context.Context, req *ConnectRequest, target *sshcreds.Target) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return
	}

	shell, err := sshterminal.CreateInteractiveSession(client, req.Cols, req.Rows)

	s.mu.Lock()
	s.shellInitializing = false
	pending := s.cleanupPending
	stillConnected := s.state == stateConnected
	if err == nil && stillConnected && !pending {
		s.shell = shell
	}
	s.mu.Unlock()

	if pending || !stillConnected {
		if err == nil {
			shell.Close()
		}
		s.cleanup("connection closed during shell setup")
		return
	}
	if err != nil {
		s.sendError("Failed to start shell: " + err.Error())
		s.cleanup("shell start failed")
		return
	}

	s.send(evtConnected, nil)

	if req.InitialPath != "" {
		fmt.Fprintf(shell.Stdin, "cd %s && pwd\n", shellQuote(req.InitialPath))
	}
	if req.ExecuteCommand != "" {
		io.WriteString(shell.Stdin, req.ExecuteCommand+"\n")
	}

	if s.gw.reporter != nil {
		s.gw.reporter.ShellOpened(s.callerID, target.HostID, target.Address)
	}
	go s.pumpShellOutput(shell)
}

// shellQuote single-quotes a path for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// pumpShellOutput copies remote shell output to the socket until the stream
// or the socket ends, then announces the disconnect and tears down.
func (s *Session) pumpShellOutput(shell *sshterminal.TerminalSession) {
	buf := make([]byte, 32*1024)
	for {
		n, err := shell.Stdout.Read(buf)
		if n > 0 {
			if werr := s.send(evtData, string(buf[:n])); werr != nil {
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("[gateway] session %s: shell stream error: %v", s.id, err)
			}
			break
		}
	}
	s.send(evtDisconnected, nil)
	s.cleanup("shell stream ended")
}

func (s *Session) handleResize(req ResizeRequest) {
	s.mu.Lock()
	shell := s.shell
	s.mu.Unlock()
	if shell == nil {
		// Resize before the shell exists is a silent no-op.
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		return
	}
	if err := shell.Resize(req.Cols, req.Rows); err != nil {
		log.Printf("[gateway] session %s: resize failed: %v", s.id, err)
		return
	}
	cols, rows := sshterminal.ClampSize(req.Cols, req.Rows)
	s.send(evtResized, map[string]int{"cols": cols, "rows": rows})
}

func (s *Session) handleInput(raw json.RawMessage) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return
	}
	if len(text) > sshterminal.MaxInputMessageSize {
		log.Printf("[gateway] session %s: oversized input dropped (%d bytes)", s.id, len(text))
		return
	}

	s.mu.Lock()
	shell := s.shell
	cleaning := s.state == stateCleaningUp
	s.mu.Unlock()
	if shell == nil || cleaning {
		return
	}
	if _, err := io.WriteString(shell.Stdin, text); err != nil {
		log.Printf("[gateway] session %s: input write failed: %v", s.id, err)
	}
}

func (s *Session) handleAuthResponse(kind promptKind, raw json.RawMessage) {
	var resp CodeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		s.sendError("Invalid response payload")
		return
	}

	s.mu.Lock()
	neg := s.neg
	s.mu.Unlock()
	if neg == nil || !neg.resolve(kind, resp.Code) {
		s.sendError("No authentication prompt is pending. Please reconnect and try again.")
	}
}

// handleReconnect retries the previous attempt with a fresh secret merged in.
func (s *Session) handleReconnect(ctx context.Context, raw json.RawMessage) {
	var req ReconnectRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError("Invalid reconnect request")
		return
	}

	s.mu.Lock()
	last := s.lastConnect
	s.mu.Unlock()
	if last == nil {
		s.sendError("No previous connection attempt to retry")
		return
	}

	s.cleanup("reconnect with new credentials")

	merged := *last
	merged.HostConfig.CredentialID = 0
	if req.SSHKey != "" {
		merged.HostConfig.Key = req.SSHKey
		merged.HostConfig.KeyPassword = req.KeyPassword
		merged.HostConfig.Password = ""
		merged.HostConfig.AuthType = string(sshcreds.MaterialKey)
	} else if req.Password != "" {
		merged.HostConfig.Password = req.Password
		merged.HostConfig.Key = ""
		merged.HostConfig.AuthType = string(sshcreds.MaterialPassword)
	}
	s.startConnect(ctx, &merged)
}

// cleanup tears down the current attempt: shell, destination client and hop
// clients in reverse order, plus any in-flight handshake. It is idempotent
// and safe to call from the read loop, the connect goroutine, the shell pump
// and the disconnect handler in any order. The session returns to idle so a
// later connect on the same socket starts fresh.
func (s *Session) cleanup(reason string) {
	s.mu.Lock()
	if s.state == stateCleaningUp {
		s.mu.Unlock()
		return
	}
	if s.shellInitializing {
		// Shell creation is mid-flight on the connect goroutine; mark the
		// teardown as requested and let that goroutine finish it.
		s.cleanupPending = true
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = stateCleaningUp
	shell := s.shell
	client := s.client
	hops := s.hopClients
	cancel := s.connectCancel
	s.shell = nil
	s.client = nil
	s.hopClients = nil
	s.connectCancel = nil
	s.neg = nil
	s.cleanupPending = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if shell != nil {
		shell.Close()
	}
	if client != nil {
		client.Close()
	}
	closeClients(hops)

	s.mu.Lock()
	s.state = stateIdle
	s.mu.Unlock()

	if prev != stateIdle {
		log.Printf("[gateway] session %s: cleaned up (%s)", s.id, reason)
	}
}

func closeClients(clients []*ssh.Client) {
	for i := len(clients) - 1; i >= 0; i-- {
		clients[i].Close()
	}
}

func (s *Session) send(typ string, data interface{}) error {
	msg := map[string]interface{}{"type": typ}
	if data != nil {
		msg["data"] = data
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

func (s *Session) sendError(message string) {
	s.send(evtError, map[string]string{"message": message})
}
