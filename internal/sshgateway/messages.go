package sshgateway

import "encoding/json"

// Client → server message types.
const (
	msgConnect          = "connectToHost"
	msgResize           = "resize"
	msgInput            = "input"
	msgDisconnect       = "disconnect"
	msgPing             = "ping"
	msgTOTPResponse     = "totp_response"
	msgPasswordResponse = "password_response"
	msgReconnect        = "reconnect_with_credentials"
)

// Server → client message types.
const (
	evtConnected        = "connected"
	evtDisconnected     = "disconnected"
	evtData             = "data"
	evtError            = "error"
	evtResized          = "resized"
	evtTOTPRequired     = "totp_required"
	evtPasswordRequired = "password_required"
	evtAuthNotAvailable = "auth_method_not_available"
	evtPong             = "pong"
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ConnectRequest is the payload of a connectToHost message.
type ConnectRequest struct {
	Cols           int        `json:"cols"`
	Rows           int        `json:"rows"`
	HostConfig     HostConfig `json:"hostConfig"`
	InitialPath    string     `json:"initialPath,omitempty"`
	ExecuteCommand string     `json:"executeCommand,omitempty"`
}

// HostConfig is the wire shape of a connection target. Secrets supplied
// inline take precedence over stored credentials.
type HostConfig struct {
	ID       uint   `json:"id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Username string `json:"username"`

	Password    string `json:"password,omitempty"`
	Key         string `json:"key,omitempty"`
	KeyPassword string `json:"keyPassword,omitempty"`
	KeyType     string `json:"keyType,omitempty"`
	AuthType    string `json:"authType,omitempty"`

	CredentialID             uint `json:"credentialId,omitempty"`
	ForceKeyboardInteractive bool `json:"forceKeyboardInteractive,omitempty"`

	JumpHosts []JumpHostRef `json:"jumpHosts,omitempty"`

	UseSocks5        bool             `json:"useSocks5,omitempty"`
	Socks5Host       string           `json:"socks5Host,omitempty"`
	Socks5Port       int              `json:"socks5Port,omitempty"`
	Socks5Username   string           `json:"socks5Username,omitempty"`
	Socks5Password   string           `json:"socks5Password,omitempty"`
	Socks5ProxyChain []Socks5ProxyHop `json:"socks5ProxyChain,omitempty"`
}

// JumpHostRef references a stored host used as an intermediate hop.
type JumpHostRef struct {
	HostID uint `json:"hostId"`
}

// Socks5ProxyHop is one hop of a SOCKS5 proxy chain as sent by the client.
type Socks5ProxyHop struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ResizeRequest is the payload of a resize message.
type ResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// CodeResponse carries the client's answer to a pending authentication
// prompt (totp_response and password_response).
type CodeResponse struct {
	Code string `json:"code"`
}

// ReconnectRequest is the payload of reconnect_with_credentials: the secret
// to merge into the previous attempt's host config before retrying.
type ReconnectRequest struct {
	Password    string `json:"password,omitempty"`
	SSHKey      string `json:"sshKey,omitempty"`
	KeyPassword string `json:"keyPassword,omitempty"`
}
