package database

import "time"

// Host is a managed server reachable over SSH. Secrets (Password, PrivateKey,
// KeyPassword, Socks5Password) are stored Fernet-encrypted; see internal/crypto.
type Host struct {
	ID       uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name     string `gorm:"uniqueIndex;not null" json:"name"`
	IP       string `gorm:"not null" json:"ip"`
	Port     int    `gorm:"not null;default:22" json:"port"`
	Username string `gorm:"not null" json:"username"`

	// AuthType is one of "password", "key" or "none". "none" means no stored
	// secret: the gateway relies on keyboard-interactive prompts at connect time.
	AuthType    string `gorm:"not null;default:password" json:"auth_type"`
	Password    string `json:"-"`
	PrivateKey  string `json:"-"`
	KeyPassword string `json:"-"`
	KeyType     string `json:"key_type"`

	// CredentialID points at a shared Credential that overrides the inline
	// auth fields when set.
	CredentialID *uint `json:"credential_id"`

	// JumpHosts is a JSON array of host IDs, in hop order.
	JumpHosts string `gorm:"type:text;default:'[]'" json:"-"`

	// SOCKS5 proxy settings. Socks5ProxyChain is a JSON array of proxy
	// descriptors ({host, port, username, password}) applied in order.
	UseSocks5        bool   `gorm:"default:false" json:"use_socks5"`
	Socks5Host       string `json:"socks5_host"`
	Socks5Port       int    `json:"socks5_port"`
	Socks5Username   string `json:"socks5_username"`
	Socks5Password   string `json:"-"`
	Socks5ProxyChain string `gorm:"type:text;default:'[]'" json:"-"`

	SortOrder int       `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Credential is a reusable SSH credential shared between hosts.
// Password, PrivateKey and Passphrase are Fernet-encrypted.
type Credential struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name       string    `gorm:"uniqueIndex;not null" json:"name"`
	AuthType   string    `gorm:"not null;default:password" json:"auth_type"`
	Username   string    `json:"username"`
	Password   string    `json:"-"`
	PrivateKey string    `json:"-"`
	Passphrase string    `json:"-"`
	KeyType    string    `json:"key_type"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Role         string    `gorm:"not null;default:user" json:"role"`
	TOTPEnabled  bool      `gorm:"default:false" json:"totp_enabled"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SSHActivity records a confirmed shell opening, reported by the terminal
// gateway through the internal activity endpoint.
type SSHActivity struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint      `gorm:"not null;index" json:"user_id"`
	HostID    uint      `gorm:"index" json:"host_id"`
	Address   string    `json:"address"`
	Action    string    `gorm:"not null;default:shell_opened" json:"action"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
