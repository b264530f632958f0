package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/moorgate-io/moorgate/internal/crypto"
	"github.com/moorgate-io/moorgate/internal/database"
)

// hostRequest is the mutable surface of a host. Secret fields are accepted
// in plaintext and stored encrypted; they are never echoed back.
type hostRequest struct {
	Name     string `json:"name"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Username string `json:"username"`

	AuthType    string `json:"auth_type"`
	Password    string `json:"password"`
	PrivateKey  string `json:"private_key"`
	KeyPassword string `json:"key_password"`
	KeyType     string `json:"key_type"`

	CredentialID *uint `json:"credential_id"`

	JumpHosts []uint `json:"jump_hosts"`

	UseSocks5        bool                  `json:"use_socks5"`
	Socks5Host       string                `json:"socks5_host"`
	Socks5Port       int                   `json:"socks5_port"`
	Socks5Username   string                `json:"socks5_username"`
	Socks5Password   string                `json:"socks5_password"`
	Socks5ProxyChain []socks5ProxyHopInput `json:"socks5_proxy_chain"`
}

type socks5ProxyHopInput struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (req *hostRequest) validate() string {
	if req.Name == "" {
		return "Name is required"
	}
	if req.IP == "" {
		return "IP is required"
	}
	if req.Port <= 0 || req.Port > 65535 {
		return "Invalid port"
	}
	switch req.AuthType {
	case "", "password", "key", "none":
	default:
		return "Invalid auth type"
	}
	return ""
}

// apply copies the request onto a host row, encrypting secrets. Empty secret
// fields on update leave the stored values untouched.
func (req *hostRequest) apply(h *database.Host) error {
	h.Name = req.Name
	h.IP = req.IP
	h.Port = req.Port
	h.Username = req.Username
	if req.AuthType != "" {
		h.AuthType = req.AuthType
	}
	h.KeyType = req.KeyType
	h.CredentialID = req.CredentialID

	var err error
	if req.Password != "" {
		if h.Password, err = crypto.Encrypt(req.Password); err != nil {
			return err
		}
	}
	if req.PrivateKey != "" {
		if h.PrivateKey, err = crypto.Encrypt(req.PrivateKey); err != nil {
			return err
		}
	}
	if req.KeyPassword != "" {
		if h.KeyPassword, err = crypto.Encrypt(req.KeyPassword); err != nil {
			return err
		}
	}

	if req.JumpHosts != nil {
		raw, err := json.Marshal(req.JumpHosts)
		if err != nil {
			return err
		}
		h.JumpHosts = string(raw)
	}

	h.UseSocks5 = req.UseSocks5
	h.Socks5Host = req.Socks5Host
	h.Socks5Port = req.Socks5Port
	h.Socks5Username = req.Socks5Username
	if req.Socks5Password != "" {
		if h.Socks5Password, err = crypto.Encrypt(req.Socks5Password); err != nil {
			return err
		}
	}
	if req.Socks5ProxyChain != nil {
		raw, err := json.Marshal(req.Socks5ProxyChain)
		if err != nil {
			return err
		}
		h.Socks5ProxyChain = string(raw)
	}
	return nil
}

func ListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := database.ListHosts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list hosts")
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

func GetHost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "hostId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	host, err := database.GetHostByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Host not found")
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func CreateHost(w http.ResponseWriter, r *http.Request) {
	var req hostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	host := &database.Host{}
	if err := req.apply(host); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
		return
	}
	if err := database.CreateHost(host); err != nil {
		writeError(w, http.StatusConflict, "Failed to create host")
		return
	}
	writeJSON(w, http.StatusCreated, host)
}

func UpdateHost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "hostId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	host, err := database.GetHostByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "Host not found")
		return
	}

	var req hostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := req.apply(host); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credentials")
		return
	}
	if err := database.UpdateHost(host); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update host")
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func DeleteHost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "hostId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid host ID")
		return
	}
	if err := database.DeleteHost(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete host")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Credential handlers

type credentialRequest struct {
	Name       string `json:"name"`
	AuthType   string `json:"auth_type"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	PrivateKey string `json:"private_key"`
	Passphrase string `json:"passphrase"`
	KeyType    string `json:"key_type"`
}

func ListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := database.ListCredentials()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list credentials")
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

func CreateCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return
	}

	cred := &database.Credential{
		Name:     req.Name,
		AuthType: req.AuthType,
		Username: req.Username,
		KeyType:  req.KeyType,
	}
	var err error
	if cred.Password, err = crypto.Encrypt(req.Password); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credential")
		return
	}
	if cred.PrivateKey, err = crypto.Encrypt(req.PrivateKey); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credential")
		return
	}
	if cred.Passphrase, err = crypto.Encrypt(req.Passphrase); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encrypt credential")
		return
	}

	if err := database.CreateCredential(cred); err != nil {
		writeError(w, http.StatusConflict, "Failed to create credential")
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func DeleteCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "credId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid credential ID")
		return
	}
	if err := database.DeleteCredential(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
