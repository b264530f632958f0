package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/moorgate-io/moorgate/internal/database"
	"github.com/moorgate-io/moorgate/internal/middleware"
	"github.com/moorgate-io/moorgate/internal/sshgateway"
)

// ActivitySecret signs and verifies the short-lived tokens the terminal
// gateway uses against the internal activity endpoint. Set from main.go.
var ActivitySecret []byte

// IngestSSHActivity accepts shell-open notifications from the gateway. The
// endpoint is internal; the bearer token must be one minted by the gateway.
func IngestSSHActivity(w http.ResponseWriter, r *http.Request) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	if _, err := sshgateway.VerifyInternalToken(ActivitySecret, strings.TrimPrefix(h, "Bearer ")); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	var event sshgateway.ActivityEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if event.Action == "" {
		event.Action = "shell_opened"
	}

	if err := database.CreateSSHActivity(&database.SSHActivity{
		UserID:  event.UserID,
		HostID:  event.HostID,
		Address: event.Address,
		Action:  event.Action,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to record activity")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSSHActivity returns recent shell activity, newest first.
func ListSSHActivity(w http.ResponseWriter, r *http.Request) {
	if middleware.GetUser(r) == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	entries, err := database.ListSSHActivity(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list activity")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
