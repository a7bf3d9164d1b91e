package httpapi

import (
	"net/http"
	"strings"
	"time"
)

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type createUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
	Admin    bool   `json:"admin"`
}

type resetRequest struct {
	Username string `json:"username"`
	Token    string `json:"token"`
	Password string `json:"password"`
	Repeat   string `json:"repeat"`
}

func (a *API) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.dir.Authenticate(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	token, expiresAt, err := a.dir.IssueSession(acct)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, ExpiresAt: expiresAt})
}

func (a *API) handleUserCollection(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.listUsers(w, r)
	case http.MethodPost:
		a.createUser(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/user/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getUser(w, r, id)
	case http.MethodPut:
		a.updateUser(w, r, id)
	case http.MethodDelete:
		a.deleteUser(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.dir.List(r.Context())
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(accounts))
	for _, acct := range accounts {
		items = append(items, acct.ForAPI())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.dir.Create(r.Context(), strings.TrimSpace(req.Username), req.Password, strings.TrimSpace(req.Email), req.Admin)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/user/"+acct.ID)
	writeJSON(w, http.StatusCreated, acct.ForAPI())
}

func (a *API) getUser(w http.ResponseWriter, r *http.Request, id string) {
	acct, err := a.dir.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct.ForAPI())
}

func (a *API) updateUser(w http.ResponseWriter, r *http.Request, id string) {
	var payload map[string]any
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.dir.Update(r.Context(), id, payload); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteUser(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.dir.Delete(r.Context(), id); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIforgot kicks off the password-reset flow for the given username.
func (a *API) handleIforgot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		writeError(w, r, http.StatusBadRequest, "username query parameter is required")
		return
	}
	if err := a.dir.RequestReset(r.Context(), username); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "reset token sent"})
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ready",
			"fields": []string{"username", "token", "password", "repeat"},
		})
	case http.MethodPost:
		var req resetRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.dir.ResetPassword(r.Context(), strings.TrimSpace(req.Username), req.Token, req.Password, req.Repeat); err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleInit is the bootstrap gate: open for the first administrator,
// closed forever after.
func (a *API) handleInit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		done, err := a.dir.Initialized(r.Context())
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"initialized": done})
	case http.MethodPost:
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		acct, err := a.dir.Bootstrap(r.Context(), strings.TrimSpace(req.Username), req.Password)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, acct.ForAPI())
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}
