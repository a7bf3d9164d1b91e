package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"linkage.org/internal/audit"
	"linkage.org/internal/directory"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

const accountKey ctxKey = "account"

// Paths that work without an operator session. The establish endpoint
// authenticates with the minted link credential instead, and the token
// fetch is handed to external parties that never hold a session.
var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/auth",
	"/establish",
	"/iforgot",
	"/reset",
	"/init",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	if strings.HasPrefix(path, "/link/") && strings.HasSuffix(path, "/token") {
		return true
	}
	return false
}

// withSession resolves the bearer session on protected paths and threads
// the account through the context so mutations get attributed in the
// audit trail.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		acct, err := a.dir.ResolveSession(r.Context(), token)
		if err != nil {
			if errors.Is(err, directory.ErrUnauthorized) {
				writeError(w, r, http.StatusUnauthorized, "invalid session")
			} else {
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := context.WithValue(r.Context(), accountKey, acct)
		ctx = audit.ContextWithActor(ctx, acct.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountFromContext(ctx context.Context) (*directory.Account, bool) {
	acct, ok := ctx.Value(accountKey).(*directory.Account)
	return acct, ok
}

// requireAdmin gates the directory management surface.
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	acct, ok := accountFromContext(r.Context())
	if !ok || !acct.Admin {
		writeError(w, r, http.StatusForbidden, "administrator access required")
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
