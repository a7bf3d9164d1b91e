package httpapi

import (
	"net/http"
	"strings"

	"linkage.org/internal/link"
)

func (a *API) handleLinkResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/link/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getLink(w, r, id)
		case http.MethodPut:
			a.updateLink(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
		}
	case "token":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.linkToken(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getLink(w http.ResponseWriter, r *http.Request, id string) {
	lnk, err := a.links.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lnk.ForAPI())
}

func (a *API) updateLink(w http.ResponseWriter, r *http.Request, id string) {
	var payload map[string]any
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.links.SafeUpdate(r.Context(), id, payload); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// linkToken mints the bearer credential. Repeat calls return the cached
// token byte for byte.
func (a *API) linkToken(w http.ResponseWriter, r *http.Request, id string) {
	token, err := a.links.IssueToken(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

func (a *API) subjectLinks(w http.ResponseWriter, r *http.Request, sssid string) {
	if _, err := a.subjects.Get(r.Context(), sssid); err != nil {
		handleDomainError(w, r, err)
		return
	}
	links, err := a.links.ForSubject(r.Context(), sssid)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(links))
	for _, l := range links {
		items = append(items, l.ForAPI())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) createLink(w http.ResponseWriter, r *http.Request, sssid string) {
	subj, err := a.subjects.Get(r.Context(), sssid)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	lnk, err := a.links.Create(r.Context(), subj)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/link/"+lnk.ID)
	writeJSON(w, http.StatusCreated, lnk.ForAPI())
}

// handleEstablish redeems a minted credential: the token rides in the
// Authorization header, the foreign identity descriptor in the body.
func (a *API) handleEstablish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusForbidden, err.Error())
		return
	}
	var identity link.ForeignIdentity
	if err := decodeJSON(w, r, &identity); err != nil {
		writeError(w, r, http.StatusNotAcceptable, err.Error())
		return
	}
	if err := a.links.Establish(r.Context(), token, &identity); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
