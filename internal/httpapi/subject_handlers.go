package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

func (a *API) handleSubjectCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createSubject(w, r)
	case http.MethodGet:
		a.searchSubjects(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleSubjectResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/subject/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	sssid, rest, _ := strings.Cut(path, "/")
	if sssid == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getSubject(w, r, sssid)
		case http.MethodPut:
			a.updateSubject(w, r, sssid)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
		}
	case "didConsent":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		a.markConsented(w, r, sssid)
	case "audits":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.subjectAudits(w, r, sssid)
	case "links":
		switch r.Method {
		case http.MethodGet:
			a.subjectLinks(w, r, sssid)
		case http.MethodPost:
			a.createLink(w, r, sssid)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createSubject(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subj, err := a.subjects.Create(r.Context(), payload)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/subject/"+subj.SSSID)
	writeJSON(w, http.StatusCreated, subj.ForAPI())
}

func (a *API) searchSubjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := parseNonNegativeInt(q.Get("offset"), 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	perpage, err := parseNonNegativeInt(q.Get("perpage"), 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "perpage must be a non-negative integer")
		return
	}
	descending := strings.EqualFold(q.Get("orderdir"), "desc")

	subjects, err := a.subjects.Search(r.Context(), q.Get("search"), offset, perpage, q.Get("ordercol"), descending)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(subjects))
	for _, s := range subjects {
		items = append(items, s.ForAPI())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"offset": offset,
		"as_of":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) getSubject(w http.ResponseWriter, r *http.Request, sssid string) {
	subj, err := a.subjects.Get(r.Context(), sssid)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subj.ForAPI())
}

func (a *API) updateSubject(w http.ResponseWriter, r *http.Request, sssid string) {
	var payload map[string]any
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.subjects.Update(r.Context(), sssid, payload); err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) markConsented(w http.ResponseWriter, r *http.Request, sssid string) {
	subj, err := a.subjects.MarkConsented(r.Context(), sssid)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subj.ForAPI())
}

func (a *API) subjectAudits(w http.ResponseWriter, r *http.Request, sssid string) {
	entries, err := a.subjects.AllAudits(r.Context(), sssid, a.dir.UsernameByID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, e.ForAPI())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func parseNonNegativeInt(raw string, def int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return val, nil
}
