// Package httpapi is the HTTP surface of the linkage service: routing,
// session authentication, error mapping and the JSON helpers shared by
// every handler.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"linkage.org/internal/directory"
	"linkage.org/internal/link"
	"linkage.org/internal/obs"
	"linkage.org/internal/store"
	"linkage.org/internal/subject"
)

// ReadyProbe pings the backing database, when there is one.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Options carries the knobs main wires from config.
type Options struct {
	Version       string
	ReadyProbe    ReadyProbe
	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	subjects *subject.Service
	links    *link.Service
	dir      *directory.Service
	opts     Options
}

func New(subjects *subject.Service, links *link.Service, dir *directory.Service, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &API{
		mux:      http.NewServeMux(),
		subjects: subjects,
		links:    links,
		dir:      dir,
		opts:     opts,
	}

	a.mux.HandleFunc("/healthz", a.healthz)
	a.mux.HandleFunc("/readyz", a.ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/subject", a.handleSubjectCollection)
	a.mux.HandleFunc("/subject/", a.handleSubjectResource)
	a.mux.HandleFunc("/link/", a.handleLinkResource)
	a.mux.HandleFunc("/establish", a.handleEstablish)

	a.mux.HandleFunc("/auth", a.handleAuth)
	a.mux.HandleFunc("/user", a.handleUserCollection)
	a.mux.HandleFunc("/user/", a.handleUserResource)
	a.mux.HandleFunc("/iforgot", a.handleIforgot)
	a.mux.HandleFunc("/reset", a.handleReset)
	a.mux.HandleFunc("/init", a.handleInit)

	a.mux.HandleFunc("/", a.root)

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withSession(h)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	if a.opts.RatePerSecond > 0 {
		h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSecond)
	}
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "linkage-api",
		"version": a.opts.Version,
	})
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "linkage-api",
		"version": a.opts.Version,
	})
}

func (a *API) ready(w http.ResponseWriter, r *http.Request) {
	if err := a.opts.ReadyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps domain sentinels to statuses. Anything unexpected
// surfaces as a generic 400 rather than leaking internals.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, subject.ErrValidation),
		errors.Is(err, link.ErrValidation),
		errors.Is(err, directory.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, directory.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, link.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, subject.ErrNotFound),
		errors.Is(err, link.ErrNotFound),
		errors.Is(err, directory.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, link.ErrNotAcceptable):
		writeError(w, r, http.StatusNotAcceptable, err.Error())
	case errors.Is(err, subject.ErrConflict),
		errors.Is(err, link.ErrConflict),
		errors.Is(err, directory.ErrConflict),
		errors.Is(err, store.ErrRevisionMismatch):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, link.ErrPrecondition):
		writeError(w, r, http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, link.ErrInternal):
		writeError(w, r, http.StatusInternalServerError, "internal error")
	default:
		writeError(w, r, http.StatusBadRequest, err.Error())
	}
}
