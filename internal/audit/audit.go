// Package audit maintains the append-only trail accompanying every document
// mutation. Entries are themselves store documents and are never updated.
package audit

import (
	"context"
	"sort"
	"time"

	"linkage.org/internal/obs"
	"linkage.org/internal/store"
)

type actorContextKey struct{}

// ContextWithActor attaches the acting account id for audit attribution.
func ContextWithActor(ctx context.Context, accountID string) context.Context {
	if accountID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorContextKey{}, accountID)
}

// ActorFromContext returns the acting account id, empty for unauthenticated
// flows.
func ActorFromContext(ctx context.Context) string {
	v, _ := ctx.Value(actorContextKey{}).(string)
	return v
}

// Entry is one immutable audit record.
type Entry struct {
	ID       string
	Document string
	Actor    string // account id, later resolved to a username; empty when unauthenticated
	Epoch    int64
	Action   string
}

// ForAPI renders the entry with an ISO timestamp, the shape handlers emit.
func (e Entry) ForAPI() map[string]any {
	var actor any
	if e.Actor != "" {
		actor = e.Actor
	}
	return map[string]any{
		"document": e.Document,
		"actor":    actor,
		"datetime": time.Unix(e.Epoch, 0).UTC().Format(time.RFC3339),
		"action":   e.Action,
	}
}

// Writer persists documents together with their companion audit entries.
type Writer struct {
	store store.Interface
	now   func() time.Time
}

func NewWriter(st store.Interface) *Writer {
	return &Writer{store: st, now: time.Now}
}

// WithClock overrides the time source; for tests.
func (w *Writer) WithClock(fn func() time.Time) *Writer {
	w.now = fn
	return w
}

// StoreAndAudit stamps created/changed on doc, persists it with a revision
// check, and appends exactly one audit entry. The audit action is "create"
// when the document had no creation timestamp, otherwise the supplied action
// (or "update" when empty).
//
// The audit append is not transactional with the primary write: a failure
// after a successful store is logged and swallowed, never rolled back.
func (w *Writer) StoreAndAudit(ctx context.Context, doc store.Document, expectedRev int64, action string) (string, error) {
	now := w.now().UTC().Unix()

	auditAction := action
	if doc[store.KeyCreated] == nil {
		doc[store.KeyCreated] = now
		auditAction = "create"
	} else {
		doc[store.KeyChanged] = now
		if auditAction == "" {
			auditAction = "update"
		}
	}

	id, err := w.store.Store(ctx, doc, expectedRev)
	if err != nil {
		return "", err
	}

	var actor any
	if a := ActorFromContext(ctx); a != "" {
		actor = a
	}
	entry := store.Document{
		store.KeyType: "audit",
		"document":    id,
		"actor":       actor,
		"epoch":       now,
		"action":      auditAction,
	}
	if _, err := w.store.Store(ctx, entry, 0); err != nil {
		obs.Log(map[string]any{
			"level":    "error",
			"msg":      "audit append failed",
			"document": id,
			"action":   auditAction,
			"error":    err.Error(),
		})
	}
	return id, nil
}

// ForDocument returns every audit entry referencing docID, oldest first.
// A document without audits yields an empty slice, not an error.
func (w *Writer) ForDocument(ctx context.Context, docID string) ([]Entry, error) {
	if docID == "" {
		return nil, nil
	}
	docs, err := w.store.Find(ctx, store.Filter{store.KeyType: "audit", "document": docID}, store.Options{Sort: "epoch"})
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(docs))
	for _, doc := range docs {
		actor, _ := doc["actor"].(string)
		action, _ := doc["action"].(string)
		out = append(out, Entry{
			ID:       store.ID(doc),
			Document: docID,
			Actor:    actor,
			Epoch:    store.AsInt64(doc["epoch"]),
			Action:   action,
		})
	}
	return out, nil
}

// SortByEpoch orders entries ascending by timestamp, stable across documents.
func SortByEpoch(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Epoch < entries[j].Epoch
	})
}

// ResolveActors replaces actor account ids with display usernames using
// lookup. Unresolvable ids become "Unknown Actor" rather than failing the
// whole listing.
func ResolveActors(ctx context.Context, entries []Entry, lookup func(context.Context, string) (string, error)) {
	cache := make(map[string]string)
	for i := range entries {
		id := entries[i].Actor
		if id == "" {
			continue
		}
		if name, ok := cache[id]; ok {
			entries[i].Actor = name
			continue
		}
		name, err := lookup(ctx, id)
		if err != nil || name == "" {
			name = "Unknown Actor"
		}
		cache[id] = name
		entries[i].Actor = name
	}
}
