// Package store defines the schemaless document persistence boundary.
//
// Every durable record is a flat map with a handful of reserved keys. The
// service never assumes transactions; the only cross-call guarantee an
// adapter must provide is per-document atomicity of Store with a revision
// check.
package store

import (
	"context"
	"errors"
)

// Reserved document keys.
const (
	KeyID      = "_id"
	KeyType    = "type"
	KeyRev     = "_rev"
	KeyCreated = "created"
	KeyChanged = "changed"
)

// Or is the reserved filter key whose value is a []Filter matched
// disjunctively.
const Or = "$or"

var (
	// ErrRevisionMismatch reports a conditional write that lost a race: the
	// stored revision no longer matches the one the caller read.
	ErrRevisionMismatch = errors.New("store: revision mismatch")

	// ErrNotFound reports an update against a document that does not exist.
	ErrNotFound = errors.New("store: document not found")
)

// Document is one schemaless record.
type Document = map[string]any

// Contains is a filter value matching documents whose field contains the
// given text, case-insensitively.
type Contains string

// Filter maps field names to predicates. Plain values match by equality,
// Contains values by case-insensitive substring. The reserved Or key holds a
// []Filter of alternatives.
type Filter = map[string]any

// Options bound and order a Find.
type Options struct {
	Skip       int
	Limit      int
	Sort       string
	Descending bool
}

// Interface is the persistence contract consumed by every service.
type Interface interface {
	// Find returns documents matching filter, paginated and sorted per opts.
	Find(ctx context.Context, filter Filter, opts Options) ([]Document, error)

	// Store persists doc and returns its id. A doc without an _id is
	// inserted with a fresh id at revision 1. A doc with an _id is replaced
	// only when the stored revision equals expectedRev; otherwise
	// ErrRevisionMismatch (or ErrNotFound when the document vanished). On
	// success the doc's _rev is bumped in place.
	Store(ctx context.Context, doc Document, expectedRev int64) (string, error)

	// Remove deletes the document with doc's _id, if present.
	Remove(ctx context.Context, doc Document) error
}

// ID extracts the document id, empty when unset.
func ID(doc Document) string {
	id, _ := doc[KeyID].(string)
	return id
}

// Rev extracts the document revision, 0 when unset.
func Rev(doc Document) int64 {
	return AsInt64(doc[KeyRev])
}

// AsInt64 coerces the numeric types that survive JSON and BSON round trips.
func AsInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
