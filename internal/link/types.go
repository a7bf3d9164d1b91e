package link

import (
	"errors"

	"linkage.org/internal/store"
)

// DocType discriminates link documents in the shared bucket.
const DocType = "link"

var (
	ErrNotFound   = errors.New("link: not found")
	ErrConflict   = errors.New("link: conflict")
	ErrValidation = errors.New("link: invalid input")
	// ErrForbidden covers unredeemable credentials: unknown token, expired
	// or unminted link.
	ErrForbidden = errors.New("link: forbidden")
	// ErrPrecondition reports a subject that is not yet consented.
	ErrPrecondition = errors.New("link: precondition failed")
	// ErrNotAcceptable reports a semantically malformed identity descriptor.
	ErrNotAcceptable = errors.New("link: not acceptable")
	// ErrInternal reports an invariant violation, such as a link carrying an
	// expiration but no cached token.
	ErrInternal = errors.New("link: internal inconsistency")
)

// DefaultAlgorithm is used when link creation does not specify one.
const DefaultAlgorithm = "HS256"

// Defaults are copied onto every new link from system configuration.
type Defaults struct {
	Issuer    string
	Audience  string
	Secret    string
	Algorithm string
}

// Link is one issued bearer credential and its eventual binding to a
// foreign identity.
type Link struct {
	ID  string
	Rev int64

	// Immutable once the token is minted.
	Sub       string
	Iss       string
	Aud       string
	Secret    string
	Algorithm string

	// Set exactly once, at mint time.
	Exp *int64
	JWT string

	// Set by the one successful redemption, immutable thereafter.
	LinkedTo     string
	LinkedSystem string
	LinkedOn     *int64

	Created int64
	Changed int64
	Extra   map[string]any
}

var knownKeys = map[string]bool{
	store.KeyID: true, store.KeyType: true, store.KeyRev: true,
	store.KeyCreated: true, store.KeyChanged: true,
	"sub": true, "iss": true, "aud": true, "secret": true, "algorithm": true,
	"exp": true, "jwt": true,
	"linked_to": true, "linked_system": true, "linked_on": true,
}

// FromDoc materializes a Link from its store document.
func FromDoc(doc store.Document) *Link {
	l := &Link{
		ID:      store.ID(doc),
		Rev:     store.Rev(doc),
		Created: store.AsInt64(doc[store.KeyCreated]),
		Changed: store.AsInt64(doc[store.KeyChanged]),
		Extra:   map[string]any{},
	}
	l.Sub, _ = doc["sub"].(string)
	l.Iss, _ = doc["iss"].(string)
	l.Aud, _ = doc["aud"].(string)
	l.Secret, _ = doc["secret"].(string)
	l.Algorithm, _ = doc["algorithm"].(string)
	l.JWT, _ = doc["jwt"].(string)
	l.LinkedTo, _ = doc["linked_to"].(string)
	l.LinkedSystem, _ = doc["linked_system"].(string)
	if doc["exp"] != nil {
		n := store.AsInt64(doc["exp"])
		l.Exp = &n
	}
	if doc["linked_on"] != nil {
		n := store.AsInt64(doc["linked_on"])
		l.LinkedOn = &n
	}
	for k, v := range doc {
		if !knownKeys[k] {
			l.Extra[k] = v
		}
	}
	return l
}

// ForAPI projects the link for responses. The signing secret and the cached
// token are never serialized outward.
func (l *Link) ForAPI() map[string]any {
	out := map[string]any{
		"_id":       l.ID,
		"sub":       l.Sub,
		"iss":       l.Iss,
		"aud":       l.Aud,
		"algorithm": l.Algorithm,
	}
	if l.Exp != nil {
		out["exp"] = *l.Exp
	}
	if l.LinkedTo != "" {
		out["linked_to"] = l.LinkedTo
	}
	if l.LinkedSystem != "" {
		out["linked_system"] = l.LinkedSystem
	}
	if l.LinkedOn != nil {
		out["linked_on"] = *l.LinkedOn
	}
	if l.Created != 0 {
		out[store.KeyCreated] = l.Created
	}
	if l.Changed != 0 {
		out[store.KeyChanged] = l.Changed
	}
	for k, v := range l.Extra {
		out[k] = v
	}
	return out
}

// ForeignIdentity is the descriptor presented at redemption. The shape
// mirrors a FHIR Patient resource reference: a type marker plus a list of
// namespaced identifiers.
type ForeignIdentity struct {
	ResourceType string       `json:"resourceType"`
	Identifier   []Identifier `json:"identifier"`
}

// Identifier is one namespaced identity value.
type Identifier struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value"`
}

// ExpectedResourceType is the only accepted descriptor type marker.
const ExpectedResourceType = "Patient"
