package directory

import (
	"errors"

	"linkage.org/internal/store"
)

// DocType discriminates operator account documents.
const DocType = "user"

var (
	ErrNotFound     = errors.New("directory: not found")
	ErrConflict     = errors.New("directory: conflict")
	ErrValidation   = errors.New("directory: invalid input")
	ErrUnauthorized = errors.New("directory: unauthorized")
)

// Account is one operator login. It backs session issuance only, never
// subject linking.
type Account struct {
	ID       string
	Rev      int64
	Username string
	Email    string
	Admin    bool

	// bcrypt hash; never serialized outward.
	PasswordHash string

	// One-time password-reset token, stored hashed, with an expiry window.
	ResetHash    string
	ResetExpires int64

	Created int64
	Changed int64
	Extra   map[string]any
}

var knownKeys = map[string]bool{
	store.KeyID: true, store.KeyType: true, store.KeyRev: true,
	store.KeyCreated: true, store.KeyChanged: true,
	"username": true, "email": true, "admin": true,
	"password": true, "reset_hash": true, "reset_expires": true,
}

// FromDoc materializes an Account from its store document.
func FromDoc(doc store.Document) *Account {
	a := &Account{
		ID:      store.ID(doc),
		Rev:     store.Rev(doc),
		Created: store.AsInt64(doc[store.KeyCreated]),
		Changed: store.AsInt64(doc[store.KeyChanged]),
		Extra:   map[string]any{},
	}
	a.Username, _ = doc["username"].(string)
	a.Email, _ = doc["email"].(string)
	a.Admin, _ = doc["admin"].(bool)
	a.PasswordHash, _ = doc["password"].(string)
	a.ResetHash, _ = doc["reset_hash"].(string)
	a.ResetExpires = store.AsInt64(doc["reset_expires"])
	for k, v := range doc {
		if !knownKeys[k] {
			a.Extra[k] = v
		}
	}
	return a
}

// Doc renders the account back into document form.
func (a *Account) Doc() store.Document {
	doc := store.Document{
		store.KeyType: DocType,
		"username":    a.Username,
		"admin":       a.Admin,
		"password":    a.PasswordHash,
	}
	if a.ID != "" {
		doc[store.KeyID] = a.ID
	}
	if a.Rev != 0 {
		doc[store.KeyRev] = a.Rev
	}
	if a.Created != 0 {
		doc[store.KeyCreated] = a.Created
	}
	if a.Changed != 0 {
		doc[store.KeyChanged] = a.Changed
	}
	if a.Email != "" {
		doc["email"] = a.Email
	}
	if a.ResetHash != "" {
		doc["reset_hash"] = a.ResetHash
		doc["reset_expires"] = a.ResetExpires
	}
	for k, v := range a.Extra {
		doc[k] = v
	}
	return doc
}

// ForAPI projects the account for responses, hiding credentials.
func (a *Account) ForAPI() map[string]any {
	out := map[string]any{
		"_id":      a.ID,
		"username": a.Username,
		"admin":    a.Admin,
	}
	if a.Email != "" {
		out["email"] = a.Email
	}
	if a.Created != 0 {
		out[store.KeyCreated] = a.Created
	}
	return out
}
