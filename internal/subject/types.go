package subject

import (
	"errors"
	"fmt"
	"time"

	"linkage.org/internal/store"
)

// DocType discriminates subject documents in the shared bucket.
const DocType = "subject"

var (
	ErrNotFound   = errors.New("subject: not found")
	ErrConflict   = errors.New("subject: conflict")
	ErrValidation = errors.New("subject: invalid input")
)

// BdayLayout is the only accepted birth date grammar. The permissive
// multi-format parsing of earlier revisions is a known gap, not a feature.
const BdayLayout = "2006-01-02"

// Milestones lists the write-once timestamp fields, in document key form.
var Milestones = []string{"date_invited", "date_consented", "date_enrolled", "date_withdrawn"}

// Subject is a pseudonymous research subject. Unrecognized document fields
// ride along in Extra and are never interpreted.
type Subject struct {
	ID      string
	Rev     int64
	SSSID   string
	Name    string
	Bday    string
	Created int64
	Changed int64

	// Write-once milestone timestamps, epoch seconds; nil = unset.
	DateInvited   *int64
	DateConsented *int64
	DateEnrolled  *int64
	DateWithdrawn *int64

	Extra map[string]any
}

var knownKeys = map[string]bool{
	store.KeyID: true, store.KeyType: true, store.KeyRev: true,
	store.KeyCreated: true, store.KeyChanged: true,
	"sssid": true, "name": true, "bday": true,
	"date_invited": true, "date_consented": true, "date_enrolled": true, "date_withdrawn": true,
}

// FromDoc materializes a Subject from its store document.
func FromDoc(doc store.Document) *Subject {
	s := &Subject{
		ID:      store.ID(doc),
		Rev:     store.Rev(doc),
		Created: store.AsInt64(doc[store.KeyCreated]),
		Changed: store.AsInt64(doc[store.KeyChanged]),
		Extra:   map[string]any{},
	}
	s.SSSID, _ = doc["sssid"].(string)
	s.Name, _ = doc["name"].(string)
	s.Bday, _ = doc["bday"].(string)
	s.DateInvited = epochPtr(doc["date_invited"])
	s.DateConsented = epochPtr(doc["date_consented"])
	s.DateEnrolled = epochPtr(doc["date_enrolled"])
	s.DateWithdrawn = epochPtr(doc["date_withdrawn"])
	for k, v := range doc {
		if !knownKeys[k] {
			s.Extra[k] = v
		}
	}
	return s
}

// Doc renders the subject back into document form.
func (s *Subject) Doc() store.Document {
	doc := store.Document{
		store.KeyType: DocType,
		"sssid":       s.SSSID,
		"name":        s.Name,
		"bday":        s.Bday,
	}
	if s.ID != "" {
		doc[store.KeyID] = s.ID
	}
	if s.Rev != 0 {
		doc[store.KeyRev] = s.Rev
	}
	if s.Created != 0 {
		doc[store.KeyCreated] = s.Created
	}
	if s.Changed != 0 {
		doc[store.KeyChanged] = s.Changed
	}
	putEpoch(doc, "date_invited", s.DateInvited)
	putEpoch(doc, "date_consented", s.DateConsented)
	putEpoch(doc, "date_enrolled", s.DateEnrolled)
	putEpoch(doc, "date_withdrawn", s.DateWithdrawn)
	for k, v := range s.Extra {
		doc[k] = v
	}
	return doc
}

// ForAPI projects the subject for responses, omitting store internals.
func (s *Subject) ForAPI() map[string]any {
	out := map[string]any{
		"sssid": s.SSSID,
		"name":  s.Name,
		"bday":  s.Bday,
	}
	if s.Created != 0 {
		out[store.KeyCreated] = s.Created
	}
	if s.Changed != 0 {
		out[store.KeyChanged] = s.Changed
	}
	for i, v := range []*int64{s.DateInvited, s.DateConsented, s.DateEnrolled, s.DateWithdrawn} {
		if v != nil {
			out[Milestones[i]] = *v
		}
	}
	for k, v := range s.Extra {
		out[k] = v
	}
	return out
}

// ValidateNew checks the creation payload: sssid, name and bday must be
// present, non-empty, and bday must parse as a calendar date.
func ValidateNew(payload map[string]any) error {
	for _, key := range []string{"sssid", "name", "bday"} {
		v, ok := payload[key]
		if !ok {
			return errorsf("missing the `%s` element", key)
		}
		text, _ := v.(string)
		if text == "" {
			return errorsf("the `%s` element is empty", key)
		}
	}
	bday, _ := payload["bday"].(string)
	if _, err := time.Parse(BdayLayout, bday); err != nil {
		return errorsf("the birth date %q is not properly formatted", bday)
	}
	return nil
}

func errorsf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// epochValue coerces a milestone input: epoch seconds or an RFC 3339
// timestamp.
func epochValue(v any) (int64, error) {
	if s, ok := v.(string); ok {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return 0, errorsf("the timestamp %q is not properly formatted", s)
		}
		return t.Unix(), nil
	}
	return store.AsInt64(v), nil
}

func epochPtr(v any) *int64 {
	if v == nil {
		return nil
	}
	n := store.AsInt64(v)
	return &n
}

func putEpoch(doc store.Document, key string, v *int64) {
	if v != nil {
		doc[key] = *v
	}
}
