package subject

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"linkage.org/internal/audit"
	"linkage.org/internal/obs"
	"linkage.org/internal/store"
)

const defaultPageSize = 50
const maxPageSize = 500

// Service owns subject records and their consent/enrollment milestones.
type Service struct {
	store  store.Interface
	audits *audit.Writer
	now    func() time.Time
}

func NewService(st store.Interface, audits *audit.Writer) *Service {
	return &Service{store: st, audits: audits, now: time.Now}
}

// WithClock overrides the time source; for tests.
func (s *Service) WithClock(fn func() time.Time) *Service {
	s.now = fn
	return s
}

// Create registers a new subject. Fails with ErrConflict when the SSSID is
// taken, ErrValidation on a malformed payload.
func (s *Service) Create(ctx context.Context, payload map[string]any) (*Subject, error) {
	if err := ValidateNew(payload); err != nil {
		return nil, err
	}
	sssid, _ := payload["sssid"].(string)

	existing, err := s.findDoc(ctx, sssid)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: this SSSID is already taken", ErrConflict)
	}

	doc := store.Document{store.KeyType: DocType}
	mergePayload(doc, payload)
	if _, err := s.audits.StoreAndAudit(ctx, doc, 0, ""); err != nil {
		return nil, err
	}
	return FromDoc(doc), nil
}

// Get returns the subject with the given SSSID, with enrollment and
// withdrawal timestamps back-filled from its links for reading.
func (s *Service) Get(ctx context.Context, sssid string) (*Subject, error) {
	doc, err := s.findDoc(ctx, sssid)
	if err != nil {
		return nil, err
	}
	subj := FromDoc(doc)
	if err := s.materialize(ctx, subj); err != nil {
		return nil, err
	}
	return subj, nil
}

// Update applies a guarded partial update. The SSSID is immutable, internal
// fields are dropped, and set milestones may not change. The audit action
// concatenates the milestone deltas, or falls back to "update".
func (s *Service) Update(ctx context.Context, sssid string, payload map[string]any) error {
	doc, err := s.findDoc(ctx, sssid)
	if err != nil {
		return err
	}

	if v, ok := payload["sssid"]; ok {
		if incoming, _ := v.(string); incoming != sssid {
			return fmt.Errorf("%w: SSSID cannot be changed", ErrValidation)
		}
	}

	var deltas []string
	for _, key := range Milestones {
		v, ok := payload[key]
		if !ok {
			continue
		}
		incoming, err := epochValue(v)
		if err != nil {
			return err
		}
		current := epochPtr(doc[key])
		if current != nil {
			if *current != incoming {
				return fmt.Errorf("%w: %s is already set", ErrConflict, key)
			}
			continue
		}
		deltas = append(deltas, fmt.Sprintf("%s: %v -> %d", key, doc[key], incoming))
		payload[key] = incoming
	}

	mergePayload(doc, payload)
	action := strings.Join(deltas, ";\n\t")
	_, err = s.audits.StoreAndAudit(ctx, doc, store.Rev(doc), action)
	return err
}

// MarkConsented sets the consent milestone to now, exactly once. The
// transition is persisted and audited.
func (s *Service) MarkConsented(ctx context.Context, sssid string) (*Subject, error) {
	doc, err := s.findDoc(ctx, sssid)
	if err != nil {
		return nil, err
	}
	if doc["date_consented"] != nil {
		return nil, fmt.Errorf("%w: subject has already been consented", ErrConflict)
	}
	now := s.now().UTC().Unix()
	doc["date_consented"] = now
	action := fmt.Sprintf("date_consented: <nil> -> %d", now)
	if _, err := s.audits.StoreAndAudit(ctx, doc, store.Rev(doc), action); err != nil {
		return nil, err
	}
	return FromDoc(doc), nil
}

// Search lists subjects whose SSSID, name or birth date contains text,
// case-insensitively. An empty text lists everything, paginated. The page
// size is always bounded.
func (s *Service) Search(ctx context.Context, text string, skip, limit int, sortKey string, descending bool) ([]*Subject, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	if skip < 0 {
		skip = 0
	}

	filter := store.Filter{store.KeyType: DocType}
	if text = strings.TrimSpace(text); text != "" {
		filter[store.Or] = []store.Filter{
			{"sssid": store.Contains(text)},
			{"name": store.Contains(text)},
			{"bday": store.Contains(text)},
		}
	}

	docs, err := s.store.Find(ctx, filter, store.Options{
		Skip: skip, Limit: limit, Sort: sortKey, Descending: descending,
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Subject, 0, len(docs))
	for _, doc := range docs {
		out = append(out, FromDoc(doc))
	}
	return out, nil
}

// AllAudits unions the subject's own audit entries with those of every link
// it owns, tags the link-origin entries, resolves actor names via lookup and
// returns them oldest first. No audits yields an empty slice.
func (s *Service) AllAudits(ctx context.Context, sssid string, lookup func(context.Context, string) (string, error)) ([]audit.Entry, error) {
	doc, err := s.findDoc(ctx, sssid)
	if err != nil {
		return nil, err
	}

	entries, err := s.audits.ForDocument(ctx, store.ID(doc))
	if err != nil {
		return nil, err
	}

	links, err := s.store.Find(ctx, store.Filter{store.KeyType: "link", "sub": sssid}, store.Options{})
	if err != nil {
		return nil, err
	}
	for _, link := range links {
		linkEntries, err := s.audits.ForDocument(ctx, store.ID(link))
		if err != nil {
			return nil, err
		}
		for i := range linkEntries {
			linkEntries[i].Action = "[Link] " + linkEntries[i].Action
		}
		entries = append(entries, linkEntries...)
	}

	audit.SortByEpoch(entries)
	if lookup != nil {
		audit.ResolveActors(ctx, entries, lookup)
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return entries, nil
}

// findDoc returns the raw subject document for sssid. More than one active
// match is logged, and the first is used.
func (s *Service) findDoc(ctx context.Context, sssid string) (store.Document, error) {
	if sssid == "" {
		return nil, ErrNotFound
	}
	docs, err := s.store.Find(ctx, store.Filter{store.KeyType: DocType, "sssid": sssid}, store.Options{})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	if len(docs) > 1 {
		obs.Log(map[string]any{
			"level": "warn",
			"msg":   "duplicate subjects for SSSID",
			"sssid": sssid,
			"count": len(docs),
		})
	}
	return docs[0], nil
}

// materialize back-fills enrollment from the earliest linkage and withdrawal
// from the latest withdrawn link, for reading only.
func (s *Service) materialize(ctx context.Context, subj *Subject) error {
	if subj.DateEnrolled != nil && subj.DateWithdrawn != nil {
		return nil
	}
	links, err := s.store.Find(ctx, store.Filter{store.KeyType: "link", "sub": subj.SSSID}, store.Options{})
	if err != nil {
		return err
	}
	var earliest, latest *int64
	for _, link := range links {
		if on := epochPtr(link["linked_on"]); on != nil && (earliest == nil || *on < *earliest) {
			earliest = on
		}
		if on := epochPtr(link["withdrawn_on"]); on != nil && (latest == nil || *on > *latest) {
			latest = on
		}
	}
	if subj.DateEnrolled == nil {
		subj.DateEnrolled = earliest
	}
	if subj.DateWithdrawn == nil {
		subj.DateWithdrawn = latest
	}
	return nil
}

// mergePayload copies payload fields onto doc, silently dropping the type
// discriminator and store internals.
func mergePayload(doc store.Document, payload map[string]any) {
	for k, v := range payload {
		switch k {
		case store.KeyType, store.KeyID, store.KeyRev, store.KeyCreated, store.KeyChanged:
			continue
		}
		doc[k] = v
	}
}
