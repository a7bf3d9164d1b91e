package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"linkage.org/internal/audit"
	"linkage.org/internal/ids"
	"linkage.org/internal/obs"
	"linkage.org/internal/store"
	"linkage.org/internal/subject"
)

// TokenValidity is the credential lifetime set at mint time.
const TokenValidity = 24 * time.Hour

// Service implements the link state machine: Unminted -> Minted -> Redeemed.
type Service struct {
	store    store.Interface
	audits   *audit.Writer
	subjects *subject.Service
	defaults Defaults
	now      func() time.Time
}

func NewService(st store.Interface, audits *audit.Writer, subjects *subject.Service, defaults Defaults) *Service {
	return &Service{store: st, audits: audits, subjects: subjects, defaults: defaults, now: time.Now}
}

// WithClock overrides the time source; for tests.
func (s *Service) WithClock(fn func() time.Time) *Service {
	s.now = fn
	return s
}

// Create issues a new unminted link for a consented subject, copying
// issuer, audience, secret and algorithm from configuration.
func (s *Service) Create(ctx context.Context, subj *subject.Subject) (*Link, error) {
	if subj == nil || subj.SSSID == "" {
		// Programmer error: callers must resolve the subject first.
		return nil, fmt.Errorf("%w: subject has no SSSID", ErrInternal)
	}
	if subj.DateConsented == nil {
		return nil, fmt.Errorf("%w: subject has not been consented", ErrPrecondition)
	}

	algorithm := s.defaults.Algorithm
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	doc := store.Document{
		store.KeyID:   ids.NewLink(),
		store.KeyType: DocType,
		"sub":         subj.SSSID,
		"iss":         s.defaults.Issuer,
		"aud":         s.defaults.Audience,
		"secret":      s.defaults.Secret,
		"algorithm":   algorithm,
	}
	for _, key := range []string{"sub", "iss", "aud", "secret", "algorithm"} {
		if v, _ := doc[key].(string); v == "" {
			return nil, fmt.Errorf("%w: link is missing `%s`", ErrValidation, key)
		}
	}

	if _, err := s.audits.StoreAndAudit(ctx, doc, 0, ""); err != nil {
		return nil, err
	}
	return FromDoc(doc), nil
}

// Get returns the link with the given id.
func (s *Service) Get(ctx context.Context, id string) (*Link, error) {
	doc, err := s.findDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	return FromDoc(doc), nil
}

// ForSubject lists every link owned by sssid.
func (s *Service) ForSubject(ctx context.Context, sssid string) ([]*Link, error) {
	docs, err := s.store.Find(ctx, store.Filter{store.KeyType: DocType, "sub": sssid}, store.Options{Sort: store.KeyCreated})
	if err != nil {
		return nil, err
	}
	out := make([]*Link, 0, len(docs))
	for _, doc := range docs {
		out = append(out, FromDoc(doc))
	}
	return out, nil
}

// IssueToken mints the link's credential. Idempotent: a cached token is
// returned unchanged, with no re-signing and no new audit entry. A link
// carrying an expiration but no token is corrupted storage and fails hard
// rather than silently re-minting.
func (s *Service) IssueToken(ctx context.Context, id string) (string, error) {
	doc, err := s.findDoc(ctx, id)
	if err != nil {
		return "", err
	}
	if cached, _ := doc["jwt"].(string); cached != "" {
		return cached, nil
	}
	if doc["exp"] != nil {
		return "", fmt.Errorf("%w: link has an expiration date but no JWT", ErrInternal)
	}

	sub, _ := doc["sub"].(string)
	subj, err := s.subjects.Get(ctx, sub)
	if err != nil {
		if errors.Is(err, subject.ErrNotFound) {
			return "", fmt.Errorf("%w: no subject with SSSID %q", ErrNotFound, sub)
		}
		return "", err
	}

	exp := s.now().UTC().Add(TokenValidity).Unix()
	algorithm, _ := doc["algorithm"].(string)
	method := jwt.GetSigningMethod(algorithm)
	if method == nil {
		return "", fmt.Errorf("%w: unknown signing algorithm %q", ErrInternal, algorithm)
	}

	// The credential intentionally carries the subject's real display name
	// in the `sub` claim, for the recipient's benefit; the pseudonym stays
	// on the stored link only.
	claims := jwt.MapClaims{
		"jti":       store.ID(doc),
		"iss":       doc["iss"],
		"aud":       doc["aud"],
		"exp":       exp,
		"sub":       subj.Name,
		"birthdate": subj.Bday,
	}
	secret, _ := doc["secret"].(string)
	signed, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		return "", err
	}

	doc["exp"] = exp
	doc["jwt"] = signed
	if _, err := s.audits.StoreAndAudit(ctx, doc, store.Rev(doc), "create token"); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			return "", fmt.Errorf("%w: concurrent mint", ErrConflict)
		}
		return "", err
	}
	obs.TokenMinted()
	return signed, nil
}

// Establish redeems a previously minted credential against a foreign
// identity. Lookup is by exact match of the presented token string against
// the store of minted tokens; the store itself is the trust boundary, so no
// cryptographic re-verification happens here.
func (s *Service) Establish(ctx context.Context, token string, identity *ForeignIdentity) error {
	if token == "" {
		return fmt.Errorf("%w: no credential presented", ErrForbidden)
	}
	docs, err := s.store.Find(ctx, store.Filter{store.KeyType: DocType, "jwt": token}, store.Options{})
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("%w: unknown credential", ErrForbidden)
	}
	return s.linkToForeignIdentity(ctx, docs[0], identity)
}

// linkToForeignIdentity performs the single irreversible transition binding
// the pseudonym to the external identity.
func (s *Service) linkToForeignIdentity(ctx context.Context, doc store.Document, identity *ForeignIdentity) error {
	value, system, err := extractIdentity(identity)

	if linked, _ := doc["linked_to"].(string); linked != "" {
		// One redemption only; an identical replay is the sole tolerated case.
		storedSystem, _ := doc["linked_system"].(string)
		if err == nil && value == linked && system == storedSystem {
			return nil
		}
		return fmt.Errorf("%w: cannot change an established link", ErrConflict)
	}

	exp := doc["exp"]
	if exp == nil {
		return fmt.Errorf("%w: link has no expiration date", ErrForbidden)
	}
	if s.now().UTC().Unix() > store.AsInt64(exp) {
		return fmt.Errorf("%w: link has expired", ErrForbidden)
	}
	if err != nil {
		return err
	}

	payload := map[string]any{"linked_to": value}
	if system != "" {
		payload["linked_system"] = system
	}
	if err := s.safeUpdateAndStore(ctx, doc, payload); err != nil {
		return err
	}
	obs.LinkEstablished()
	return nil
}

// SafeUpdate applies a guarded field update to the link with the given id.
func (s *Service) SafeUpdate(ctx context.Context, id string, payload map[string]any) error {
	doc, err := s.findDoc(ctx, id)
	if err != nil {
		return err
	}
	return s.safeUpdateAndStore(ctx, doc, payload)
}

// safeUpdateAndStore enforces post-mint immutability and the one-time
// linkage rule, then persists with a revision check and audits. Both the
// redemption transition and direct edits funnel through here.
func (s *Service) safeUpdateAndStore(ctx context.Context, doc store.Document, payload map[string]any) error {
	minted, _ := doc["jwt"].(string)
	immutable := []string{"sub"}
	if minted != "" {
		immutable = []string{"sub", "iss", "aud", "exp", "secret", "algorithm"}
	}
	for _, key := range immutable {
		v, ok := payload[key]
		if !ok {
			continue
		}
		var differs bool
		if key == "exp" {
			differs = store.AsInt64(v) != store.AsInt64(doc[key])
		} else {
			incoming, _ := v.(string)
			current, _ := doc[key].(string)
			differs = incoming != current
		}
		if differs {
			return fmt.Errorf("%w: `%s` cannot be changed", ErrConflict, key)
		}
	}
	delete(payload, store.KeyType)

	statuschange := ""
	if v, ok := payload["linked_to"]; ok {
		incoming, _ := v.(string)
		current, _ := doc["linked_to"].(string)
		switch {
		case current == "":
			payload["linked_on"] = s.now().UTC().Unix()
			statuschange = "link to " + incoming
		default:
			incomingSystem, _ := payload["linked_system"].(string)
			currentSystem, _ := doc["linked_system"].(string)
			if incoming == current && incomingSystem == currentSystem {
				return nil
			}
			return fmt.Errorf("%w: cannot change an established link", ErrConflict)
		}
	} else if _, ok := payload["linked_system"]; ok {
		return fmt.Errorf("%w: `linked_system` requires `linked_to`", ErrValidation)
	}

	for k, v := range payload {
		switch k {
		case store.KeyID, store.KeyRev, store.KeyCreated, store.KeyChanged:
			continue
		}
		doc[k] = v
	}

	if _, err := s.audits.StoreAndAudit(ctx, doc, store.Rev(doc), statuschange); err != nil {
		if errors.Is(err, store.ErrRevisionMismatch) {
			// The concurrent racer won; this write must not clobber it.
			return fmt.Errorf("%w: document changed underneath this update", ErrConflict)
		}
		return err
	}
	return nil
}

func extractIdentity(identity *ForeignIdentity) (value, system string, err error) {
	if identity == nil {
		return "", "", fmt.Errorf("%w: no identity descriptor provided", ErrNotAcceptable)
	}
	if identity.ResourceType != ExpectedResourceType {
		return "", "", fmt.Errorf("%w: descriptor is not a %s resource", ErrNotAcceptable, ExpectedResourceType)
	}
	if len(identity.Identifier) == 0 {
		return "", "", fmt.Errorf("%w: descriptor carries no identifier", ErrNotAcceptable)
	}
	first := identity.Identifier[0]
	if first.Value == "" {
		return "", "", fmt.Errorf("%w: identifier has no value", ErrNotAcceptable)
	}
	return first.Value, first.System, nil
}

func (s *Service) findDoc(ctx context.Context, id string) (store.Document, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	docs, err := s.store.Find(ctx, store.Filter{store.KeyType: DocType, store.KeyID: id}, store.Options{})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}
