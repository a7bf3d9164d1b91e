package directory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"linkage.org/internal/audit"
	"linkage.org/internal/mail"
	"linkage.org/internal/store"
)

const (
	sessionIssuer     = "linkage-directory"
	resetValidity     = 2 * time.Hour
	minPasswordLength = 8
)

// dummyHash keeps password verification constant-structure: a lookup miss
// still burns one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("invalid-password-placeholder"), bcrypt.DefaultCost)

// Service is the local account directory backing operator sessions and the
// bootstrap/reset flows.
type Service struct {
	store         store.Interface
	audits        *audit.Writer
	mailer        mail.Mailer
	sessionSecret []byte
	sessionExpiry time.Duration
	now           func() time.Time
}

func NewService(st store.Interface, audits *audit.Writer, mailer mail.Mailer, sessionSecret string, sessionExpiry time.Duration) *Service {
	if mailer == nil {
		mailer = mail.Noop{}
	}
	return &Service{
		store:         st,
		audits:        audits,
		mailer:        mailer,
		sessionSecret: []byte(sessionSecret),
		sessionExpiry: sessionExpiry,
		now:           time.Now,
	}
}

// WithClock overrides the time source; for tests.
func (s *Service) WithClock(fn func() time.Time) *Service {
	s.now = fn
	return s
}

// Authenticate verifies a username/password pair.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*Account, error) {
	acct, err := s.GetByUsername(ctx, username)
	if err != nil {
		// Burn a comparison anyway so a miss is indistinguishable by timing.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)) != nil {
		return nil, ErrUnauthorized
	}
	return acct, nil
}

// IssueSession mints an opaque session credential for an authenticated
// account. Distinct from link credentials: different issuer, different
// secret, different lifetime.
func (s *Service) IssueSession(acct *Account) (string, time.Time, error) {
	if len(s.sessionSecret) == 0 {
		return "", time.Time{}, fmt.Errorf("%w: session secret not configured", ErrUnauthorized)
	}
	now := s.now().UTC()
	expiresAt := now.Add(s.sessionExpiry)
	claims := jwt.RegisteredClaims{
		Issuer:    sessionIssuer,
		Subject:   acct.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.sessionSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ResolveSession maps a session credential back to its account.
func (s *Service) ResolveSession(ctx context.Context, token string) (*Account, error) {
	if len(s.sessionSecret) == 0 || token == "" {
		return nil, ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnauthorized
		}
		return s.sessionSecret, nil
	}, jwt.WithIssuer(sessionIssuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(func() time.Time { return s.now().UTC() }))
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthorized
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	acct, err := s.Get(ctx, claims.Subject)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return acct, nil
}

// Initialized reports whether any administrator account exists. The setup
// path is exposed only while this is false.
func (s *Service) Initialized(ctx context.Context) (bool, error) {
	docs, err := s.store.Find(ctx, store.Filter{store.KeyType: DocType, "admin": true}, store.Options{Limit: 1})
	if err != nil {
		return false, err
	}
	return len(docs) > 0, nil
}

// Bootstrap creates the first administrator. Fails with ErrConflict once
// any admin exists.
func (s *Service) Bootstrap(ctx context.Context, username, password string) (*Account, error) {
	done, err := s.Initialized(ctx)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, fmt.Errorf("%w: directory is already initialized", ErrConflict)
	}
	return s.Create(ctx, username, password, "", true)
}

// Create adds an account with a unique username.
func (s *Service) Create(ctx context.Context, username, password, email string, admin bool) (*Account, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	}
	if len(password) < minPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}
	if _, err := s.GetByUsername(ctx, username); err == nil {
		return nil, fmt.Errorf("%w: username is already taken", ErrConflict)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	acct := &Account{Username: username, Email: email, Admin: admin, PasswordHash: string(hash)}
	doc := acct.Doc()
	if _, err := s.audits.StoreAndAudit(ctx, doc, 0, ""); err != nil {
		return nil, err
	}
	return FromDoc(doc), nil
}

// Get returns the account with the given id.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	doc, err := s.findDoc(ctx, store.Filter{store.KeyType: DocType, store.KeyID: id})
	if err != nil {
		return nil, err
	}
	return FromDoc(doc), nil
}

// GetByUsername returns the account with the given username.
func (s *Service) GetByUsername(ctx context.Context, username string) (*Account, error) {
	if username == "" {
		return nil, ErrNotFound
	}
	doc, err := s.findDoc(ctx, store.Filter{store.KeyType: DocType, "username": username})
	if err != nil {
		return nil, err
	}
	return FromDoc(doc), nil
}

// UsernameByID resolves an account id to its display username; used when
// rendering audit trails.
func (s *Service) UsernameByID(ctx context.Context, id string) (string, error) {
	acct, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return acct.Username, nil
}

// List returns every account.
func (s *Service) List(ctx context.Context) ([]*Account, error) {
	docs, err := s.store.Find(ctx, store.Filter{store.KeyType: DocType}, store.Options{Sort: "username"})
	if err != nil {
		return nil, err
	}
	out := make([]*Account, 0, len(docs))
	for _, doc := range docs {
		out = append(out, FromDoc(doc))
	}
	return out, nil
}

// Update changes the admin flag, email, or password. The username is
// immutable.
func (s *Service) Update(ctx context.Context, id string, payload map[string]any) error {
	doc, err := s.findDoc(ctx, store.Filter{store.KeyType: DocType, store.KeyID: id})
	if err != nil {
		return err
	}
	if v, ok := payload["username"]; ok {
		if incoming, _ := v.(string); incoming != doc["username"] {
			return fmt.Errorf("%w: username cannot be changed", ErrConflict)
		}
	}
	if v, ok := payload["admin"]; ok {
		admin, _ := v.(bool)
		doc["admin"] = admin
	}
	if v, ok := payload["email"]; ok {
		email, _ := v.(string)
		doc["email"] = email
	}
	if v, ok := payload["password"]; ok {
		password, _ := v.(string)
		if len(password) < minPasswordLength {
			return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		doc["password"] = string(hash)
	}
	_, err = s.audits.StoreAndAudit(ctx, doc, store.Rev(doc), "")
	return err
}

// Delete removes an account and appends a deletion audit entry.
func (s *Service) Delete(ctx context.Context, id string) error {
	doc, err := s.findDoc(ctx, store.Filter{store.KeyType: DocType, store.KeyID: id})
	if err != nil {
		return err
	}
	if err := s.store.Remove(ctx, doc); err != nil {
		return err
	}
	var actor any
	if a := audit.ActorFromContext(ctx); a != "" {
		actor = a
	}
	entry := store.Document{
		store.KeyType: "audit",
		"document":    store.ID(doc),
		"actor":       actor,
		"epoch":       s.now().UTC().Unix(),
		"action":      "delete",
	}
	_, _ = s.store.Store(ctx, entry, 0)
	return nil
}

// RequestReset generates a one-time reset token with a two-hour validity
// window, caches its hash on the account and mails the token. A fresh
// request replaces any outstanding token.
func (s *Service) RequestReset(ctx context.Context, username string) error {
	doc, err := s.findDoc(ctx, store.Filter{store.KeyType: DocType, "username": username})
	if err != nil {
		return err
	}
	email, _ := doc["email"].(string)
	if email == "" {
		return fmt.Errorf("%w: account has no email address", ErrValidation)
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	doc["reset_hash"] = hashToken(token)
	doc["reset_expires"] = s.now().UTC().Add(resetValidity).Unix()
	if _, err := s.audits.StoreAndAudit(ctx, doc, store.Rev(doc), "password reset requested"); err != nil {
		return err
	}

	body := fmt.Sprintf("A password reset was requested for %q.\n\nYour reset token:\n\n\t%s\n\nIt is valid for two hours.", username, token)
	return s.mailer.Send(ctx, email, "Password reset", body)
}

// ResetPassword consumes a reset token. It requires two matching copies of
// the new password; the token is invalidated implicitly by being replaced
// with the new password hash.
func (s *Service) ResetPassword(ctx context.Context, username, token, password, repeat string) error {
	doc, err := s.findDoc(ctx, store.Filter{store.KeyType: DocType, "username": username})
	if err != nil {
		return ErrUnauthorized
	}
	storedHash, _ := doc["reset_hash"].(string)
	expires := store.AsInt64(doc["reset_expires"])
	if storedHash == "" || token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(storedHash), []byte(hashToken(token))) != 1 {
		return ErrUnauthorized
	}
	if s.now().UTC().Unix() > expires {
		return fmt.Errorf("%w: reset token has expired", ErrUnauthorized)
	}
	if password != repeat {
		return fmt.Errorf("%w: passwords do not match", ErrValidation)
	}
	if len(password) < minPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	doc["password"] = string(hash)
	delete(doc, "reset_hash")
	delete(doc, "reset_expires")
	_, err = s.audits.StoreAndAudit(ctx, doc, store.Rev(doc), "password reset")
	return err
}

func (s *Service) findDoc(ctx context.Context, filter store.Filter) (store.Document, error) {
	docs, err := s.store.Find(ctx, filter, store.Options{})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
