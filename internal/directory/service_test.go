package directory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"linkage.org/internal/audit"
	"linkage.org/internal/store/memory"
)

type capturingMailer struct {
	to, subject, body string
}

func (m *capturingMailer) Send(_ context.Context, to, subject, body string) error {
	m.to, m.subject, m.body = to, subject, body
	return nil
}

func newTestService(t *testing.T) (*Service, *capturingMailer, *time.Time) {
	t.Helper()
	st := memory.New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clockPtr := &now
	tick := func() time.Time { return *clockPtr }
	mailer := &capturingMailer{}
	svc := NewService(st, audit.NewWriter(st).WithClock(tick), mailer, "session-secret", 12*time.Hour).WithClock(tick)
	return svc, mailer, clockPtr
}

func TestBootstrapGate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	done, err := svc.Initialized(ctx)
	if err != nil || done {
		t.Fatalf("fresh directory must be uninitialized: %v %v", done, err)
	}

	if _, err := svc.Bootstrap(ctx, "admin", "correct horse"); err != nil {
		t.Fatal(err)
	}
	done, err = svc.Initialized(ctx)
	if err != nil || !done {
		t.Fatalf("directory must report initialized: %v %v", done, err)
	}

	if _, err := svc.Bootstrap(ctx, "other", "correct horse"); !errors.Is(err, ErrConflict) {
		t.Fatalf("second bootstrap must conflict, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "alice", "password123", "", false); err != nil {
		t.Fatal(err)
	}
	acct, err := svc.Authenticate(ctx, "alice", "password123")
	if err != nil {
		t.Fatal(err)
	}
	if acct.Username != "alice" {
		t.Fatalf("wrong account: %+v", acct)
	}
	if _, err := svc.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody", "password123"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown user, got %v", err)
	}
}

func TestDuplicateUsername(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "alice", "password123", "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, "alice", "different1", "", true); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	acct, err := svc.Create(ctx, "alice", "password123", "", true)
	if err != nil {
		t.Fatal(err)
	}
	token, expiresAt, err := svc.IssueSession(acct)
	if err != nil {
		t.Fatal(err)
	}
	if !expiresAt.Equal(clock.Add(12 * time.Hour)) {
		t.Fatalf("unexpected expiry: %v", expiresAt)
	}

	resolved, err := svc.ResolveSession(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.ID != acct.ID {
		t.Fatalf("resolved wrong account: %q vs %q", resolved.ID, acct.ID)
	}

	if _, err := svc.ResolveSession(ctx, "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	*clock = clock.Add(13 * time.Hour)
	if _, err := svc.ResolveSession(ctx, token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized after expiry, got %v", err)
	}
}

func TestPasswordResetRoundTrip(t *testing.T) {
	svc, mailer, clock := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, "alice", "password123", "alice@example.org", false); err != nil {
		t.Fatal(err)
	}
	if err := svc.RequestReset(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if mailer.to != "alice@example.org" {
		t.Fatalf("reset mail not sent: %+v", mailer)
	}
	token := extractToken(t, mailer.body)

	// Mismatched copies and short passwords fail before anything changes.
	if err := svc.ResetPassword(ctx, "alice", token, "newpassword", "different"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := svc.ResetPassword(ctx, "alice", token, "short", "short"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := svc.ResetPassword(ctx, "alice", "wrong-token", "newpassword", "newpassword"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	if err := svc.ResetPassword(ctx, "alice", token, "newpassword", "newpassword"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Authenticate(ctx, "alice", "newpassword"); err != nil {
		t.Fatalf("new password must work: %v", err)
	}
	// The token was consumed by being overwritten.
	if err := svc.ResetPassword(ctx, "alice", token, "thirdpassword", "thirdpassword"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("consumed token must not work again, got %v", err)
	}

	// An expired token is rejected.
	if err := svc.RequestReset(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	token = extractToken(t, mailer.body)
	*clock = clock.Add(resetValidity + time.Minute)
	if err := svc.ResetPassword(ctx, "alice", token, "fourthpassword", "fourthpassword"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired token must be rejected, got %v", err)
	}
}

func TestUpdateKeepsUsernameImmutable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	acct, err := svc.Create(ctx, "alice", "password123", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Update(ctx, acct.ID, map[string]any{"username": "bob"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := svc.Update(ctx, acct.ID, map[string]any{"admin": true}); err != nil {
		t.Fatal(err)
	}
	got, err := svc.Get(ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Admin {
		t.Fatal("admin flag not updated")
	}
}

func TestDeleteAudits(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := audit.ContextWithActor(context.Background(), "acct-boss")

	acct, err := svc.Create(ctx, "alice", "password123", "", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, acct.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Get(ctx, acct.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("account must be gone, got %v", err)
	}
	entries, err := svc.audits.ForDocument(ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[1].Action != "delete" {
		t.Fatalf("expected create + delete audits, got %+v", entries)
	}
}

func extractToken(t *testing.T, body string) string {
	t.Helper()
	idx := strings.Index(body, "\t")
	if idx < 0 {
		t.Fatalf("no token in mail body: %q", body)
	}
	rest := body[idx+1:]
	end := strings.IndexAny(rest, "\n\r \t")
	if end < 0 {
		return rest
	}
	return rest[:end]
}
