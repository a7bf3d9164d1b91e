package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"linkage.org/internal/audit"
	"linkage.org/internal/directory"
	"linkage.org/internal/link"
	"linkage.org/internal/store/memory"
	"linkage.org/internal/subject"
)

type testClient struct {
	t      *testing.T
	base   string
	client *http.Client
	token  string
}

func newTestServer(t *testing.T) (*httptest.Server, *testClient) {
	t.Helper()
	st := memory.New()
	audits := audit.NewWriter(st)
	subjects := subject.NewService(st, audits)
	links := link.NewService(st, audits, subjects, link.Defaults{
		Issuer:   "linkage-idm",
		Audience: "https://app.example.org",
		Secret:   "link-signing-secret",
	})
	dir := directory.NewService(st, audits, nil, "session-secret", time.Hour)

	api := New(subjects, links, dir, Options{Version: "test"})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, &testClient{t: t, base: srv.URL, client: srv.Client()}
}

func (c *testClient) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		c.t.Fatal(err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp.StatusCode, decoded
}

func (c *testClient) login(username, password string) {
	c.t.Helper()
	code, body := c.do(http.MethodPost, "/auth", map[string]any{
		"username": username,
		"password": password,
	})
	if code != http.StatusOK {
		c.t.Fatalf("login failed: %d %v", code, body)
	}
	c.token, _ = body["token"].(string)
	if c.token == "" {
		c.t.Fatal("no session token issued")
	}
}

func (c *testClient) bootstrap() {
	c.t.Helper()
	code, body := c.do(http.MethodPost, "/init", map[string]any{
		"username": "admin",
		"password": "admin-password",
	})
	if code != http.StatusCreated {
		c.t.Fatalf("bootstrap failed: %d %v", code, body)
	}
	c.login("admin", "admin-password")
}

func TestBootstrapEndpoint(t *testing.T) {
	_, c := newTestServer(t)

	code, body := c.do(http.MethodGet, "/init", nil)
	if code != http.StatusOK || body["initialized"] != false {
		t.Fatalf("fresh service must report uninitialized: %d %v", code, body)
	}

	c.bootstrap()

	code, body = c.do(http.MethodGet, "/init", nil)
	if code != http.StatusOK || body["initialized"] != true {
		t.Fatalf("service must report initialized: %d %v", code, body)
	}
	code, _ = c.do(http.MethodPost, "/init", map[string]any{
		"username": "second",
		"password": "another-password",
	})
	if code != http.StatusConflict {
		t.Fatalf("second bootstrap must 409, got %d", code)
	}
}

func TestAuthRequired(t *testing.T) {
	_, c := newTestServer(t)
	c.bootstrap()

	anon := &testClient{t: t, base: c.base, client: c.client}
	code, _ := anon.do(http.MethodPost, "/subject", map[string]any{
		"sssid": "S1", "name": "A", "bday": "1990-01-01",
	})
	if code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create must 401, got %d", code)
	}

	code, _ = anon.do(http.MethodGet, "/healthz", nil)
	if code != http.StatusOK {
		t.Fatalf("healthz must stay public, got %d", code)
	}
}

func TestAdminGate(t *testing.T) {
	_, c := newTestServer(t)
	c.bootstrap()

	code, _ := c.do(http.MethodPost, "/user", map[string]any{
		"username": "staff", "password": "staff-password", "admin": false,
	})
	if code != http.StatusCreated {
		t.Fatalf("admin must be able to create users, got %d", code)
	}

	staff := &testClient{t: t, base: c.base, client: c.client}
	staff.login("staff", "staff-password")
	code, _ = staff.do(http.MethodGet, "/user", nil)
	if code != http.StatusForbidden {
		t.Fatalf("non-admin directory access must 403, got %d", code)
	}
	code, _ = staff.do(http.MethodPost, "/subject", map[string]any{
		"sssid": "S9", "name": "B", "bday": "1980-02-02",
	})
	if code != http.StatusCreated {
		t.Fatalf("non-admin must still manage subjects, got %d", code)
	}
}

func TestSubjectLifecycle(t *testing.T) {
	_, c := newTestServer(t)
	c.bootstrap()

	code, body := c.do(http.MethodPost, "/subject", map[string]any{
		"sssid": "S1", "name": "A", "bday": "1990-01-01",
	})
	if code != http.StatusCreated || body["sssid"] != "S1" {
		t.Fatalf("create subject: %d %v", code, body)
	}

	code, _ = c.do(http.MethodPost, "/subject", map[string]any{
		"sssid": "S1", "name": "Other", "bday": "1991-01-01",
	})
	if code != http.StatusConflict {
		t.Fatalf("duplicate sssid must 409, got %d", code)
	}

	code, body = c.do(http.MethodPost, "/subject", map[string]any{
		"sssid": "S2", "name": "B",
	})
	if code != http.StatusBadRequest {
		t.Fatalf("missing bday must 400, got %d %v", code, body)
	}

	code, body = c.do(http.MethodPut, "/subject/S1/didConsent", nil)
	if code != http.StatusOK {
		t.Fatalf("didConsent: %d %v", code, body)
	}
	if _, ok := body["date_consented"]; !ok {
		t.Fatalf("consent timestamp missing: %v", body)
	}
	code, _ = c.do(http.MethodPut, "/subject/S1/didConsent", nil)
	if code != http.StatusConflict {
		t.Fatalf("second consent must 409, got %d", code)
	}

	code, body = c.do(http.MethodGet, "/subject?search=s1", nil)
	if code != http.StatusOK {
		t.Fatalf("search: %d %v", code, body)
	}
	if items, _ := body["items"].([]any); len(items) != 1 {
		t.Fatalf("expected one search hit, got %v", body["items"])
	}

	code, _ = c.do(http.MethodGet, "/subject/unknown", nil)
	if code != http.StatusNotFound {
		t.Fatalf("unknown subject must 404, got %d", code)
	}
}

func TestLinkScenario(t *testing.T) {
	_, c := newTestServer(t)
	c.bootstrap()

	mustStatus := func(want, got int, step string) {
		t.Helper()
		if want != got {
			t.Fatalf("%s: expected %d, got %d", step, want, got)
		}
	}

	code, _ := c.do(http.MethodPost, "/subject", map[string]any{
		"sssid": "S1", "name": "A", "bday": "1990-01-01",
	})
	mustStatus(http.StatusCreated, code, "create subject")

	// Link creation before consent is refused.
	code, _ = c.do(http.MethodPost, "/subject/S1/links", nil)
	mustStatus(http.StatusPreconditionFailed, code, "link before consent")

	code, _ = c.do(http.MethodPut, "/subject/S1/didConsent", nil)
	mustStatus(http.StatusOK, code, "consent")

	code, body := c.do(http.MethodPost, "/subject/S1/links", nil)
	mustStatus(http.StatusCreated, code, "create link")
	linkID, _ := body["_id"].(string)
	if linkID == "" {
		t.Fatalf("link id missing: %v", body)
	}
	if _, ok := body["secret"]; ok {
		t.Fatalf("secret leaked: %v", body)
	}

	// Token fetch is public and idempotent.
	anon := &testClient{t: t, base: c.base, client: c.client}
	code, body = anon.do(http.MethodGet, "/link/"+linkID+"/token", nil)
	mustStatus(http.StatusOK, code, "mint token")
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("no token minted")
	}
	code, body = anon.do(http.MethodGet, "/link/"+linkID+"/token", nil)
	mustStatus(http.StatusOK, code, "re-mint token")
	if again, _ := body["token"].(string); again != token {
		t.Fatalf("token must be stable: %q vs %q", token, again)
	}

	establish := func(value string) int {
		redeemer := &testClient{t: t, base: c.base, client: c.client, token: token}
		code, _ := redeemer.do(http.MethodPost, "/establish", map[string]any{
			"resourceType": "Patient",
			"identifier":   []map[string]any{{"system": "x", "value": value}},
		})
		return code
	}
	mustStatus(http.StatusNoContent, establish("P1"), "establish")
	mustStatus(http.StatusNoContent, establish("P1"), "identical replay")
	mustStatus(http.StatusConflict, establish("P2"), "different identity")

	// Redemption with a bogus token is refused outright.
	bogus := &testClient{t: t, base: c.base, client: c.client, token: "not-a-minted-token"}
	code, _ = bogus.do(http.MethodPost, "/establish", map[string]any{
		"resourceType": "Patient",
		"identifier":   []map[string]any{{"system": "x", "value": "P1"}},
	})
	mustStatus(http.StatusForbidden, code, "bogus token")

	// The subject now reads as enrolled and carries an audit trail.
	code, body = c.do(http.MethodGet, "/subject/S1", nil)
	mustStatus(http.StatusOK, code, "read subject")
	if _, ok := body["date_enrolled"]; !ok {
		t.Fatalf("enrollment not back-filled: %v", body)
	}
	code, body = c.do(http.MethodGet, "/subject/S1/audits", nil)
	mustStatus(http.StatusOK, code, "audits")
	items, _ := body["items"].([]any)
	if len(items) == 0 {
		t.Fatal("audit trail empty")
	}

	code, body = c.do(http.MethodGet, "/subject/S1/links", nil)
	mustStatus(http.StatusOK, code, "list links")
	if items, _ := body["items"].([]any); len(items) != 1 {
		t.Fatalf("expected one link, got %v", body["items"])
	}
}

func TestEstablishDescriptorValidation(t *testing.T) {
	_, c := newTestServer(t)
	c.bootstrap()

	c.do(http.MethodPost, "/subject", map[string]any{
		"sssid": "S1", "name": "A", "bday": "1990-01-01",
	})
	c.do(http.MethodPut, "/subject/S1/didConsent", nil)
	_, body := c.do(http.MethodPost, "/subject/S1/links", nil)
	linkID, _ := body["_id"].(string)
	_, body = c.do(http.MethodGet, "/link/"+linkID+"/token", nil)
	token, _ := body["token"].(string)

	redeemer := &testClient{t: t, base: c.base, client: c.client, token: token}
	code, _ := redeemer.do(http.MethodPost, "/establish", map[string]any{
		"resourceType": "Observation",
		"identifier":   []map[string]any{{"value": "P1"}},
	})
	if code != http.StatusNotAcceptable {
		t.Fatalf("wrong resourceType must 406, got %d", code)
	}
	code, _ = redeemer.do(http.MethodPost, "/establish", map[string]any{
		"resourceType": "Patient",
		"identifier":   []map[string]any{},
	})
	if code != http.StatusNotAcceptable {
		t.Fatalf("empty identifier list must 406, got %d", code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header")
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers")
	}
}
