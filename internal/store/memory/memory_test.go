package memory

import (
	"context"
	"errors"
	"testing"

	"linkage.org/internal/store"
)

func TestInsertAssignsIDAndRev(t *testing.T) {
	s := New()
	ctx := context.Background()

	doc := store.Document{"type": "subject", "sssid": "S1"}
	id, err := s.Store(ctx, doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" || store.ID(doc) != id {
		t.Fatalf("id not assigned: %q", id)
	}
	if store.Rev(doc) != 1 {
		t.Fatalf("expected rev 1, got %d", store.Rev(doc))
	}
}

func TestRevisionMismatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	doc := store.Document{"type": "link"}
	if _, err := s.Store(ctx, doc, 0); err != nil {
		t.Fatal(err)
	}
	stale := store.Document{store.KeyID: store.ID(doc), "type": "link"}
	if _, err := s.Store(ctx, stale, 7); !errors.Is(err, store.ErrRevisionMismatch) {
		t.Fatalf("expected revision mismatch, got %v", err)
	}
	if _, err := s.Store(ctx, doc, 1); err != nil {
		t.Fatalf("update with correct rev: %v", err)
	}
	if store.Rev(doc) != 2 {
		t.Fatalf("expected rev 2, got %d", store.Rev(doc))
	}
}

func TestFindFiltersAndPagination(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, name := range []string{"Ada", "Grace", "Adele"} {
		doc := store.Document{"type": "subject", "name": name}
		if _, err := s.Store(ctx, doc, 0); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Find(ctx, store.Filter{"type": "subject", "name": store.Contains("ad")}, store.Options{Sort: "name"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 substring matches, got %d", len(got))
	}
	if got[0]["name"] != "Ada" || got[1]["name"] != "Adele" {
		t.Fatalf("unexpected sort order: %v, %v", got[0]["name"], got[1]["name"])
	}

	page, err := s.Find(ctx, store.Filter{"type": "subject"}, store.Options{Sort: "name", Skip: 1, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0]["name"] != "Adele" {
		t.Fatalf("unexpected page: %v", page)
	}
}

func TestFindOrAlternatives(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := store.Document{"type": "subject", "sssid": "S1", "name": "Ada"}
	b := store.Document{"type": "subject", "sssid": "S2", "name": "Grace"}
	for _, doc := range []store.Document{a, b} {
		if _, err := s.Store(ctx, doc, 0); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Find(ctx, store.Filter{
		"type": "subject",
		store.Or: []store.Filter{
			{"sssid": store.Contains("s2")},
			{"name": store.Contains("ada")},
		},
	}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected both documents, got %d", len(got))
	}
}

func TestNilFilterValueMatchesUnset(t *testing.T) {
	s := New()
	ctx := context.Background()

	unlinked := store.Document{"type": "link", "sub": "S1"}
	linked := store.Document{"type": "link", "sub": "S1", "linked_to": "P1"}
	for _, doc := range []store.Document{unlinked, linked} {
		if _, err := s.Store(ctx, doc, 0); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Find(ctx, store.Filter{"type": "link", "linked_to": nil}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || store.ID(got[0]) != store.ID(unlinked) {
		t.Fatalf("expected only the unlinked doc, got %v", got)
	}
}
