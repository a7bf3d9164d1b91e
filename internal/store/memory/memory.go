// Package memory implements store.Interface in process. It backs the test
// suites and local development; it intentionally favors clarity over
// performance.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"linkage.org/internal/ids"
	"linkage.org/internal/store"
)

type Store struct {
	mu   sync.RWMutex
	docs map[string]store.Document
}

var _ store.Interface = (*Store)(nil)

func New() *Store {
	return &Store{docs: make(map[string]store.Document)}
}

func (s *Store) Find(_ context.Context, filter store.Filter, opts store.Options) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Document
	for _, doc := range s.docs {
		if matches(doc, filter) {
			out = append(out, clone(doc))
		}
	}

	if opts.Sort != "" {
		key := opts.Sort
		sort.SliceStable(out, func(i, j int) bool {
			less := compare(out[i][key], out[j][key])
			if opts.Descending {
				return !less
			}
			return less
		})
	} else {
		// Deterministic order for pagination even without a sort key.
		sort.SliceStable(out, func(i, j int) bool {
			return store.ID(out[i]) < store.ID(out[j])
		})
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(out) {
			return nil, nil
		}
		out = out[opts.Skip:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) Store(_ context.Context, doc store.Document, expectedRev int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := store.ID(doc)
	if id == "" {
		id = ids.NewDoc()
		doc[store.KeyID] = id
		doc[store.KeyRev] = int64(1)
		s.docs[id] = clone(doc)
		return id, nil
	}

	current, ok := s.docs[id]
	if !ok {
		if expectedRev != 0 {
			return "", store.ErrNotFound
		}
		doc[store.KeyRev] = int64(1)
		s.docs[id] = clone(doc)
		return id, nil
	}
	if store.Rev(current) != expectedRev {
		return "", store.ErrRevisionMismatch
	}
	doc[store.KeyRev] = expectedRev + 1
	s.docs[id] = clone(doc)
	return id, nil
}

func (s *Store) Remove(_ context.Context, doc store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, store.ID(doc))
	return nil
}

func matches(doc store.Document, filter store.Filter) bool {
	for key, want := range filter {
		if key == store.Or {
			alts, ok := want.([]store.Filter)
			if !ok {
				return false
			}
			any := false
			for _, alt := range alts {
				if matches(doc, alt) {
					any = true
					break
				}
			}
			if !any {
				return false
			}
			continue
		}
		have, ok := doc[key]
		switch w := want.(type) {
		case store.Contains:
			if !ok {
				return false
			}
			text := strings.ToLower(fmt.Sprintf("%v", have))
			if !strings.Contains(text, strings.ToLower(string(w))) {
				return false
			}
		case nil:
			if ok && have != nil {
				return false
			}
		default:
			if !ok || !equal(have, want) {
				return false
			}
		}
	}
	return true
}

func equal(a, b any) bool {
	switch b.(type) {
	case int, int32, int64, float64:
		return store.AsInt64(a) == store.AsInt64(b)
	}
	return a == b
}

func compare(a, b any) bool {
	switch b.(type) {
	case int, int32, int64, float64:
		return store.AsInt64(a) < store.AsInt64(b)
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

func clone(doc store.Document) store.Document {
	out := make(store.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
