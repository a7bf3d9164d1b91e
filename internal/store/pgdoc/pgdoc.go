// Package pgdoc adapts store.Interface to a single Postgres JSONB table.
// The schema lives in migrations/ and is applied by cmd/migrate.
package pgdoc

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"linkage.org/internal/ids"
	"linkage.org/internal/store"
)

type Store struct {
	db     *sql.DB
	bucket string
}

var _ store.Interface = (*Store)(nil)

// Open dials the database. bucket names the documents table.
func Open(dsn, bucket string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db, bucket), nil
}

// New wraps an existing handle; used by tests.
func New(db *sql.DB, bucket string) *Store {
	return &Store{db: db, bucket: bucket}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Find(ctx context.Context, filter store.Filter, opts store.Options) ([]store.Document, error) {
	var (
		args  []any
		where = buildWhere(filter, &args)
	)
	query := fmt.Sprintf(`select doc from %s`, s.bucket)
	if where != "" {
		query += " where " + where
	}
	if opts.Sort != "" {
		dir := "asc"
		if opts.Descending {
			dir = "desc"
		}
		args = append(args, opts.Sort)
		query += fmt.Sprintf(" order by doc->$%d %s", len(args), dir)
	} else {
		query += " order by id"
	}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}
	if opts.Skip > 0 {
		args = append(args, opts.Skip)
		query += fmt.Sprintf(" offset $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var doc store.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *Store) Store(ctx context.Context, doc store.Document, expectedRev int64) (string, error) {
	id := store.ID(doc)
	insert := id == ""
	if insert {
		id = ids.NewDoc()
		doc[store.KeyID] = id
	}
	doc[store.KeyRev] = expectedRev + 1

	raw, err := json.Marshal(doc)
	if err != nil {
		doc[store.KeyRev] = expectedRev
		return "", err
	}

	if insert || expectedRev == 0 {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			insert into %s(id, rev, doc) values($1, $2, $3)
			on conflict (id) do nothing
		`, s.bucket), id, expectedRev+1, raw)
		if err != nil {
			doc[store.KeyRev] = expectedRev
			return "", err
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		update %s set rev = $3, doc = $4 where id = $1 and rev = $2
	`, s.bucket), id, expectedRev, expectedRev+1, raw)
	if err != nil {
		doc[store.KeyRev] = expectedRev
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		doc[store.KeyRev] = expectedRev
		return "", err
	}
	if n == 0 {
		doc[store.KeyRev] = expectedRev
		var exists bool
		row := s.db.QueryRowContext(ctx, fmt.Sprintf(`select exists(select 1 from %s where id = $1)`, s.bucket), id)
		if err := row.Scan(&exists); err != nil {
			return "", err
		}
		if !exists {
			return "", store.ErrNotFound
		}
		return "", store.ErrRevisionMismatch
	}
	return id, nil
}

func (s *Store) Remove(ctx context.Context, doc store.Document) error {
	id := store.ID(doc)
	if id == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`delete from %s where id = $1`, s.bucket), id)
	return err
}

func buildWhere(filter store.Filter, args *[]any) string {
	var clauses []string
	for key, want := range filter {
		switch w := want.(type) {
		case store.Contains:
			*args = append(*args, key)
			keyArg := len(*args)
			*args = append(*args, "%"+escapeLike(string(w))+"%")
			clauses = append(clauses, fmt.Sprintf(`doc->>$%d ilike $%d`, keyArg, len(*args)))
		case []store.Filter:
			if key != store.Or {
				continue
			}
			var alts []string
			for _, alt := range w {
				if sub := buildWhere(alt, args); sub != "" {
					alts = append(alts, "("+sub+")")
				}
			}
			if len(alts) > 0 {
				clauses = append(clauses, "("+strings.Join(alts, " or ")+")")
			}
		case nil:
			*args = append(*args, key)
			keyArg := len(*args)
			clauses = append(clauses, fmt.Sprintf(`(doc->$%d is null or doc->$%d = 'null'::jsonb)`, keyArg, keyArg))
		default:
			obj, _ := json.Marshal(map[string]any{key: want})
			*args = append(*args, string(obj))
			clauses = append(clauses, fmt.Sprintf(`doc @> $%d::jsonb`, len(*args)))
		}
	}
	return strings.Join(clauses, " and ")
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
