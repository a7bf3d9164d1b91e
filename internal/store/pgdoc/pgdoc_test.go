package pgdoc

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"linkage.org/internal/store"
)

func TestFindUnmarshalsDocuments(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := New(db, "linkage_idm")

	rows := sqlmock.NewRows([]string{"doc"}).
		AddRow([]byte(`{"_id":"a","_rev":1,"type":"subject","sssid":"S1"}`))
	mock.ExpectQuery(`select doc from linkage_idm where doc @> .+ order by id`).
		WithArgs(`{"type":"subject"}`).
		WillReturnRows(rows)

	got, err := s.Find(context.Background(), store.Filter{"type": "subject"}, store.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0]["sssid"] != "S1" {
		t.Fatalf("unexpected result: %v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStoreInsertAssignsID(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := New(db, "linkage_idm")

	mock.ExpectExec(`insert into linkage_idm`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	doc := store.Document{"type": "audit", "action": "create"}
	id, err := s.Store(context.Background(), doc, 0)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" || store.Rev(doc) != 1 {
		t.Fatalf("insert did not initialize doc: id=%q rev=%d", id, store.Rev(doc))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestStoreRevisionMismatch(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s := New(db, "linkage_idm")

	mock.ExpectExec(`update linkage_idm set rev`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`select exists`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	doc := store.Document{store.KeyID: "a", store.KeyRev: int64(1), "type": "link"}
	if _, err := s.Store(context.Background(), doc, 1); !errors.Is(err, store.ErrRevisionMismatch) {
		t.Fatalf("expected revision mismatch, got %v", err)
	}
	if store.Rev(doc) != 1 {
		t.Fatalf("rev must not advance on failure, got %d", store.Rev(doc))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
