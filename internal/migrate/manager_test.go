package migrate

import (
	"strings"
	"testing"
)

func TestListMigrationsOrdered(t *testing.T) {
	ups, err := listMigrations(".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(ups) == 0 {
		t.Fatal("no embedded migrations")
	}
	for i := 1; i < len(ups); i++ {
		if ups[i-1] >= ups[i] {
			t.Fatalf("migrations out of order: %v", ups)
		}
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := files.ReadFile("sql/" + down); err != nil {
			t.Fatalf("missing down migration for %s", up)
		}
	}
}

func TestRenderSQL(t *testing.T) {
	raw, err := files.ReadFile("sql/0001_documents.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	rendered := renderSQL(string(raw), "documents")
	if strings.Contains(rendered, bucketPlaceholder) {
		t.Fatal("placeholder not substituted")
	}
	if !strings.Contains(rendered, "create table if not exists documents") {
		t.Fatalf("unexpected rendering:\n%s", rendered)
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("select 1; select 'a;b'; select 2")
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[1], "'a;b'") {
		t.Fatalf("semicolon inside string literal split: %q", stmts[1])
	}
}
