package migrations

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// testDB connects to a real Postgres instance. These tests are skipped
// unless XTRACE_TEST_DATABASE_URL is set, the same env-gated pattern
// used for the driver-backed integration suites elsewhere in the
// ecosystem, rather than faking the driver.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("XTRACE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("set XTRACE_TEST_DATABASE_URL to run migration tests against a real Postgres instance")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApplyCreatesSchemaAndRecordsMigrations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := Apply(ctx, db); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	for _, table := range []string{"traces", "observations", "metrics"} {
		if !postgresTableExists(t, db, table) {
			t.Fatalf("expected %s table to exist after migrations", table)
		}
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count schema_migrations rows: %v", err)
	}
	if count == 0 {
		t.Fatal("expected at least one applied migration row")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := Apply(ctx, db); err != nil {
		t.Fatalf("first Apply() error: %v", err)
	}
	var firstCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&firstCount); err != nil {
		t.Fatalf("count schema_migrations after first Apply(): %v", err)
	}

	if err := Apply(ctx, db); err != nil {
		t.Fatalf("second Apply() error: %v", err)
	}
	var secondCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&secondCount); err != nil {
		t.Fatalf("count schema_migrations after second Apply(): %v", err)
	}
	if secondCount != firstCount {
		t.Fatalf("schema_migrations count changed after re-apply: first=%d second=%d", firstCount, secondCount)
	}
}

func postgresTableExists(t *testing.T, db *sql.DB, table string) bool {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1`, table).Scan(&count); err != nil {
		t.Fatalf("query information_schema.tables for table %q: %v", table, err)
	}
	return count > 0
}
