package store

import (
	"context"
	"os"
	"testing"
	"time"
)

// newTestPostgres connects to RELAY_TEST_DATABASE_URL and empties every
// table. Tests that call it are skipped when no database is configured.
func newTestPostgres(t *testing.T) Store {
	t.Helper()
	url := os.Getenv("RELAY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("postgres not available: RELAY_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := OpenPostgres(ctx, url)
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	truncate := func() {
		if _, err := s.db.Exec(`TRUNCATE messages, threads, campaigns`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		s.Close()
	})
	return s
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, newTestPostgres)
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newTestPostgres(t).(*Postgres)
	if err := Migrate(s.db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
