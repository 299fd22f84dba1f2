package store

import (
	"strings"
	"testing"
)

func TestMigrationNamesAreSortedAndEmbedded(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("migrationNames returned error: %v", err)
	}
	if len(names) == 0 || names[0] != "0001_ledger.sql" {
		t.Fatalf("expected 0001_ledger.sql first, got %v", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("expected sorted migration names, got %v", names)
		}
	}

	body, err := migrationFiles.ReadFile("migrations/" + names[0])
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, table := range []string{"accounts", "transactions", "ledger_entries"} {
		if !strings.Contains(string(body), table) {
			t.Fatalf("expected initial migration to define %s", table)
		}
	}
}
