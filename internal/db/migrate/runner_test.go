package migrate

import (
	"io/fs"
	"strings"
	"testing"

	"telephony-bridge/internal/db"
)

func TestRun_EmptyDSN(t *testing.T) {
	for _, dsn := range []string{"", "   "} {
		err := Run(dsn, Up)
		if err == nil || !strings.Contains(err.Error(), "DB_DSN") {
			t.Fatalf("expected DB_DSN error for %q, got %v", dsn, err)
		}
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, d := range []Direction{"", "UP", "sideways"} {
		err := Run("postgres://localhost/test", d)
		if err == nil || !strings.Contains(err.Error(), "direction") {
			t.Fatalf("expected direction error for %q, got %v", d, err)
		}
	}
}

func TestMigrationsArePaired(t *testing.T) {
	names, err := fs.Glob(db.MigrationFS, "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(names) == 0 {
		t.Fatalf("no migrations embedded")
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			ups[strings.TrimSuffix(n, ".up.sql")] = true
		case strings.HasSuffix(n, ".down.sql"):
			downs[strings.TrimSuffix(n, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", n)
		}
	}
	for base := range ups {
		if !downs[base] {
			t.Fatalf("missing down migration for %s", base)
		}
	}
	if len(ups) != len(downs) {
		t.Fatalf("up/down count mismatch: %d vs %d", len(ups), len(downs))
	}
}

func TestUsageLedgerIsUniquePerCallAndType(t *testing.T) {
	raw, err := fs.ReadFile(db.MigrationFS, "migrations/000001_usage_events.up.sql")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(raw), "UNIQUE (provider, call_id, type)") {
		t.Fatalf("usage_events must be unique per provider, call and type")
	}
}
