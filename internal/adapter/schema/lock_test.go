package schema

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"

	"github.com/agyle/agencycore/internal/pkg/dbtest"
)

func TestWithAdvisoryLockAcquired(t *testing.T) {
	fake := dbtest.New()
	db := fake.SQLDB()
	t.Cleanup(func() { _ = db.Close() })

	created := false
	outcome, err := withAdvisoryLock(context.Background(), db, 999,
		func(ctx context.Context) (bool, error) {
			t.Error("the lock holder must create, not verify")
			return false, nil
		},
		func(ctx context.Context, conn *sql.Conn) error {
			created = true
			return nil
		},
	)
	if err != nil {
		t.Fatalf("expected clean create, got %v", err)
	}
	if outcome != LockAcquired {
		t.Errorf("got %s, want acquired", outcome)
	}
	if !created {
		t.Error("create must run under the lock")
	}

	log := fake.Statements()
	last := log[len(log)-1]
	if last != "SELECT pg_advisory_unlock($1)" {
		t.Errorf("lock must be released, got trailing %q", last)
	}
}

func TestWithAdvisoryLockPinsOneSession(t *testing.T) {
	fake := dbtest.New()
	db := fake.SQLDB()
	t.Cleanup(func() { _ = db.Close() })

	// The lock is session-scoped: acquire, create and unlock must share one
	// connection or the unlock lands on a different session and the lock
	// leaks. The pool query inside create proves the locking connection stays
	// checked out for the whole create, forcing other work onto a new one.
	outcome, err := withAdvisoryLock(context.Background(), db, 999,
		func(ctx context.Context) (bool, error) {
			t.Error("the lock holder must create, not verify")
			return false, nil
		},
		func(ctx context.Context, conn *sql.Conn) error {
			if _, err := conn.ExecContext(ctx, "CREATE OR REPLACE FUNCTION guarded()"); err != nil {
				return err
			}
			_, err := db.ExecContext(ctx, "SELECT concurrent_work()")
			return err
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != LockAcquired {
		t.Fatalf("got %s, want acquired", outcome)
	}

	stmts := fake.Statements()
	conns := fake.StatementConns()
	byStmt := make(map[string]int, len(stmts))
	for i, s := range stmts {
		byStmt[s] = conns[i]
	}

	lockConn := byStmt["SELECT pg_try_advisory_lock($1)"]
	if got := byStmt["CREATE OR REPLACE FUNCTION guarded()"]; got != lockConn {
		t.Errorf("create ran on connection %d, lock on %d", got, lockConn)
	}
	if got := byStmt["SELECT pg_advisory_unlock($1)"]; got != lockConn {
		t.Errorf("unlock ran on connection %d, lock on %d", got, lockConn)
	}
	if got := byStmt["SELECT concurrent_work()"]; got == lockConn {
		t.Error("pool work during create must not share the locking connection")
	}
}

func TestWithAdvisoryLockContendedVerifies(t *testing.T) {
	fake := dbtest.New(dbtest.Response{
		Match:   "pg_try_advisory_lock",
		Columns: []string{"ok"},
		Rows:    [][]driver.Value{{false}},
	})
	db := fake.SQLDB()
	t.Cleanup(func() { _ = db.Close() })

	verified := 0
	outcome, err := withAdvisoryLock(context.Background(), db, 999,
		func(ctx context.Context) (bool, error) {
			verified++
			return true, nil
		},
		func(ctx context.Context, conn *sql.Conn) error {
			t.Error("the contended branch must never create")
			return nil
		},
	)
	if err != nil {
		t.Fatalf("verified contention is not an error, got %v", err)
	}
	if outcome != LockContended {
		t.Errorf("got %s, want contended", outcome)
	}
	if verified != 1 {
		t.Errorf("expected a single verify, got %d", verified)
	}
}

func TestWithAdvisoryLockContendedObjectNeverAppears(t *testing.T) {
	fake := dbtest.New(dbtest.Response{
		Match:   "pg_try_advisory_lock",
		Columns: []string{"ok"},
		Rows:    [][]driver.Value{{false}},
	})
	db := fake.SQLDB()
	t.Cleanup(func() { _ = db.Close() })

	_, err := withAdvisoryLock(context.Background(), db, 999,
		func(ctx context.Context) (bool, error) { return false, nil },
		func(ctx context.Context, conn *sql.Conn) error { return nil },
	)
	if err == nil {
		t.Fatal("expected an error when the object never appears")
	}
}

func TestWithAdvisoryLockCreateErrorStillUnlocks(t *testing.T) {
	fake := dbtest.New()
	db := fake.SQLDB()
	t.Cleanup(func() { _ = db.Close() })

	boom := errors.New("boom")
	_, err := withAdvisoryLock(context.Background(), db, 999,
		func(ctx context.Context) (bool, error) { return false, nil },
		func(ctx context.Context, conn *sql.Conn) error { return boom },
	)
	if !errors.Is(err, boom) {
		t.Fatalf("create error must propagate, got %v", err)
	}

	log := fake.Statements()
	if log[len(log)-1] != "SELECT pg_advisory_unlock($1)" {
		t.Errorf("lock must be released even when create fails, got %v", log)
	}
}

func TestFragmentLookup(t *testing.T) {
	tests := []struct {
		table    string
		fragment string
	}{
		{"users", "core"},
		{"leave_requests", "hr"},
		{"attendance", "hr"},
		{"invoices", "finance"},
		{"payments", "finance"},
		{"deals", "crm"},
		{"audit_log", "audit"},
	}
	for _, tt := range tests {
		f, ok := FragmentFor(tt.table)
		if !ok || f.Name != tt.fragment {
			t.Errorf("FragmentFor(%q) = (%q, %v), want %q", tt.table, f.Name, ok, tt.fragment)
		}
	}

	if _, ok := FragmentFor("nonexistent"); ok {
		t.Error("unknown tables must not map to a fragment")
	}
}

func TestEveryOwnedTableHasAFragmentStatement(t *testing.T) {
	for table, owner := range tableOwners {
		f, ok := FragmentFor(table)
		if !ok {
			t.Fatalf("table %q maps to missing fragment %q", table, owner)
		}
		found := false
		for _, stmt := range f.Statements {
			if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS "+table+" (") {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("fragment %q has no CREATE TABLE for %q", f.Name, table)
		}
	}
}
