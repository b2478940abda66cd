package registry

import (
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agyle/agencycore/internal/domain"
	"github.com/agyle/agencycore/internal/pkg/dbtest"
)

func testConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "core",
		Password:        "secret",
		SSLMode:         "disable",
		MainDBName:      "agency_main",
		TenantDBPrefix:  "agency_",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxIdleTime: time.Minute,
	}
}

func newTestRegistry(t *testing.T, opens *atomic.Int64) *Registry {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := New(testConfig(), logger, nil)
	reg.SetOpenFunc(func(dsn string) (*sql.DB, error) {
		if opens != nil {
			opens.Add(1)
		}
		return dbtest.New().SQLDB(), nil
	})
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestPoolIdempotentCaching(t *testing.T) {
	var opens atomic.Int64
	reg := newTestRegistry(t, &opens)

	first, err := reg.Pool("acme")
	if err != nil {
		t.Fatalf("expected pool, got %v", err)
	}
	second, err := reg.Pool("acme")
	if err != nil {
		t.Fatalf("expected cached pool, got %v", err)
	}

	if first != second {
		t.Error("two requests for the same tenant must return the identical handle")
	}
	if opens.Load() != 1 {
		t.Errorf("expected exactly 1 open, got %d", opens.Load())
	}

	if _, err := reg.Pool("globex"); err != nil {
		t.Fatalf("expected second tenant pool, got %v", err)
	}
	if opens.Load() != 2 {
		t.Errorf("distinct tenants get distinct pools, got %d opens", opens.Load())
	}
}

func TestPoolConcurrentFirstCreation(t *testing.T) {
	var opens atomic.Int64
	reg := newTestRegistry(t, &opens)

	const goroutines = 32
	pools := make([]*sql.DB, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := reg.Pool("acme")
			if err != nil {
				t.Errorf("goroutine %d: %v", i, err)
				return
			}
			pools[i] = p
		}(i)
	}
	wg.Wait()

	if opens.Load() != 1 {
		t.Fatalf("concurrent first requests created %d pools, want 1", opens.Load())
	}
	for i := 1; i < goroutines; i++ {
		if pools[i] != pools[0] {
			t.Fatal("all goroutines must share one handle")
		}
	}
}

func TestPoolValidation(t *testing.T) {
	reg := newTestRegistry(t, nil)

	bad := []string{
		"bad tenant",
		"acme;drop",
		`acme"`,
		"acme-prod", // hyphen is outside the allow-list
		"x" + strings.Repeat("y", 100),
	}
	for _, id := range bad {
		t.Run(id, func(t *testing.T) {
			_, err := reg.Pool(domain.TenantID(id))
			if !errors.Is(err, domain.ErrInvalidTenantID) {
				t.Errorf("expected ErrInvalidTenantID for %q, got %v", id, err)
			}
		})
	}

	good := []string{"acme", "agency_42", "ACME_corp", "7eleven"}
	for _, id := range good {
		t.Run(id, func(t *testing.T) {
			if _, err := reg.Pool(domain.TenantID(id)); err != nil {
				t.Errorf("expected valid identifier %q, got %v", id, err)
			}
		})
	}
}

func TestPoolMainDatabase(t *testing.T) {
	var dsns []string
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := New(testConfig(), logger, nil)
	reg.SetOpenFunc(func(dsn string) (*sql.DB, error) {
		dsns = append(dsns, dsn)
		return dbtest.New().SQLDB(), nil
	})
	t.Cleanup(func() { _ = reg.Close() })

	empty, err := reg.Pool("")
	if err != nil {
		t.Fatalf("empty tenant targets main, got %v", err)
	}
	named, err := reg.Pool(domain.MainDatabase)
	if err != nil {
		t.Fatalf("explicit main failed: %v", err)
	}
	if empty != named {
		t.Error("empty identifier and MainDatabase must share one pool")
	}
	if len(dsns) != 1 || !strings.Contains(dsns[0], "dbname=agency_main") {
		t.Errorf("unexpected DSNs: %v", dsns)
	}

	if _, err := reg.Pool("acme"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(dsns[1], "dbname=agency_acme") {
		t.Errorf("tenant DSN must carry the prefixed database name, got %q", dsns[1])
	}
}

func TestDSNQuotesAwkwardValues(t *testing.T) {
	var dsns []string
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig()
	cfg.Password = `p4'ss wo\rd`
	reg := New(cfg, logger, nil)
	reg.SetOpenFunc(func(dsn string) (*sql.DB, error) {
		dsns = append(dsns, dsn)
		return dbtest.New().SQLDB(), nil
	})
	t.Cleanup(func() { _ = reg.Close() })

	if _, err := reg.Pool("acme"); err != nil {
		t.Fatal(err)
	}
	if len(dsns) != 1 {
		t.Fatalf("expected one open, got %d", len(dsns))
	}
	// lib/pq's key/value format: quote the whole value, escape \ and '.
	if !strings.Contains(dsns[0], `password='p4\'ss wo\\rd'`) {
		t.Errorf("password must be quoted and escaped, got %q", dsns[0])
	}
	if !strings.Contains(dsns[0], "host=localhost ") {
		t.Errorf("plain values stay unquoted, got %q", dsns[0])
	}
}

func TestCloseTenant(t *testing.T) {
	var opens atomic.Int64
	reg := newTestRegistry(t, &opens)

	if _, err := reg.Pool("acme"); err != nil {
		t.Fatal(err)
	}
	if err := reg.CloseTenant("acme"); err != nil {
		t.Fatalf("teardown failed: %v", err)
	}
	if err := reg.CloseTenant("acme"); err != nil {
		t.Fatalf("double teardown must be a no-op, got %v", err)
	}

	// After teardown a fresh request builds a new pool.
	if _, err := reg.Pool("acme"); err != nil {
		t.Fatal(err)
	}
	if opens.Load() != 2 {
		t.Errorf("expected 2 opens across the teardown, got %d", opens.Load())
	}
}

func TestDatabaseName(t *testing.T) {
	reg := newTestRegistry(t, nil)
	if got := reg.DatabaseName("acme"); got != "agency_acme" {
		t.Errorf("got %q", got)
	}
	if got := reg.DatabaseName(domain.MainDatabase); got != "agency_main" {
		t.Errorf("got %q", got)
	}
	if got := reg.DatabaseName(""); got != "agency_main" {
		t.Errorf("empty identifier maps to main, got %q", got)
	}
}
