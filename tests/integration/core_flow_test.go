package integration

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/agyle/agencycore/internal/adapter/executor"
	"github.com/agyle/agencycore/internal/adapter/registry"
	"github.com/agyle/agencycore/internal/adapter/repository/postgres"
	"github.com/agyle/agencycore/internal/adapter/schema"
	"github.com/agyle/agencycore/internal/domain"
)

// These tests need a real PostgreSQL cluster with CREATEDB rights. Set
// AGENCYCORE_IT_PG_HOST to run them, e.g.:
//
//	AGENCYCORE_IT_PG_HOST=localhost AGENCYCORE_IT_PG_USER=postgres go test ./tests/integration/
func itConfig(t *testing.T) registry.Config {
	t.Helper()
	host := os.Getenv("AGENCYCORE_IT_PG_HOST")
	if host == "" {
		t.Skip("AGENCYCORE_IT_PG_HOST not set, skipping integration test")
	}
	user := os.Getenv("AGENCYCORE_IT_PG_USER")
	if user == "" {
		user = "postgres"
	}
	return registry.Config{
		Host:           host,
		Port:           5432,
		User:           user,
		Password:       os.Getenv("AGENCYCORE_IT_PG_PASSWORD"),
		SSLMode:        "disable",
		MainDBName:     "agency_main_it",
		TenantDBPrefix: "agency_it_",
		MaxOpenConns:   5,
	}
}

func TestColdStartProvisioning(t *testing.T) {
	cfg := itConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tenant := domain.TenantID(fmt.Sprintf("flow_%d", time.Now().UnixNano()))

	reg := registry.New(cfg, logger, nil)
	defer reg.Close()

	// The main database itself may not exist yet on a fresh cluster.
	if err := createDatabaseIfMissing(ctx, cfg, cfg.MainDBName); err != nil {
		t.Fatalf("failed to create main database: %v", err)
	}

	main, err := reg.Pool(domain.MainDatabase)
	if err != nil {
		t.Fatal(err)
	}
	dir := postgres.NewTenantDirectory(main, logger)
	prov := schema.New(reg, dir, logger, nil, true, 100)
	exec := executor.New(reg, prov, logger, nil, 30*time.Second, 2)

	if err := prov.EnsureMainSchema(ctx); err != nil {
		t.Fatalf("EnsureMainSchema: %v", err)
	}

	if err := dir.Register(ctx, domain.Tenant{
		ID:           tenant,
		Name:         "Integration Flow Agency",
		DatabaseName: reg.DatabaseName(tenant),
		Active:       true,
	}); err != nil {
		t.Fatalf("failed to register tenant: %v", err)
	}
	defer cleanupTenant(t, cfg, reg, tenant)

	// The tenant database does not exist. The first query must trigger
	// provisioning and then succeed on retry.
	res, err := exec.Execute(ctx, domain.QueryRequest{
		SQL:     "INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, $2, $3, $4) RETURNING id",
		Params:  []any{"ada@example.test", "Ada Lovelace", "x", "admin"},
		Tenant:  tenant,
		ActorID: "it-runner",
	})
	if err != nil {
		t.Fatalf("cold-start query failed: %v", err)
	}
	if res.RowCount != 1 {
		t.Fatalf("expected 1 returned row, got %d", res.RowCount)
	}

	// Second query goes straight through the now-warm pool.
	res, err = exec.Execute(ctx, domain.QueryRequest{
		SQL:    "SELECT full_name, email FROM users",
		Tenant: tenant,
	})
	if err != nil {
		t.Fatalf("follow-up query failed: %v", err)
	}
	if res.RowCount != 1 {
		t.Fatalf("expected 1 row, got %d", res.RowCount)
	}
}

func TestDroppedTableRepair(t *testing.T) {
	cfg := itConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	tenant := domain.TenantID(fmt.Sprintf("drift_%d", time.Now().UnixNano()))

	reg := registry.New(cfg, logger, nil)
	defer reg.Close()

	if err := createDatabaseIfMissing(ctx, cfg, cfg.MainDBName); err != nil {
		t.Fatalf("failed to create main database: %v", err)
	}
	main, err := reg.Pool(domain.MainDatabase)
	if err != nil {
		t.Fatal(err)
	}
	dir := postgres.NewTenantDirectory(main, logger)
	prov := schema.New(reg, dir, logger, nil, true, 100)
	exec := executor.New(reg, prov, logger, nil, 30*time.Second, 2)

	if err := prov.EnsureMainSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if err := dir.Register(ctx, domain.Tenant{
		ID:           tenant,
		Name:         "Drift Agency",
		DatabaseName: reg.DatabaseName(tenant),
		Active:       true,
	}); err != nil {
		t.Fatal(err)
	}
	defer cleanupTenant(t, cfg, reg, tenant)

	// Provision, then knock a table out from under the executor.
	if _, err := exec.Execute(ctx, domain.QueryRequest{SQL: "SELECT 1", Tenant: tenant}); err != nil {
		t.Fatalf("initial provisioning failed: %v", err)
	}
	pool, err := reg.Pool(tenant)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.ExecContext(ctx, "DROP TABLE invoices CASCADE"); err != nil {
		t.Fatalf("failed to drop table: %v", err)
	}

	res, err := exec.Execute(ctx, domain.QueryRequest{
		SQL:    "SELECT count(*) FROM invoices",
		Tenant: tenant,
	})
	if err != nil {
		t.Fatalf("query after drop should repair and succeed, got: %v", err)
	}
	if res.RowCount != 1 {
		t.Fatalf("expected 1 row, got %d", res.RowCount)
	}
}

// createDatabaseIfMissing connects to the maintenance database and issues
// CREATE DATABASE, tolerating the already-exists race.
func createDatabaseIfMissing(ctx context.Context, cfg registry.Config, name string) error {
	admin := registry.New(registry.Config{
		Host:       cfg.Host,
		Port:       cfg.Port,
		User:       cfg.User,
		Password:   cfg.Password,
		SSLMode:    cfg.SSLMode,
		MainDBName: "postgres",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	defer admin.Close()

	db, err := admin.Pool(domain.MainDatabase)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(name))
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "42P04" {
		return nil
	}
	return err
}

func cleanupTenant(t *testing.T, cfg registry.Config, reg *registry.Registry, tenant domain.TenantID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dbName := reg.DatabaseName(tenant)
	if err := reg.CloseTenant(tenant); err != nil {
		t.Logf("failed to close tenant pool: %v", err)
	}

	admin := registry.New(registry.Config{
		Host:       cfg.Host,
		Port:       cfg.Port,
		User:       cfg.User,
		Password:   cfg.Password,
		SSLMode:    cfg.SSLMode,
		MainDBName: "postgres",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	defer admin.Close()

	db, err := admin.Pool(domain.MainDatabase)
	if err != nil {
		t.Logf("cleanup: %v", err)
		return
	}
	if _, err := db.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pq.QuoteIdentifier(dbName)+" WITH (FORCE)"); err != nil {
		t.Logf("cleanup: failed to drop %s: %v", dbName, err)
	}
}
