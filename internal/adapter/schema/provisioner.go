package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/lib/pq"
	"golang.org/x/time/rate"

	"github.com/agyle/agencycore/internal/adapter/executor"
	"github.com/agyle/agencycore/internal/adapter/metrics"
	"github.com/agyle/agencycore/internal/adapter/registry"
	"github.com/agyle/agencycore/internal/domain"
)

// Advisory lock keys for shared, rarely-changing objects. Fixed for the
// cluster; changing them orphans in-flight lockers during a rolling deploy.
const (
	mainSchemaLockKey   int64 = 742001
	auditTriggerLockKey int64 = 742002
)

const (
	codeInvalidCatalogName = "3D000"
	codeUndefinedTable     = "42P01"
	codeUndefinedColumn    = "42703"
	codeDuplicateDatabase  = "42P04"
)

// Provisioner creates tenant databases on demand and repairs schema drift.
// Tenant databases are provisioned once and evolve out-of-band from code
// deploys, so a tenant missing a table newer code expects is an expected
// condition, not an outage. Repair is narrowly scoped: one fragment when the
// failing table is known, the full routine otherwise, and never anything for
// an unknown tenant.
type Provisioner struct {
	registry  *registry.Registry
	directory domain.TenantDirectory
	logger    *slog.Logger
	m         *metrics.CoreMetrics

	// Kill switch and throttle: under cascading drift failures unbounded
	// repair attempts turn into a CPU spike, so repair is a deployment
	// policy, not a given.
	enabled bool
	limiter *rate.Limiter

	mainReady atomic.Bool
}

// New creates a provisioner. perSecond bounds repair cycles across all
// tenants in this process; zero disables the throttle.
func New(reg *registry.Registry, dir domain.TenantDirectory, logger *slog.Logger, m *metrics.CoreMetrics, enabled bool, perSecond float64) *Provisioner {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &Provisioner{
		registry:  reg,
		directory: dir,
		logger:    logger,
		m:         m,
		enabled:   enabled,
		limiter:   limiter,
	}
}

// Repair resolves one provisioning-class failure. A nil return tells the
// executor the original operation is worth one retry; any other return is
// terminal for the request.
func (p *Provisioner) Repair(ctx context.Context, tenant domain.TenantID, qerr *domain.QueryError) error {
	if !p.enabled {
		return qerr
	}
	if !p.limiter.Allow() {
		if p.m != nil {
			p.m.RepairsTotal.WithLabelValues("throttled").Inc()
		}
		p.logger.Warn("schema repair throttled", "tenant", string(tenant), "code", qerr.Code)
		return qerr
	}

	switch qerr.Code {
	case codeInvalidCatalogName:
		return p.provisionDatabase(ctx, tenant, qerr)

	case codeUndefinedTable:
		table, ok := executor.MissingRelation(qerr)
		if !ok {
			return p.repairFull(ctx, tenant, qerr)
		}
		return p.repairFragmentFor(ctx, tenant, table, qerr)

	case codeUndefinedColumn:
		// A column can go missing when a fragment grew a new column after
		// the tenant's table was created; re-running the owning fragment is
		// not enough for ALTERs, but the full routine is still the safest
		// recovery when the owning relation is unknown.
		table, ok := executor.MissingColumnRelation(qerr)
		if !ok {
			return p.repairFull(ctx, tenant, qerr)
		}
		return p.repairFragmentFor(ctx, tenant, table, qerr)

	default:
		return qerr
	}
}

// provisionDatabase handles "database does not exist". The directory in the
// main database is consulted first: an unknown identifier fails permanently,
// so a typo'd or spoofed tenant never gets infrastructure created for it.
func (p *Provisioner) provisionDatabase(ctx context.Context, tenant domain.TenantID, qerr *domain.QueryError) error {
	if tenant.IsMain() {
		// The main database is provisioned out of band; nothing to repair.
		return qerr
	}

	t, err := p.directory.Lookup(ctx, tenant)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			return &domain.QueryError{
				Class:   domain.ClassUnknownTenant,
				Message: fmt.Sprintf("tenant %q is not registered", string(tenant)),
				Err:     err,
			}
		}
		return fmt.Errorf("tenant directory lookup: %w", err)
	}

	mainPool, err := p.registry.Pool(domain.MainDatabase)
	if err != nil {
		return err
	}

	dbName := p.registry.DatabaseName(tenant)
	// CREATE DATABASE cannot be parameterized; the identifier was validated
	// by the registry and is quoted here.
	if _, err := mainPool.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(dbName)); err != nil {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || string(pqErr.Code) != codeDuplicateDatabase {
			return fmt.Errorf("create database %s: %w", dbName, err)
		}
		// Lost a cold-start race; the winner is applying the schema. Fall
		// through and apply it here too, everything is idempotent.
	}

	if p.m != nil {
		p.m.RepairsTotal.WithLabelValues("database").Inc()
	}
	p.logger.Info("provisioned tenant database", "tenant", string(t.ID), "database", dbName)

	pool, err := p.registry.Pool(tenant)
	if err != nil {
		return err
	}
	return p.ApplyTenantSchema(ctx, pool)
}

func (p *Provisioner) repairFragmentFor(ctx context.Context, tenant domain.TenantID, table string, qerr *domain.QueryError) error {
	fragment, ok := FragmentFor(table)
	if !ok {
		p.logger.Warn("no fragment owns table, running full schema", "tenant", string(tenant), "table", table)
		return p.repairFull(ctx, tenant, qerr)
	}

	pool, err := p.registry.Pool(tenant)
	if err != nil {
		return err
	}
	if err := p.applyFragment(ctx, pool, fragment); err != nil {
		return err
	}

	if p.m != nil {
		p.m.RepairsTotal.WithLabelValues("fragment").Inc()
	}
	p.logger.Info("repaired schema fragment", "tenant", string(tenant), "fragment", fragment.Name, "table", table)
	return nil
}

func (p *Provisioner) repairFull(ctx context.Context, tenant domain.TenantID, qerr *domain.QueryError) error {
	if tenant.IsMain() {
		return p.EnsureMainSchema(ctx)
	}

	pool, err := p.registry.Pool(tenant)
	if err != nil {
		return err
	}
	if err := p.ApplyTenantSchema(ctx, pool); err != nil {
		return err
	}

	if p.m != nil {
		p.m.RepairsTotal.WithLabelValues("full").Inc()
	}
	p.logger.Info("applied full tenant schema", "tenant", string(tenant), "trigger_code", qerr.Code)
	return nil
}

// ApplyTenantSchema runs every fragment against one tenant database.
func (p *Provisioner) ApplyTenantSchema(ctx context.Context, db *sql.DB) error {
	for _, f := range Fragments() {
		if err := p.applyFragment(ctx, db, f); err != nil {
			return err
		}
	}
	return nil
}

// applyFragment runs one fragment; the audit fragment additionally installs
// the shared trigger function under the advisory-lock guard.
func (p *Provisioner) applyFragment(ctx context.Context, db *sql.DB, f Fragment) error {
	if err := f.Apply(ctx, db); err != nil {
		return err
	}
	if f.Name != auditFragment.Name {
		return nil
	}

	outcome, err := withAdvisoryLock(ctx, db, auditTriggerLockKey,
		func(ctx context.Context) (bool, error) {
			return functionExists(ctx, db, "audit_stamp")
		},
		func(ctx context.Context, conn *sql.Conn) error {
			_, err := conn.ExecContext(ctx, auditTriggerFunction)
			return err
		},
	)
	if err != nil {
		return fmt.Errorf("install audit trigger function: %w", err)
	}
	p.logger.Debug("audit trigger function ensured", "lock", outcome.String())
	return nil
}

// EnsureMainSchema creates the main database's own structures: the agency
// registry and the one-row system settings table with its touch trigger. Safe
// to call on every startup; a process-local flag short-circuits after the
// first successful run.
func (p *Provisioner) EnsureMainSchema(ctx context.Context) error {
	if p.mainReady.Load() {
		return nil
	}

	pool, err := p.registry.Pool(domain.MainDatabase)
	if err != nil {
		return err
	}

	for _, stmt := range mainSchemaStatements {
		if _, err := pool.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("main schema: %w", err)
		}
	}

	// The settings trigger needs a DROP/CREATE pair, which is not idempotent
	// under concurrency; the advisory lock serializes cold starts across
	// processes and the contended branch just verifies.
	outcome, err := withAdvisoryLock(ctx, pool, mainSchemaLockKey,
		func(ctx context.Context) (bool, error) {
			return functionExists(ctx, pool, "settings_touch_updated_at")
		},
		func(ctx context.Context, conn *sql.Conn) error {
			for _, stmt := range mainTriggerStatements {
				if _, err := conn.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			return nil
		},
	)
	if err != nil {
		return fmt.Errorf("main settings trigger: %w", err)
	}

	p.mainReady.Store(true)
	p.logger.Info("main schema ensured", "lock", outcome.String())
	return nil
}

func functionExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_proc WHERE proname = $1)", name).Scan(&exists)
	return exists, err
}

var mainSchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agencies (
		identifier TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		database_name TEXT NOT NULL UNIQUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS system_settings (
		id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		maintenance_mode BOOLEAN NOT NULL DEFAULT FALSE,
		maintenance_message TEXT NOT NULL DEFAULT '',
		allow_signups BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`INSERT INTO system_settings (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
}

var mainTriggerStatements = []string{
	`CREATE OR REPLACE FUNCTION settings_touch_updated_at() RETURNS trigger AS $$
	BEGIN
		NEW.updated_at = NOW();
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS trg_settings_touch ON system_settings`,
	`CREATE TRIGGER trg_settings_touch
		BEFORE UPDATE ON system_settings
		FOR EACH ROW EXECUTE FUNCTION settings_touch_updated_at()`,
}
