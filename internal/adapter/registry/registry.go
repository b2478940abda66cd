package registry

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agyle/agencycore/internal/adapter/metrics"
	"github.com/agyle/agencycore/internal/domain"
)

// Config carries the shared connection parameters. Every tenant shares the
// same host and credentials; only the database name differs.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	SSLMode        string
	MainDBName     string
	TenantDBPrefix string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
}

// OpenFunc opens a database handle for a DSN. Overridable in tests.
type OpenFunc func(dsn string) (*sql.DB, error)

func defaultOpen(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// Registry owns one connection pool per tenant for the life of the process.
// It is the only piece of global mutable state in the core, so first-creation
// races are resolved under its lock: two simultaneous first requests for the
// same tenant always end up sharing one pool.
type Registry struct {
	cfg    Config
	open   OpenFunc
	logger *slog.Logger
	m      *metrics.CoreMetrics

	mu    sync.RWMutex
	pools map[domain.TenantID]*sql.DB
}

// New creates a registry. No connections are established here; sql.Open is
// lazy and the first query dials.
func New(cfg Config, logger *slog.Logger, m *metrics.CoreMetrics) *Registry {
	return &Registry{
		cfg:    cfg,
		open:   defaultOpen,
		logger: logger,
		m:      m,
		pools:  make(map[domain.TenantID]*sql.DB),
	}
}

// SetOpenFunc replaces the pool opener. Intended for tests.
func (r *Registry) SetOpenFunc(open OpenFunc) { r.open = open }

// DatabaseName returns the database a tenant identifier maps to.
func (r *Registry) DatabaseName(id domain.TenantID) string {
	if id.IsMain() {
		return r.cfg.MainDBName
	}
	return r.cfg.TenantDBPrefix + string(id)
}

// Pool returns the pool for a tenant (or the main database), creating it on
// first request. The identifier is validated before any DSN is built.
func (r *Registry) Pool(id domain.TenantID) (*sql.DB, error) {
	key := id
	if id.IsMain() {
		key = domain.MainDatabase
	} else if !id.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTenantID, string(id))
	}

	r.mu.RLock()
	db, ok := r.pools[key]
	r.mu.RUnlock()
	if ok {
		return db, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check in case another goroutine created the pool while we
	// waited for the lock.
	if db, ok := r.pools[key]; ok {
		return db, nil
	}

	db, err := r.open(r.dsn(r.DatabaseName(key)))
	if err != nil {
		return nil, fmt.Errorf("open pool for %q: %w", string(key), err)
	}

	// Tenant pools stay small: one process may hold dozens of them.
	db.SetMaxOpenConns(r.cfg.MaxOpenConns)
	db.SetMaxIdleConns(r.cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(r.cfg.ConnMaxIdleTime)

	r.pools[key] = db
	if r.m != nil {
		r.m.TenantPoolsActive.Inc()
	}
	r.logger.Info("created tenant pool", "tenant", string(key), "database", r.DatabaseName(key))

	return db, nil
}

// CloseTenant tears down one tenant's pool. Used by tests and by teardown
// after a tenant is deactivated; correctness does not require eviction.
func (r *Registry) CloseTenant(id domain.TenantID) error {
	key := id
	if id.IsMain() {
		key = domain.MainDatabase
	}

	r.mu.Lock()
	db, ok := r.pools[key]
	delete(r.pools, key)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if r.m != nil {
		r.m.TenantPoolsActive.Dec()
	}
	return db.Close()
}

// Close tears down every pool. The first close error wins; the rest still run.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for id, db := range r.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.pools, id)
		if r.m != nil {
			r.m.TenantPoolsActive.Dec()
		}
	}
	return firstErr
}

func (r *Registry) dsn(dbName string) string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		quoteDSNValue(r.cfg.Host), r.cfg.Port, quoteDSNValue(r.cfg.User),
		quoteDSNValue(dbName), quoteDSNValue(r.cfg.SSLMode))
	if r.cfg.Password != "" {
		dsn += " password=" + quoteDSNValue(r.cfg.Password)
	}
	return dsn
}

// quoteDSNValue makes a value safe for the lib/pq key/value DSN format:
// values with spaces or quotes are single-quoted, with backslash and single
// quote escaped. Plain values pass through untouched.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	escaped := strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v)
	return "'" + escaped + "'"
}
