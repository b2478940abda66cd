package domain

import (
	"context"
	"errors"
	"regexp"
	"time"
)

// TenantID is the opaque identifier of one agency. It doubles as the key of
// the pool registry and as the suffix of the tenant's database name, so it is
// validated strictly before it ever reaches identifier interpolation.
type TenantID string

// MainDatabase targets the shared main database instead of a tenant database.
// An empty TenantID is treated the same way.
const MainDatabase TenantID = "main"

// Postgres identifiers are capped at 63 bytes; the prefix eats into that, so
// the identifier itself gets a tighter cap.
const maxTenantIDLen = 48

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Valid reports whether the identifier is safe to interpolate into a
// database name. DDL cannot be parameterized, so this is the injection gate.
func (id TenantID) Valid() bool {
	return len(id) > 0 && len(id) <= maxTenantIDLen && tenantIDPattern.MatchString(string(id))
}

// IsMain reports whether the identifier targets the shared main database.
func (id TenantID) IsMain() bool {
	return id == "" || id == MainDatabase
}

// Tenant is one row of the agency registry kept in the main database.
type Tenant struct {
	ID           TenantID  `json:"id"`
	Name         string    `json:"name"`
	DatabaseName string    `json:"database_name"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// ErrTenantNotFound means the identifier is not a known, active tenant.
// Provisioning never proceeds past this error: creating infrastructure for an
// unrecognized identifier is a security problem, not a self-healing one.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrInvalidTenantID means the identifier failed the character/length gate.
var ErrInvalidTenantID = errors.New("invalid tenant identifier")

// TenantDirectory answers "is this a known tenant" from the main database.
// The provisioner consults it before ever creating a tenant database; the
// caller-supplied identifier alone is never trusted.
type TenantDirectory interface {
	// Lookup returns the tenant record, or ErrTenantNotFound for unknown or
	// deactivated tenants.
	Lookup(ctx context.Context, id TenantID) (*Tenant, error)
}
