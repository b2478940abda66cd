package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// Fragment is a named, idempotent DDL routine creating one cohesive group of
// tables for a business area. Re-running a fragment never errors and never
// destroys data: every statement carries an existence check.
type Fragment struct {
	Name       string
	Statements []string
}

// Apply runs the fragment's statements in order.
func (f Fragment) Apply(ctx context.Context, db *sql.DB) error {
	for _, stmt := range f.Statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("fragment %s: %w", f.Name, err)
		}
	}
	return nil
}

var coreFragment = Fragment{
	Name: "core",
	Statements: []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			full_name TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS roles (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS role_permissions (
			role_id BIGINT NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
			permission TEXT NOT NULL,
			PRIMARY KEY (role_id, permission)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_role ON users (role)`,
	},
}

var hrFragment = Fragment{
	Name: "hr",
	Statements: []string{
		`CREATE TABLE IF NOT EXISTS employees (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
			first_name TEXT NOT NULL,
			last_name TEXT NOT NULL,
			position TEXT NOT NULL DEFAULT '',
			hired_on DATE,
			salary NUMERIC(12,2),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS leave_requests (
			id BIGSERIAL PRIMARY KEY,
			employee_id BIGINT NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
			starts_on DATE NOT NULL,
			ends_on DATE NOT NULL,
			kind TEXT NOT NULL DEFAULT 'vacation',
			status TEXT NOT NULL DEFAULT 'pending',
			requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (ends_on >= starts_on)
		)`,
		`CREATE TABLE IF NOT EXISTS attendance (
			id BIGSERIAL PRIMARY KEY,
			employee_id BIGINT NOT NULL REFERENCES employees(id) ON DELETE CASCADE,
			work_date DATE NOT NULL,
			clock_in TIMESTAMPTZ,
			clock_out TIMESTAMPTZ,
			UNIQUE (employee_id, work_date)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leave_requests_employee ON leave_requests (employee_id, status)`,
	},
}

var financeFragment = Fragment{
	Name: "finance",
	Statements: []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id BIGSERIAL PRIMARY KEY,
			customer_id BIGINT,
			number TEXT NOT NULL UNIQUE,
			issued_on DATE NOT NULL,
			due_on DATE,
			status TEXT NOT NULL DEFAULT 'draft',
			total NUMERIC(14,2) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS invoice_items (
			id BIGSERIAL PRIMARY KEY,
			invoice_id BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
			description TEXT NOT NULL,
			quantity NUMERIC(10,2) NOT NULL DEFAULT 1,
			unit_price NUMERIC(14,2) NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS payments (
			id BIGSERIAL PRIMARY KEY,
			invoice_id BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
			paid_on DATE NOT NULL,
			amount NUMERIC(14,2) NOT NULL,
			method TEXT NOT NULL DEFAULT 'transfer'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices (status)`,
	},
}

var crmFragment = Fragment{
	Name: "crm",
	Statements: []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			phone TEXT,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS deals (
			id BIGSERIAL PRIMARY KEY,
			customer_id BIGINT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT 'lead',
			value NUMERIC(14,2),
			closed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS activities (
			id BIGSERIAL PRIMARY KEY,
			customer_id BIGINT NOT NULL REFERENCES customers(id) ON DELETE CASCADE,
			kind TEXT NOT NULL DEFAULT 'note',
			body TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deals_stage ON deals (stage)`,
	},
}

// auditFragment creates the audit log plus the trigger function that stamps
// changed_by from the app.actor_id session variable bound by the executor.
// The function is a shared, rarely-changing object; its creation is guarded
// by an advisory lock in the provisioner so concurrent cold starts cannot
// race into a duplicate-object error.
var auditFragment = Fragment{
	Name: "audit",
	Statements: []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			table_name TEXT NOT NULL,
			row_id TEXT,
			action TEXT NOT NULL,
			changed_by TEXT,
			changed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			old_values JSONB,
			new_values JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_table ON audit_log (table_name, changed_at)`,
	},
}

const auditTriggerFunction = `
CREATE OR REPLACE FUNCTION audit_stamp() RETURNS trigger AS $$
BEGIN
	INSERT INTO audit_log (table_name, row_id, action, changed_by, old_values, new_values)
	VALUES (
		TG_TABLE_NAME,
		COALESCE(NEW.id::text, OLD.id::text),
		TG_OP,
		NULLIF(current_setting('app.actor_id', true), ''),
		CASE WHEN TG_OP IN ('UPDATE', 'DELETE') THEN to_jsonb(OLD) END,
		CASE WHEN TG_OP IN ('INSERT', 'UPDATE') THEN to_jsonb(NEW) END
	);
	RETURN COALESCE(NEW, OLD);
END;
$$ LANGUAGE plpgsql`

// fragments in application order: core first so foreign keys resolve.
var fragments = []Fragment{coreFragment, hrFragment, financeFragment, crmFragment, auditFragment}

// tableOwners maps every table the platform knows about to its owning
// fragment, so a missing-relation error repairs only the affected business
// area instead of rebuilding the whole schema.
var tableOwners = map[string]string{
	"users":            "core",
	"roles":            "core",
	"role_permissions": "core",
	"employees":        "hr",
	"leave_requests":   "hr",
	"attendance":       "hr",
	"invoices":         "finance",
	"invoice_items":    "finance",
	"payments":         "finance",
	"customers":        "crm",
	"deals":            "crm",
	"activities":       "crm",
	"audit_log":        "audit",
}

// FragmentFor resolves a table name to its owning fragment.
func FragmentFor(table string) (Fragment, bool) {
	name, ok := tableOwners[table]
	if !ok {
		return Fragment{}, false
	}
	for _, f := range fragments {
		if f.Name == name {
			return f, true
		}
	}
	return Fragment{}, false
}

// Fragments returns all fragments in application order.
func Fragments() []Fragment {
	return fragments
}
