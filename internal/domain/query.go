package domain

import (
	"context"
	"time"
)

// QueryRequest is the inbound contract from the business layer: one statement
// to run against one tenant (or the main database). Immutable once issued.
// TimeoutMS carries the optional per-request timeout over the wire; in-process
// callers set Timeout directly. Either way the executor clamps it to the
// configured maximum.
type QueryRequest struct {
	SQL           string        `json:"sql"`
	Params        []any         `json:"params,omitempty"`
	Tenant        TenantID      `json:"tenant_id,omitempty"`
	ActorID       string        `json:"actor_id,omitempty"`
	Transactional bool          `json:"transactional,omitempty"`
	TimeoutMS     int64         `json:"timeout_ms,omitempty"`
	Timeout       time.Duration `json:"-"`
}

// Statement is one element of a grouped transaction.
type Statement struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// QueryResult is the outcome of a successful execution. A failed execution
// returns no result at all, never a partially populated one. For statements
// that return rows, RowCount is the number of rows; otherwise it is the
// number of rows affected.
type QueryResult struct {
	Columns  []string `json:"columns,omitempty"`
	Rows     [][]any  `json:"rows,omitempty"`
	RowCount int64    `json:"row_count"`
}

// Executor is the execution contract the rest of the system depends on. The
// resilient implementation lives in internal/adapter/executor.
type Executor interface {
	// Execute runs a single request with timeout, retry and schema repair.
	Execute(ctx context.Context, req QueryRequest) (*QueryResult, error)

	// ExecuteTx runs the statements atomically on one connection: all commit
	// or all roll back. actorID, when non-empty, is bound as a session
	// variable inside the transaction for audit triggers to read.
	ExecuteTx(ctx context.Context, tenant TenantID, stmts []Statement, actorID string) ([]QueryResult, error)
}
