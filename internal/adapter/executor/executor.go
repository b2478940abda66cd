package executor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agyle/agencycore/internal/adapter/metrics"
	"github.com/agyle/agencycore/internal/adapter/registry"
	"github.com/agyle/agencycore/internal/domain"
)

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 2

	backoffInitial = 1 * time.Second
	backoffMax     = 5 * time.Second

	sqlPreviewLen = 120
)

// Repairer fixes provisioning-class failures: a missing tenant database or a
// missing schema fragment. Implemented by the schema provisioner.
type Repairer interface {
	// Repair attempts to resolve the failure described by qerr. A nil return
	// means the original operation is worth exactly one retry. A non-nil
	// return is the terminal error for the request.
	Repair(ctx context.Context, tenant domain.TenantID, qerr *domain.QueryError) error
}

// Executor runs statements against tenant pools with timeout, transient-error
// retry, audit-context binding and at most one schema-repair cycle per
// request. It implements domain.Executor.
type Executor struct {
	registry   *registry.Registry
	repairer   Repairer
	logger     *slog.Logger
	m          *metrics.CoreMetrics
	timeout    time.Duration
	maxRetries int

	// sleep is overridable so tests can record backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an executor. repairer may be nil, in which case provisioning
// failures propagate without a repair attempt. Zero timeout and negative
// maxRetries select the defaults.
func New(reg *registry.Registry, repairer Repairer, logger *slog.Logger, m *metrics.CoreMetrics, timeout time.Duration, maxRetries int) *Executor {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	return &Executor{
		registry:   reg,
		repairer:   repairer,
		logger:     logger,
		m:          m,
		timeout:    timeout,
		maxRetries: maxRetries,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs one request. Transient failures are retried with exponential
// backoff up to the retry budget; a provisioning failure is handed to the
// repairer at most once, then the original statement is retried once. The
// caller never observes a half-committed transactional execution.
func (e *Executor) Execute(ctx context.Context, req domain.QueryRequest) (*domain.QueryResult, error) {
	if strings.TrimSpace(req.SQL) == "" {
		return nil, &domain.QueryError{Class: domain.ClassValidation, Message: "empty statement"}
	}

	pool, err := e.registry.Pool(req.Tenant)
	if err != nil {
		return nil, Classify(err)
	}

	execID := uuid.NewString()
	schedule := newBackoffSchedule()
	retries := 0
	repaired := false // one repair cycle per logical request

	for {
		start := time.Now()
		res, runErr := e.runOnce(ctx, pool, req)
		elapsed := time.Since(start)

		if runErr == nil {
			e.observe(req, "ok", elapsed)
			e.logger.Debug("query executed",
				"exec_id", execID,
				"tenant", string(req.Tenant),
				"sql", preview(req.SQL),
				"params", redactParams(req.Params),
				"rows", res.RowCount,
				"duration_ms", elapsed.Milliseconds(),
			)
			return res, nil
		}

		qerr := Classify(runErr)
		e.observe(req, "error", elapsed)
		e.logger.Warn("query failed",
			"exec_id", execID,
			"tenant", string(req.Tenant),
			"sql", preview(req.SQL),
			"params", redactParams(req.Params),
			"class", qerr.Class.String(),
			"code", qerr.Code,
			"duration_ms", elapsed.Milliseconds(),
			"error", qerr.Message,
		)

		switch qerr.Class {
		case domain.ClassProvisioning:
			if e.repairer == nil || repaired {
				return nil, qerr
			}
			repaired = true
			if rerr := e.repairer.Repair(ctx, req.Tenant, qerr); rerr != nil {
				return nil, Classify(rerr)
			}
			e.logger.Info("schema repaired, retrying request", "exec_id", execID, "tenant", string(req.Tenant))
			// Retry the original statement exactly once; if it fails with
			// another provisioning error the repaired flag stops the loop.

		case domain.ClassTransient:
			if retries >= e.maxRetries {
				qerr.Err = fmt.Errorf("%w: %w", domain.ErrRetryExhausted, qerr.Err)
				qerr.Message = "retry budget exhausted: " + qerr.Message
				return nil, qerr
			}
			retries++
			delay := schedule.NextBackOff()
			if e.m != nil {
				e.m.QueryRetriesTotal.Inc()
			}
			e.logger.Info("retrying after transient failure",
				"exec_id", execID,
				"tenant", string(req.Tenant),
				"attempt", retries,
				"delay", delay.String(),
			)
			if serr := e.sleep(ctx, delay); serr != nil {
				return nil, qerr
			}

		default:
			return nil, qerr
		}
	}
}

// effectiveTimeout resolves the per-request timeout: Timeout wins over the
// wire field, and the configured executor timeout is both the default and the
// upper bound.
func (e *Executor) effectiveTimeout(req domain.QueryRequest) time.Duration {
	timeout := req.Timeout
	if timeout <= 0 && req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	if timeout <= 0 || timeout > e.timeout {
		return e.timeout
	}
	return timeout
}

// runOnce performs a single attempt under the hard timeout.
func (e *Executor) runOnce(ctx context.Context, pool *sql.DB, req domain.QueryRequest) (*domain.QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.effectiveTimeout(req))
	defer cancel()

	// Audit binding and explicit transactional semantics both need a
	// dedicated connection; plain reads go straight to the pool.
	if req.ActorID != "" || req.Transactional {
		return e.runTransactional(ctx, pool, req)
	}

	if returnsRows(req.SQL) {
		rows, err := pool.QueryContext(ctx, req.SQL, req.Params...)
		if err != nil {
			return nil, err
		}
		return collectRows(rows)
	}

	res, err := pool.ExecContext(ctx, req.SQL, req.Params...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return &domain.QueryResult{RowCount: affected}, nil
}

func (e *Executor) runTransactional(ctx context.Context, pool *sql.DB, req domain.QueryRequest) (*domain.QueryResult, error) {
	conn, err := pool.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	if req.ActorID != "" {
		// Transaction-scoped so audit triggers can stamp changed_by without
		// the value leaking to later users of the pooled connection.
		if _, err := tx.ExecContext(ctx, "SELECT set_config('app.actor_id', $1, true)", req.ActorID); err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	}

	var result *domain.QueryResult
	if returnsRows(req.SQL) {
		rows, err := tx.QueryContext(ctx, req.SQL, req.Params...)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		result, err = collectRows(rows)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
	} else {
		res, err := tx.ExecContext(ctx, req.SQL, req.Params...)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			affected = 0
		}
		result = &domain.QueryResult{RowCount: affected}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) observe(req domain.QueryRequest, status string, elapsed time.Duration) {
	if e.m == nil {
		return
	}
	mode := "pool"
	if req.ActorID != "" || req.Transactional {
		mode = "tx"
	}
	e.m.QueryDuration.WithLabelValues(mode, status).Observe(elapsed.Seconds())
}

func newBackoffSchedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = backoffInitial
	b.MaxInterval = backoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// collectRows drains rows into a QueryResult. []byte cells become strings so
// results serialize cleanly.
func collectRows(rows *sql.Rows) (*domain.QueryResult, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &domain.QueryResult{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result.RowCount = int64(len(result.Rows))
	return result, nil
}

// returnsRows decides between QueryContext and ExecContext by leading
// keyword, with a RETURNING escape hatch for writes.
func returnsRows(query string) bool {
	q := strings.ToUpper(strings.TrimSpace(query))
	for _, kw := range []string{"SELECT", "WITH", "SHOW", "VALUES", "TABLE", "EXPLAIN"} {
		if strings.HasPrefix(q, kw) {
			return true
		}
	}
	return strings.Contains(q, " RETURNING ")
}

func preview(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if len(q) > sqlPreviewLen {
		return q[:sqlPreviewLen] + "..."
	}
	return q
}

// redactParams never logs parameter values; they may carry salaries, bank
// details or personal data.
func redactParams(params []any) string {
	if len(params) == 0 {
		return "none"
	}
	return fmt.Sprintf("[%d redacted]", len(params))
}
