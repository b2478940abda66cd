package executor

import (
	"context"
	"database/sql"
	"time"

	"github.com/agyle/agencycore/internal/domain"
)

// ExecuteTx runs the statements atomically on one connection, in order, so
// later statements see earlier uncommitted writes. On the first failure the
// whole sequence is rolled back and a TxError carrying the failing index is
// returned. Like Execute, transient failures restart the sequence (safe after
// a full rollback) up to the retry budget, and a provisioning failure gets
// one repair cycle.
func (e *Executor) ExecuteTx(ctx context.Context, tenant domain.TenantID, stmts []domain.Statement, actorID string) ([]domain.QueryResult, error) {
	if len(stmts) == 0 {
		return nil, &domain.QueryError{Class: domain.ClassValidation, Message: "empty statement list"}
	}

	pool, err := e.registry.Pool(tenant)
	if err != nil {
		return nil, Classify(err)
	}

	schedule := newBackoffSchedule()
	retries := 0
	repaired := false

	for {
		start := time.Now()
		results, idx, runErr := e.runTxOnce(ctx, pool, stmts, actorID)
		elapsed := time.Since(start)

		if runErr == nil {
			if e.m != nil {
				e.m.QueryDuration.WithLabelValues("tx", "ok").Observe(elapsed.Seconds())
			}
			return results, nil
		}

		qerr := Classify(runErr)
		if e.m != nil {
			e.m.QueryDuration.WithLabelValues("tx", "error").Observe(elapsed.Seconds())
		}
		e.logger.Warn("transaction failed",
			"tenant", string(tenant),
			"statement_index", idx,
			"class", qerr.Class.String(),
			"code", qerr.Code,
			"error", qerr.Message,
		)

		switch qerr.Class {
		case domain.ClassProvisioning:
			if e.repairer == nil || repaired {
				return nil, &domain.TxError{Index: idx, Err: qerr}
			}
			repaired = true
			if rerr := e.repairer.Repair(ctx, tenant, qerr); rerr != nil {
				return nil, Classify(rerr)
			}

		case domain.ClassTransient:
			if retries >= e.maxRetries {
				return nil, &domain.TxError{Index: idx, Err: qerr}
			}
			retries++
			if e.m != nil {
				e.m.QueryRetriesTotal.Inc()
			}
			if serr := e.sleep(ctx, schedule.NextBackOff()); serr != nil {
				return nil, &domain.TxError{Index: idx, Err: qerr}
			}

		default:
			return nil, &domain.TxError{Index: idx, Err: qerr}
		}
	}
}

// runTxOnce performs one attempt of the whole sequence. The returned index
// identifies the failing statement; -1 means the failure happened before or
// after the statements themselves (begin, actor binding, commit).
func (e *Executor) runTxOnce(ctx context.Context, pool *sql.DB, stmts []domain.Statement, actorID string) ([]domain.QueryResult, int, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	conn, err := pool.Conn(ctx)
	if err != nil {
		return nil, -1, err
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, -1, err
	}

	if actorID != "" {
		if _, err := tx.ExecContext(ctx, "SELECT set_config('app.actor_id', $1, true)", actorID); err != nil {
			_ = tx.Rollback()
			return nil, -1, err
		}
	}

	results := make([]domain.QueryResult, 0, len(stmts))
	for i, stmt := range stmts {
		res, err := runStatement(ctx, tx, stmt)
		if err != nil {
			_ = tx.Rollback()
			return nil, i, err
		}
		results = append(results, *res)
	}

	if err := tx.Commit(); err != nil {
		return nil, -1, err
	}
	return results, -1, nil
}

func runStatement(ctx context.Context, tx *sql.Tx, stmt domain.Statement) (*domain.QueryResult, error) {
	if returnsRows(stmt.SQL) {
		rows, err := tx.QueryContext(ctx, stmt.SQL, stmt.Params...)
		if err != nil {
			return nil, err
		}
		return collectRows(rows)
	}

	res, err := tx.ExecContext(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = 0
	}
	return &domain.QueryResult{RowCount: affected}, nil
}
