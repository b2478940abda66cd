package executor

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/agyle/agencycore/internal/domain"
)

// SQLSTATE codes the core reacts to. Anything else is constraint-bucketed by
// class prefix or falls through to internal.
const (
	codeConnectionException    = "08000"
	codeConnectionDoesNotExist = "08003"
	codeConnectionFailure      = "08006"
	codeSerializationFailure   = "40001"
	codeDeadlockDetected       = "40P01"
	codeLockNotAvailable       = "55P03"
	codeTooManyConnections     = "53300"
	codeAdminShutdown          = "57P01"
	codeCrashShutdown          = "57P02"
	codeQueryCanceled          = "57014"

	codeInvalidCatalogName = "3D000" // database does not exist
	codeUndefinedTable     = "42P01" // relation does not exist
	codeUndefinedColumn    = "42703" // column does not exist
	codeDuplicateDatabase  = "42P04"
	codeDuplicateObject    = "42710"

	codeNotNullViolation    = "23502"
	codeForeignKeyViolation = "23503"
	codeUniqueViolation     = "23505"
	codeCheckViolation      = "23514"
)

// Classify translates a raw execution error into a classified QueryError.
// This is the single place that interprets driver errors; everything the
// retry and repair machinery decides flows from the Class assigned here.
func Classify(err error) *domain.QueryError {
	if err == nil {
		return nil
	}

	var qerr *domain.QueryError
	if errors.As(err, &qerr) {
		return qerr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.QueryError{
			Class:   domain.ClassTransient,
			Message: "execution timed out",
			Err:     err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &domain.QueryError{
			Class:   domain.ClassInternal,
			Message: "execution canceled",
			Err:     err,
		}
	}
	if errors.Is(err, domain.ErrInvalidTenantID) {
		return &domain.QueryError{
			Class:   domain.ClassValidation,
			Message: err.Error(),
			Err:     err,
		}
	}
	if errors.Is(err, domain.ErrTenantNotFound) {
		return &domain.QueryError{
			Class:   domain.ClassUnknownTenant,
			Message: err.Error(),
			Err:     err,
		}
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPQ(pqErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || isConnRefused(err) {
		return &domain.QueryError{
			Class:   domain.ClassTransient,
			Message: err.Error(),
			Err:     err,
		}
	}

	return &domain.QueryError{
		Class:   domain.ClassInternal,
		Message: err.Error(),
		Err:     err,
	}
}

func classifyPQ(pqErr *pq.Error) *domain.QueryError {
	qerr := &domain.QueryError{
		Message:    pqErr.Message,
		Code:       string(pqErr.Code),
		Detail:     pqErr.Detail,
		Hint:       pqErr.Hint,
		Constraint: pqErr.Constraint,
		Table:      pqErr.Table,
		Column:     pqErr.Column,
		Err:        pqErr,
	}

	switch string(pqErr.Code) {
	case codeConnectionException, codeConnectionDoesNotExist, codeConnectionFailure,
		codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable,
		codeTooManyConnections, codeAdminShutdown, codeCrashShutdown, codeQueryCanceled:
		qerr.Class = domain.ClassTransient
	case codeInvalidCatalogName, codeUndefinedTable, codeUndefinedColumn:
		qerr.Class = domain.ClassProvisioning
	case codeNotNullViolation, codeForeignKeyViolation, codeUniqueViolation, codeCheckViolation:
		qerr.Class = domain.ClassConstraint
	default:
		switch {
		case strings.HasPrefix(string(pqErr.Code), "08"):
			qerr.Class = domain.ClassTransient
		case strings.HasPrefix(string(pqErr.Code), "23"):
			qerr.Class = domain.ClassConstraint
		default:
			qerr.Class = domain.ClassInternal
		}
	}

	return qerr
}

func isConnRefused(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}

// Postgres reports missing objects in human-readable text; newer server
// versions populate the structured Table field only sometimes. The parsing
// is deliberately confined to these two functions.
var (
	missingRelationRe       = regexp.MustCompile(`relation "([^"]+)" does not exist`)
	missingColumnRelationRe = regexp.MustCompile(`column "[^"]+" of relation "([^"]+)" does not exist`)
)

// MissingRelation extracts the relation name from an undefined-table error.
func MissingRelation(qerr *domain.QueryError) (string, bool) {
	if qerr == nil || qerr.Code != codeUndefinedTable {
		return "", false
	}
	if qerr.Table != "" {
		return qerr.Table, true
	}
	if m := missingRelationRe.FindStringSubmatch(qerr.Message); m != nil {
		return m[1], true
	}
	return "", false
}

// MissingColumnRelation extracts the owning relation from an undefined-column
// error, when the server names one. A bare `column "x" does not exist` gives
// no relation, and the repairer falls back to the full schema routine.
func MissingColumnRelation(qerr *domain.QueryError) (string, bool) {
	if qerr == nil || qerr.Code != codeUndefinedColumn {
		return "", false
	}
	if qerr.Table != "" {
		return qerr.Table, true
	}
	if m := missingColumnRelationRe.FindStringSubmatch(qerr.Message); m != nil {
		return m[1], true
	}
	return "", false
}
