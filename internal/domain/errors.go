package domain

import (
	"errors"
	"fmt"
)

// Class buckets a failed execution for the retry and repair machinery.
type Class int

const (
	// ClassInternal is anything the classifier could not place elsewhere.
	// Never retried.
	ClassInternal Class = iota

	// ClassValidation is a malformed request (bad tenant identifier, empty
	// statement). Rejected before reaching the database, never retried.
	ClassValidation

	// ClassTransient is infrastructure trouble expected to clear on its own:
	// connection refused, administrative shutdown, deadlock, lock
	// unavailable, timeout. Retried with backoff up to the budget.
	ClassTransient

	// ClassProvisioning means the tenant database or part of its schema is
	// missing. Routed through the drift repairer, at most once per request.
	ClassProvisioning

	// ClassUnknownTenant is permanent: the identifier is not in the agency
	// registry, so nothing is created and nothing is retried.
	ClassUnknownTenant

	// ClassConstraint is a logical failure (unique, not-null, check, foreign
	// key). Returned as-is with structured detail, never retried.
	ClassConstraint
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassTransient:
		return "transient"
	case ClassProvisioning:
		return "provisioning"
	case ClassUnknownTenant:
		return "unknown_tenant"
	case ClassConstraint:
		return "constraint"
	default:
		return "internal"
	}
}

// QueryError is a classified execution failure. The diagnostic fields are
// lifted verbatim from the driver error so operators can diagnose without
// re-running the statement.
type QueryError struct {
	Class      Class  `json:"-"`
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"` // SQLSTATE
	Detail     string `json:"detail,omitempty"`
	Hint       string `json:"hint,omitempty"`
	Constraint string `json:"constraint,omitempty"`
	Table      string `json:"table,omitempty"`
	Column     string `json:"column,omitempty"`

	Err error `json:"-"`
}

func (e *QueryError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (SQLSTATE %s)", e.Class, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *QueryError) Unwrap() error { return e.Err }

// Retryable reports whether the executor may retry after this failure.
func (e *QueryError) Retryable() bool { return e.Class == ClassTransient }

// ErrRetryExhausted wraps the last transient failure once the retry budget
// is spent.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// TxError marks which statement of a grouped transaction failed. The whole
// transaction was rolled back; no effects of earlier statements remain.
type TxError struct {
	Index int
	Err   error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction statement %d: %v", e.Index, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }
