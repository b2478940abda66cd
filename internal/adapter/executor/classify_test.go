package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"

	"github.com/agyle/agencycore/internal/domain"
)

func TestClassifySQLStates(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		class domain.Class
	}{
		{"Connection Exception", "08000", domain.ClassTransient},
		{"Connection Does Not Exist", "08003", domain.ClassTransient},
		{"Connection Failure", "08006", domain.ClassTransient},
		{"Unlisted Connection Class Code", "08P01", domain.ClassTransient},
		{"Serialization Failure", "40001", domain.ClassTransient},
		{"Deadlock Detected", "40P01", domain.ClassTransient},
		{"Lock Not Available", "55P03", domain.ClassTransient},
		{"Too Many Connections", "53300", domain.ClassTransient},
		{"Admin Shutdown", "57P01", domain.ClassTransient},
		{"Crash Shutdown", "57P02", domain.ClassTransient},
		{"Query Canceled", "57014", domain.ClassTransient},
		{"Database Does Not Exist", "3D000", domain.ClassProvisioning},
		{"Undefined Table", "42P01", domain.ClassProvisioning},
		{"Undefined Column", "42703", domain.ClassProvisioning},
		{"Not Null Violation", "23502", domain.ClassConstraint},
		{"Foreign Key Violation", "23503", domain.ClassConstraint},
		{"Unique Violation", "23505", domain.ClassConstraint},
		{"Check Violation", "23514", domain.ClassConstraint},
		{"Unlisted Integrity Code", "23P01", domain.ClassConstraint},
		{"Syntax Error", "42601", domain.ClassInternal},
		{"Insufficient Privilege", "42501", domain.ClassInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qerr := Classify(&pq.Error{Code: pq.ErrorCode(tt.code), Message: "boom"})
			if qerr.Class != tt.class {
				t.Errorf("code %s: got class %s, want %s", tt.code, qerr.Class, tt.class)
			}
			if qerr.Code != tt.code {
				t.Errorf("expected SQLSTATE %s to be preserved, got %s", tt.code, qerr.Code)
			}
		})
	}
}

func TestClassifyPreservesDiagnostics(t *testing.T) {
	qerr := Classify(&pq.Error{
		Code:       "23505",
		Message:    `duplicate key value violates unique constraint "users_email_key"`,
		Detail:     "Key (email)=(a@b.c) already exists.",
		Hint:       "some hint",
		Constraint: "users_email_key",
		Table:      "users",
		Column:     "email",
	})

	if qerr.Constraint != "users_email_key" {
		t.Errorf("constraint not preserved: %q", qerr.Constraint)
	}
	if qerr.Table != "users" || qerr.Column != "email" {
		t.Errorf("table/column not preserved: %q.%q", qerr.Table, qerr.Column)
	}
	if qerr.Detail == "" || qerr.Hint == "" {
		t.Error("detail and hint should be preserved")
	}
}

func TestClassifyNonDriverErrors(t *testing.T) {
	t.Run("Deadline Exceeded", func(t *testing.T) {
		qerr := Classify(fmt.Errorf("exec: %w", context.DeadlineExceeded))
		if qerr.Class != domain.ClassTransient {
			t.Errorf("timeout should be transient, got %s", qerr.Class)
		}
	})

	t.Run("Canceled", func(t *testing.T) {
		qerr := Classify(context.Canceled)
		if qerr.Class != domain.ClassInternal {
			t.Errorf("cancellation is not retryable, got %s", qerr.Class)
		}
	})

	t.Run("Invalid Tenant", func(t *testing.T) {
		qerr := Classify(fmt.Errorf("%w: %q", domain.ErrInvalidTenantID, "bad;id"))
		if qerr.Class != domain.ClassValidation {
			t.Errorf("got %s, want validation", qerr.Class)
		}
	})

	t.Run("Unknown Tenant", func(t *testing.T) {
		qerr := Classify(fmt.Errorf("%w: %q", domain.ErrTenantNotFound, "ghost"))
		if qerr.Class != domain.ClassUnknownTenant {
			t.Errorf("got %s, want unknown_tenant", qerr.Class)
		}
	})

	t.Run("Connection Refused", func(t *testing.T) {
		qerr := Classify(errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"))
		if qerr.Class != domain.ClassTransient {
			t.Errorf("got %s, want transient", qerr.Class)
		}
	})

	t.Run("Already Classified", func(t *testing.T) {
		orig := &domain.QueryError{Class: domain.ClassConstraint, Message: "kept"}
		if got := Classify(fmt.Errorf("wrapped: %w", orig)); got != orig {
			t.Error("expected the existing QueryError to pass through")
		}
	})

	t.Run("Unknown Error", func(t *testing.T) {
		qerr := Classify(errors.New("something odd"))
		if qerr.Class != domain.ClassInternal {
			t.Errorf("got %s, want internal", qerr.Class)
		}
	})
}

func TestMissingRelation(t *testing.T) {
	tests := []struct {
		name   string
		err    *domain.QueryError
		want   string
		wantOK bool
	}{
		{
			"From Message",
			&domain.QueryError{Code: "42P01", Message: `relation "leave_requests" does not exist`},
			"leave_requests", true,
		},
		{
			"From Structured Field",
			&domain.QueryError{Code: "42P01", Table: "invoices", Message: "does not exist"},
			"invoices", true,
		},
		{
			"Wrong Code",
			&domain.QueryError{Code: "42703", Message: `relation "users" does not exist`},
			"", false,
		},
		{
			"Unparseable Message",
			&domain.QueryError{Code: "42P01", Message: "out of memory"},
			"", false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MissingRelation(tt.err)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("got (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMissingColumnRelation(t *testing.T) {
	t.Run("Column Of Relation", func(t *testing.T) {
		qerr := &domain.QueryError{Code: "42703", Message: `column "due_on" of relation "invoices" does not exist`}
		got, ok := MissingColumnRelation(qerr)
		if !ok || got != "invoices" {
			t.Errorf("got (%q, %v), want (invoices, true)", got, ok)
		}
	})

	t.Run("Bare Column", func(t *testing.T) {
		qerr := &domain.QueryError{Code: "42703", Message: `column "due_on" does not exist`}
		if got, ok := MissingColumnRelation(qerr); ok {
			t.Errorf("bare column names no relation, got %q", got)
		}
	})

	t.Run("Structured Table Field", func(t *testing.T) {
		qerr := &domain.QueryError{Code: "42703", Table: "deals", Message: "whatever"}
		got, ok := MissingColumnRelation(qerr)
		if !ok || got != "deals" {
			t.Errorf("got (%q, %v), want (deals, true)", got, ok)
		}
	})
}
