package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/agyle/agencycore/internal/domain"
)

const maxRequestBody = 1 << 20 // 1MB

// QueryHandler exposes the core's inbound contract over HTTP: a single
// statement or a grouped transaction against one tenant.
type QueryHandler struct {
	executor domain.Executor
	logger   *slog.Logger
}

// NewQueryHandler creates a new QueryHandler.
func NewQueryHandler(executor domain.Executor, logger *slog.Logger) *QueryHandler {
	return &QueryHandler{executor: executor, logger: logger}
}

// Query handles POST /api/query.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req domain.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &domain.QueryError{Class: domain.ClassValidation, Message: "malformed request body"})
		return
	}

	result, err := h.executor.Execute(r.Context(), req)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type txRequest struct {
	Tenant     domain.TenantID    `json:"tenant_id"`
	Statements []domain.Statement `json:"statements"`
	ActorID    string             `json:"actor_id,omitempty"`
}

type txResponse struct {
	Results []domain.QueryResult `json:"results"`
}

// Transaction handles POST /api/tx.
func (h *QueryHandler) Transaction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	var req txRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &domain.QueryError{Class: domain.ClassValidation, Message: "malformed request body"})
		return
	}

	results, err := h.executor.ExecuteTx(r.Context(), req.Tenant, req.Statements, req.ActorID)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txResponse{Results: results})
}

// errorPayload is the wire shape of a classified failure: enough structured
// detail to diagnose without re-running the statement.
type errorPayload struct {
	Message        string `json:"message"`
	Class          string `json:"class"`
	Code           string `json:"code,omitempty"`
	Detail         string `json:"detail,omitempty"`
	Hint           string `json:"hint,omitempty"`
	Constraint     string `json:"constraint,omitempty"`
	Table          string `json:"table,omitempty"`
	Column         string `json:"column,omitempty"`
	StatementIndex *int   `json:"statement_index,omitempty"`
}

func (h *QueryHandler) writeFailure(w http.ResponseWriter, err error) {
	payload := errorPayload{Message: err.Error(), Class: domain.ClassInternal.String()}

	var txErr *domain.TxError
	if errors.As(err, &txErr) {
		idx := txErr.Index
		payload.StatementIndex = &idx
	}

	var qerr *domain.QueryError
	if errors.As(err, &qerr) {
		payload.Message = qerr.Message
		payload.Class = qerr.Class.String()
		payload.Code = qerr.Code
		payload.Detail = qerr.Detail
		payload.Hint = qerr.Hint
		payload.Constraint = qerr.Constraint
		payload.Table = qerr.Table
		payload.Column = qerr.Column
		writeJSON(w, statusFor(qerr.Class), payload)
		return
	}

	h.logger.Error("unclassified execution failure", "error", err)
	writeJSON(w, http.StatusInternalServerError, payload)
}

func statusFor(class domain.Class) int {
	switch class {
	case domain.ClassValidation:
		return http.StatusBadRequest
	case domain.ClassUnknownTenant:
		return http.StatusNotFound
	case domain.ClassConstraint:
		return http.StatusConflict
	case domain.ClassTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, qerr *domain.QueryError) {
	writeJSON(w, statusFor(qerr.Class), errorPayload{
		Message: qerr.Message,
		Class:   qerr.Class.String(),
		Code:    qerr.Code,
	})
}
