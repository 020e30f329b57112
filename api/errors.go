/*
errors.go - Ledger error to HTTP mapping

MAPPING:
  validation_error     400
  not_found            404
  conflict             409
  insufficient_budget  422  (body carries "available")
  invalid_state        409
  internal_error       500  (stable message, cause logged only)

SEE ALSO:
  - budget/errors.go: Error kinds and codes
*/
package api

import (
	"errors"
	"net/http"

	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/internal/logger"
	"go.uber.org/zap"
)

var statusByCode = map[budget.Code]int{
	budget.CodeValidation:         http.StatusBadRequest,
	budget.CodeNotFound:           http.StatusNotFound,
	budget.CodeConflict:           http.StatusConflict,
	budget.CodeInsufficientBudget: http.StatusUnprocessableEntity,
	budget.CodeInvalidState:       http.StatusConflict,
	budget.CodeInternal:           http.StatusInternalServerError,
}

// writeLedgerError renders an error returned by the ledger.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	code := budget.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		code, status = budget.CodeInternal, http.StatusInternalServerError
	}

	log := logger.FromContext(r.Context())

	resp := ErrorResponse{Code: string(code), Message: err.Error()}

	var (
		ve  *budget.ValidationError
		ibe *budget.InsufficientBudgetError
		ie  *budget.InternalError
	)
	switch {
	case errors.As(err, &ve):
		resp.Field = ve.Field
	case errors.As(err, &ibe):
		available := ibe.Available
		resp.Available = &available
	case errors.As(err, &ie):
		log.Error("ledger internal error", zap.String("op", ie.Op), zap.Error(ie.Cause()))
	case code == budget.CodeInternal:
		// Not a ledger error; never echo it.
		log.Error("unexpected error", zap.Error(err))
		resp.Message = "internal error"
	}

	if status < http.StatusInternalServerError {
		log.Debug("request rejected", zap.String("code", string(code)), zap.Error(err))
	}
	writeJSON(w, status, resp)
}

// writeBadRequest reports malformed transport input (body, query, path).
func writeBadRequest(w http.ResponseWriter, field, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Code:    string(budget.CodeValidation),
		Message: message,
		Field:   field,
	})
}
