package budget_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/budget-ledger/budget"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want budget.Code
	}{
		{"nil", nil, ""},
		{"validation", &budget.ValidationError{Field: "amount", Message: "must be greater than zero"}, budget.CodeValidation},
		{"not found", &budget.NotFoundError{Resource: "envelope", ID: "e1"}, budget.CodeNotFound},
		{"conflict", &budget.ConflictError{Resource: "envelope", ID: "e1", Reason: "stale"}, budget.CodeConflict},
		{"insufficient", &budget.InsufficientBudgetError{EnvelopeID: "e1", Requested: d("2"), Available: d("1")}, budget.CodeInsufficientBudget},
		{"invalid state", &budget.InvalidStateError{Resource: "reservation", ID: "r1", From: "released", To: "confirmed"}, budget.CodeInvalidState},
		{"internal", &budget.InternalError{Op: "reserve"}, budget.CodeInternal},
		{"wrapped", fmt.Errorf("handler: %w", &budget.NotFoundError{Resource: "reservation", ID: "r1"}), budget.CodeNotFound},
		{"foreign", errors.New("boom"), budget.CodeInternal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, budget.CodeOf(tc.err))
		})
	}
}

func TestErrorClassification(t *testing.T) {
	conflict := &budget.ConflictError{Resource: "envelope", ID: "e1", Reason: "stale"}
	internal := &budget.InternalError{Op: "reserve"}
	validation := &budget.ValidationError{Field: "ttl", Message: "must be positive"}
	insufficient := &budget.InsufficientBudgetError{EnvelopeID: "e1"}
	invalid := &budget.InvalidStateError{Resource: "envelope", ID: "e1", From: "closed", To: "reserve"}
	missing := &budget.NotFoundError{Resource: "envelope", ID: "e1"}

	assert.True(t, budget.IsRetryable(conflict))
	assert.True(t, budget.IsRetryable(internal))
	assert.False(t, budget.IsRetryable(validation))
	assert.False(t, budget.IsRetryable(insufficient))

	assert.True(t, budget.IsClientError(validation))
	assert.True(t, budget.IsClientError(insufficient))
	assert.True(t, budget.IsClientError(invalid))
	assert.False(t, budget.IsClientError(missing))
	assert.False(t, budget.IsClientError(internal))

	assert.True(t, budget.IsNotFound(missing))
	assert.False(t, budget.IsNotFound(conflict))
	assert.False(t, budget.IsNotFound(context.Canceled))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "validation error: amount: must be greater than zero",
		(&budget.ValidationError{Field: "amount", Message: "must be greater than zero"}).Error())
	assert.Equal(t, "validation error: bad body",
		(&budget.ValidationError{Message: "bad body"}).Error())
	assert.Equal(t, `envelope "e1" not found`,
		(&budget.NotFoundError{Resource: "envelope", ID: "e1"}).Error())
	assert.Equal(t, "insufficient budget on envelope e1: requested 10.5, available 3",
		(&budget.InsufficientBudgetError{EnvelopeID: "e1", Requested: d("10.5"), Available: d("3")}).Error())
	assert.Equal(t, `reservation "r1" cannot move from released to confirmed`,
		(&budget.InvalidStateError{Resource: "reservation", ID: "r1", From: "released", To: "confirmed"}).Error())
	assert.Equal(t, "internal error during reserve", (&budget.InternalError{Op: "reserve"}).Error())
}
