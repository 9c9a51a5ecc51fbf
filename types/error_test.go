package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormat(t *testing.T) {
	err := NewError(ErrMissingReference, "unresolved token {input.city}")
	assert.Equal(t, "[MISSING_REFERENCE] unresolved token {input.city}", err.Error())
}

func TestErrorWithCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrRuntimeFailure, "dispatch failed").WithCause(cause)

	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.True(t, errors.Is(err, cause))
}

func TestErrorBuilders(t *testing.T) {
	err := Errorf(ErrRuntimeFailure, "step %s failed", "summarize").
		WithStep("summarize").
		WithRetryable(true)

	require.NotNil(t, err)
	assert.Equal(t, "summarize", err.StepID)
	assert.True(t, err.Retryable)
	assert.Contains(t, err.Message, "step summarize failed")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrRuntimeFailure, "x").WithRetryable(true)))
	assert.False(t, IsRetryable(NewError(ErrBudgetExceeded, "x")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, ErrBudgetExceeded, GetErrorCode(NewError(ErrBudgetExceeded, "x")))
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
}
