package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromError_MapsWrappedSentinels(t *testing.T) {
	cases := []struct {
		err    error
		typ    ErrorType
		status int
	}{
		{fmt.Errorf("issue abc: %w", ErrNotFound), ErrorTypeNotFound, http.StatusNotFound},
		{fmt.Errorf("approve: %w", ErrInvalidTransition), ErrorTypeInvalidTransition, http.StatusConflict},
		{fmt.Errorf("/src: %w", ErrCrawlActive), ErrorTypeConflict, http.StatusConflict},
		{fmt.Errorf("/nope: %w", ErrInvalidTarget), ErrorTypeValidation, http.StatusBadRequest},
		{ErrGeneratorUnavailable, ErrorTypeGeneratorUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("knowledge: %w", ErrDependencyOpen), ErrorTypeDependencyOpen, http.StatusServiceUnavailable},
		{fmt.Errorf("stage monitor: %w", context.DeadlineExceeded), ErrorTypeTimeout, http.StatusGatewayTimeout},
		{stderrors.New("boom"), ErrorTypeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		appErr := FromError(tc.err)
		assert.Equal(t, tc.typ, appErr.Type, tc.err.Error())
		assert.Equal(t, tc.status, appErr.StatusCode, tc.err.Error())
		assert.ErrorIs(t, appErr, tc.err)
	}
}

func TestFromError_PassesAppErrorsThrough(t *testing.T) {
	orig := NewValidationError("bad action", map[string]interface{}{"action": "resolve"})
	wrapped := fmt.Errorf("review: %w", orig)

	got := FromError(wrapped)
	assert.Same(t, orig, got)
	assert.Equal(t, "resolve", got.Details["action"])
}

func TestAppError_IsMatchesTypeAndCode(t *testing.T) {
	a := NewConflictError("already applied", nil)
	b := NewConflictError("something else", nil)
	assert.True(t, stderrors.Is(a, b))
	assert.False(t, stderrors.Is(a, NewValidationError("x", nil)))
	assert.ErrorIs(t, NewNotFoundError("issue"), ErrNotFound)
}

func TestSendError_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	SendError(rec, NewNotFoundError("pipeline"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	require.NotNil(t, body.Error)
	assert.Equal(t, "RESOURCE_NOT_FOUND", body.Error.Code)
	assert.Equal(t, "pipeline not found", body.Error.Message)
}

func TestErrorHandler_Notifies(t *testing.T) {
	var got []*AppError
	eh := NewErrorHandler()
	eh.SetNotificationFunction(func(e *AppError) { got = append(got, e) })

	eh.HandleError(nil)
	eh.HandleError(ErrPipelineFailed)

	require.Len(t, got, 1)
	assert.Equal(t, ErrorTypePipelineFailed, got[0].Type)
}
