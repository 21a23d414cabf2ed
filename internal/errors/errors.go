package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Sentinel errors shared across packages. Wrap them with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	ErrNotFound             = stderrors.New("not found")
	ErrInvalidTransition    = stderrors.New("invalid transition")
	ErrDependencyOpen       = stderrors.New("dependency unavailable: circuit open")
	ErrGeneratorUnavailable = stderrors.New("fix generator unavailable")
	ErrPipelineFailed       = stderrors.New("pipeline failed")
	ErrCrawlActive          = stderrors.New("crawl already running for target")
	ErrInvalidTarget        = stderrors.New("invalid crawl target")
)

// ErrorType is the category an AppError is reported under
type ErrorType string

const (
	ErrorTypeValidation           ErrorType = "validation"
	ErrorTypeNotFound             ErrorType = "not_found"
	ErrorTypeConflict             ErrorType = "conflict"
	ErrorTypeInvalidTransition    ErrorType = "invalid_transition"
	ErrorTypeDependencyOpen       ErrorType = "dependency_open"
	ErrorTypeGeneratorUnavailable ErrorType = "generator_unavailable"
	ErrorTypePipelineFailed       ErrorType = "pipeline_failed"
	ErrorTypeInternal             ErrorType = "internal"
	ErrorTypeRateLimit            ErrorType = "rate_limit"
	ErrorTypeTimeout              ErrorType = "timeout"
)

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:           http.StatusBadRequest,
	ErrorTypeNotFound:             http.StatusNotFound,
	ErrorTypeConflict:             http.StatusConflict,
	ErrorTypeInvalidTransition:    http.StatusConflict,
	ErrorTypeDependencyOpen:       http.StatusServiceUnavailable,
	ErrorTypeGeneratorUnavailable: http.StatusServiceUnavailable,
	ErrorTypeRateLimit:            http.StatusTooManyRequests,
	ErrorTypeTimeout:              http.StatusGatewayTimeout,
}

// sentinelKinds is checked in order by FromError
var sentinelKinds = []struct {
	err  error
	typ  ErrorType
	code string
}{
	{ErrNotFound, ErrorTypeNotFound, "RESOURCE_NOT_FOUND"},
	{ErrInvalidTransition, ErrorTypeInvalidTransition, "INVALID_TRANSITION"},
	{ErrCrawlActive, ErrorTypeConflict, "CRAWL_ACTIVE"},
	{ErrInvalidTarget, ErrorTypeValidation, "INVALID_TARGET"},
	{ErrGeneratorUnavailable, ErrorTypeGeneratorUnavailable, "GENERATOR_UNAVAILABLE"},
	{ErrDependencyOpen, ErrorTypeDependencyOpen, "DEPENDENCY_OPEN"},
	{ErrPipelineFailed, ErrorTypePipelineFailed, "PIPELINE_FAILED"},
	{context.DeadlineExceeded, ErrorTypeTimeout, "DEADLINE_EXCEEDED"},
}

// AppError is an error that knows how it should be reported over HTTP
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	StatusCode int                    `json:"-"`
	Timestamp  time.Time              `json:"timestamp"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches another AppError with the same type and code
func (e *AppError) Is(target error) bool {
	other, ok := target.(*AppError)
	return ok && e.Type == other.Type && e.Code == other.Code
}

// NewAppError builds an AppError; the status comes from the type
func NewAppError(errorType ErrorType, code, message string, cause error) *AppError {
	status, ok := statusByType[errorType]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &AppError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Cause:      cause,
		StatusCode: status,
		Timestamp:  time.Now(),
	}
}

// WithDetails merges details into the error
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	if len(details) == 0 {
		return e
	}
	if e.Details == nil {
		e.Details = make(map[string]interface{}, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

func NewValidationError(message string, details map[string]interface{}) *AppError {
	return NewAppError(ErrorTypeValidation, "VALIDATION_FAILED", message, nil).WithDetails(details)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrorTypeNotFound, "RESOURCE_NOT_FOUND", resource+" not found", ErrNotFound)
}

func NewConflictError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeConflict, "CONFLICT", message, cause)
}

func NewInternalError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeInternal, "INTERNAL_ERROR", message, cause)
}

// FromError maps any error onto an AppError. Existing AppErrors pass
// through; wrapped sentinels get their own type and code; anything else
// is internal.
func FromError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	for _, k := range sentinelKinds {
		if stderrors.Is(err, k.err) {
			return NewAppError(k.typ, k.code, err.Error(), err)
		}
	}
	return NewInternalError("Unexpected error occurred", err)
}

// ErrorHandler logs errors and forwards them to an optional notifier
type ErrorHandler struct {
	logger     *log.Logger
	notifyFunc func(*AppError)
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{logger: log.Default()}
}

// SetNotificationFunction registers fn to receive every handled error
func (eh *ErrorHandler) SetNotificationFunction(fn func(*AppError)) {
	eh.notifyFunc = fn
}

// HandleError logs err and notifies; nil is ignored
func (eh *ErrorHandler) HandleError(err error) {
	if err == nil {
		return
	}
	appErr := FromError(err)
	if appErr.Details != nil {
		eh.logger.Printf("🚨 Error [%s]: %v %+v", appErr.Type, appErr, appErr.Details)
	} else {
		eh.logger.Printf("🚨 Error [%s]: %v", appErr.Type, appErr)
	}
	if eh.notifyFunc != nil {
		eh.notifyFunc(appErr)
	}
}

// APIError is the error body of a failed response
type APIError struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// APIResponse is the envelope for SendError and SendSuccess
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// SendError writes appErr in the response envelope
func SendError(w http.ResponseWriter, appErr *AppError) {
	SendJSON(w, appErr.StatusCode, APIResponse{
		Error: &APIError{
			Error:     http.StatusText(appErr.StatusCode),
			Message:   appErr.Message,
			Code:      appErr.Code,
			Details:   appErr.Details,
			Timestamp: appErr.Timestamp,
		},
	})
}

// SendSuccess writes data in the response envelope with 200
func SendSuccess(w http.ResponseWriter, data interface{}) {
	SendJSON(w, http.StatusOK, APIResponse{Success: true, Data: data})
}

// SendJSON writes body as-is for endpoints with a fixed response shape.
func SendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("⚠️  Failed to encode response: %v", err)
	}
}
