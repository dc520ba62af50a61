package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures for propagation and response mapping.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindSecurityViolation
	KindUnauthorized
	KindDependencyUnavailable
	KindStorageFailure
	KindConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindSecurityViolation:
		return "security_violation"
	case KindUnauthorized:
		return "unauthorized"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	case KindStorageFailure:
		return "storage_failure"
	case KindConfig:
		return "config_error"
	default:
		return "internal_error"
	}
}

var (
	// ErrBreakerOpen is returned without invoking the dependency while a breaker is open.
	ErrBreakerOpen = errors.New("circuit breaker open")
	// ErrNotFound is returned by lookups that resolve nothing.
	ErrNotFound = errors.New("not found")
)

// Error is the typed error carried through the pipeline.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed error.
func NewError(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	if errors.Is(err, ErrBreakerOpen) {
		return KindDependencyUnavailable
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to the status returned to callers.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindSecurityViolation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the failed operation.
func Retryable(err error) bool {
	return KindOf(err) == KindDependencyUnavailable
}

// ErrorBody is the only error shape ever returned to callers. It never
// carries matched patterns or payload fragments.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var publicMessages = map[ErrorKind]string{
	KindValidation:            "The request did not pass validation.",
	KindSecurityViolation:     "The request was rejected by security policy.",
	KindUnauthorized:          "Additional verification is required.",
	KindDependencyUnavailable: "A required service is temporarily unavailable. Please retry.",
	KindStorageFailure:        "An internal error occurred.",
	KindConfig:                "An internal error occurred.",
	KindInternal:              "An internal error occurred.",
}

// BodyFor returns the public body for an error kind.
func BodyFor(kind ErrorKind) ErrorBody {
	return ErrorBody{Error: kind.String(), Message: publicMessages[kind]}
}

// ErrorBodyOf returns the public body for err.
func ErrorBodyOf(err error) ErrorBody {
	return BodyFor(KindOf(err))
}
