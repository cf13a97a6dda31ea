// Package pipelineerrors implements the error taxonomy of §7: a closed set
// of error kinds, each with a fixed HTTP status, that the HTTP handlers use
// so the HTTP layer can convert them uniformly. Components below the HTTP
// layer mostly return plain errors; WriteHTTP maps any error that is not a
// PipelineError to 500.
package pipelineerrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the error kinds from §7.
type Kind string

const (
	KindConnectivity       Kind = "CONNECTIVITY"
	KindUnexpectedResponse Kind = "UNEXPECTED_RESPONSE"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindDeadlockDetected   Kind = "DEADLOCK_DETECTED"
	KindRecoverable        Kind = "RECOVERABLE_DOMAIN_FAILURE"
	KindNonRecoverable     Kind = "NON_RECOVERABLE_DOMAIN_FAILURE"
	KindMalformed          Kind = "MALFORMED_REQUEST"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
)

var statusByKind = map[Kind]int{
	KindConnectivity:       http.StatusBadGateway,
	KindUnexpectedResponse: http.StatusBadGateway,
	KindUnauthorized:       http.StatusUnauthorized,
	KindDeadlockDetected:   http.StatusConflict,
	KindRecoverable:        http.StatusOK,
	KindNonRecoverable:     http.StatusOK,
	KindMalformed:          http.StatusBadRequest,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
}

// PipelineError is the structured error every component returns.
type PipelineError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// HTTPStatus returns the status code this error maps to.
func (e *PipelineError) HTTPStatus() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func newErr(kind Kind, message string, cause error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Err: cause}
}

// Connectivity wraps a transient network/DB connectivity failure.
func Connectivity(message string, cause error) *PipelineError {
	return newErr(KindConnectivity, message, cause)
}

// UnexpectedResponse wraps a protocol mismatch (bad status, malformed body).
func UnexpectedResponse(message string, cause error) *PipelineError {
	return newErr(KindUnexpectedResponse, message, cause)
}

// Unauthorized wraps an authorization failure.
func Unauthorized(message string) *PipelineError {
	return newErr(KindUnauthorized, message, nil)
}

// DeadlockDetected wraps a storage serialisation failure; callers retry.
func DeadlockDetected(cause error) *PipelineError {
	return newErr(KindDeadlockDetected, "storage serialisation failure", cause)
}

// Malformed wraps a client-supplied payload that failed validation.
func Malformed(message string) *PipelineError {
	return newErr(KindMalformed, message, nil)
}

// NotFound wraps a missing resource.
func NotFound(message string) *PipelineError {
	return newErr(KindNotFound, message, nil)
}

// Conflict wraps a CAS/uniqueness conflict.
func Conflict(message string) *PipelineError {
	return newErr(KindConflict, message, nil)
}

// Is reports whether err (or anything it wraps) is a PipelineError of kind.
func Is(err error, kind Kind) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// errorBody is the JSON shape §7 requires on every HTTP error response.
type errorBody struct {
	Message string `json:"message"`
}

// WriteHTTP converts err to the §7 JSON error response, using the
// PipelineError's HTTP status if err is one, or 500 otherwise.
func WriteHTTP(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := err.Error()

	var pe *PipelineError
	if errors.As(err, &pe) {
		status = pe.HTTPStatus()
		message = pe.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Message: message})
}
